package dag

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/registry"
	"github.com/forgesyte/forgesyte-go/internal/sanitize"
)

// Executor runs a loaded pipeline's nodes in topological order, threading
// intermediate results along edges.
type Executor struct {
	loader   *Loader
	registry *registry.Registry
}

// NewExecutor ties a Loader and Registry together.
func NewExecutor(loader *Loader, reg *registry.Registry) *Executor {
	return &Executor{loader: loader, registry: reg}
}

// Run executes pipelineID against input, returning the sanitized outputs of
// the pipeline's output nodes. Single-output pipelines flatten to the sole
// output's value.
func (e *Executor) Run(ctx context.Context, pipelineID string, input map[string]any) (any, error) {
	c, err := e.loader.get(pipelineID)
	if err != nil {
		return nil, err
	}

	state := make(map[string]map[string]any, len(c.byID))
	entrySet := make(map[string]bool, len(c.def.EntryNodes))
	for _, id := range c.def.EntryNodes {
		entrySet[id] = true
	}

	predecessors := make(map[string][]string)
	for _, edge := range c.def.Edges {
		predecessors[edge.To] = append(predecessors[edge.To], edge.From)
	}

	for _, nodeID := range c.order {
		node := c.byID[nodeID]

		nodeInput, err := collectInput(nodeID, node, input, state, predecessors, entrySet)
		if err != nil {
			return nil, err
		}

		p, tool, err := e.registry.ResolveTool(node.PluginID, node.ToolID)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.PipelineNodeError, err, "pipeline %q node %q", pipelineID, nodeID)
		}
		_ = p

		if err := validateAgainstSchema(tool.InputSchema, nodeInput); err != nil {
			return nil, forgeerr.Wrap(forgeerr.PipelineNodeError, err, "pipeline %q node %q input violates declared input_schema", pipelineID, nodeID)
		}

		rawOutput, err := tool.Handler(ctx, nodeInput)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.PipelineNodeError, err, "pipeline %q node %q handler failed", pipelineID, nodeID)
		}

		sanitized, err := sanitize.Sanitize(rawOutput)
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.PipelineNodeError, err, "pipeline %q node %q produced unsafe output", pipelineID, nodeID)
		}

		if err := validateAgainstSchema(tool.OutputSchema, sanitized); err != nil {
			return nil, forgeerr.Wrap(forgeerr.PipelineNodeError, err, "pipeline %q node %q output violates declared output_schema", pipelineID, nodeID)
		}

		sanitizedMap, ok := sanitized.(map[string]any)
		if sanitized == nil {
			sanitizedMap = map[string]any{}
		} else if !ok {
			return nil, forgeerr.New(forgeerr.PipelineNodeError, "pipeline %q node %q output is not an object", pipelineID, nodeID)
		}
		state[nodeID] = sanitizedMap
	}

	outputs := make(map[string]any, len(c.def.OutputNodes))
	for _, id := range c.def.OutputNodes {
		outputs[id] = state[id]
	}

	if len(outputs) == 1 {
		for _, only := range outputs {
			return only, nil
		}
	}
	return outputs, nil
}

// validateAgainstSchema checks value against a tool's declared input_schema
// or output_schema. A nil schema (not possible past contract enforcement,
// but tolerated defensively) skips validation.
func validateAgainstSchema(schema map[string]any, value any) error {
	if schema == nil {
		return nil
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("%s", result.Errors()[0].String())
	}
	return nil
}

// collectInput gathers a node's input from predecessor states, or seeds it
// with the pipeline's original input payload when the node is an entry
// node.
func collectInput(
	nodeID string,
	node Node,
	pipelineInput map[string]any,
	state map[string]map[string]any,
	predecessors map[string][]string,
	entrySet map[string]bool,
) (map[string]any, error) {
	preds := predecessors[nodeID]
	if len(preds) == 0 {
		if entrySet[nodeID] {
			return pipelineInput, nil
		}
		return map[string]any{}, nil
	}
	if len(preds) == 1 {
		return state[preds[0]], nil
	}

	merged := make(map[string]any)
	for _, pred := range preds {
		for k, v := range state[pred] {
			merged[k] = v
		}
	}
	return merged, nil
}

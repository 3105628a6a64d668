package dag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/plugin/sample"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	result := reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) { return sample.New(), nil },
		func() (plugin.Plugin, error) { return sample.NewDetector(), nil },
	})
	require.Empty(t, result.Errors)
	return reg
}

func TestLoader_SingleStepPipeline_EntryEqualsOutput(t *testing.T) {
	reg := newTestRegistry(t)
	loader := NewLoader()

	def := Definition{
		ID:          "ocr_only",
		Nodes:       []Node{{ID: "ocr", PluginID: "ocr", ToolID: "extract_text"}},
		EntryNodes:  []string{"ocr"},
		OutputNodes: []string{"ocr"},
	}
	require.NoError(t, loader.Add(def, reg))

	exec := NewExecutor(loader, reg)
	out, err := exec.Run(context.Background(), "ocr_only", map[string]any{"frame_index": int64(0)})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Equal(t, "frame-0-text", result["text"])
}

func TestLoader_RejectsCycle(t *testing.T) {
	reg := newTestRegistry(t)
	loader := NewLoader()

	def := Definition{
		ID: "cyclic",
		Nodes: []Node{
			{ID: "a", PluginID: "ocr", ToolID: "extract_text"},
			{ID: "b", PluginID: "ocr", ToolID: "extract_text"},
		},
		Edges:       []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"b"},
	}
	err := loader.Add(def, reg)
	require.Error(t, err)
	assert.Equal(t, forgeerr.InvalidInput, forgeerr.KindOf(err))
}

func TestLoader_RejectsUnresolvablePluginOrTool(t *testing.T) {
	reg := newTestRegistry(t)
	loader := NewLoader()

	def := Definition{
		ID:          "bad",
		Nodes:       []Node{{ID: "a", PluginID: "nonexistent", ToolID: "x"}},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"a"},
	}
	err := loader.Add(def, reg)
	require.Error(t, err)
}

func TestLoader_RejectsUnreachableNode(t *testing.T) {
	reg := newTestRegistry(t)
	loader := NewLoader()

	def := Definition{
		ID: "unreachable",
		Nodes: []Node{
			{ID: "a", PluginID: "ocr", ToolID: "extract_text"},
			{ID: "orphan", PluginID: "ocr", ToolID: "extract_text"},
		},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"a"},
	}
	err := loader.Add(def, reg)
	require.Error(t, err)
}

func TestExecutor_MultiNodePipeline_ThreadsPayloadAlongEdges(t *testing.T) {
	reg := newTestRegistry(t)
	loader := NewLoader()

	def := Definition{
		ID: "yolo_ocr",
		Nodes: []Node{
			{ID: "detect", PluginID: "yolo", ToolID: "detect_objects"},
			{ID: "ocr", PluginID: "ocr", ToolID: "extract_text"},
		},
		Edges:       []Edge{{From: "detect", To: "ocr"}},
		EntryNodes:  []string{"detect"},
		OutputNodes: []string{"ocr"},
	}
	require.NoError(t, loader.Add(def, reg))

	exec := NewExecutor(loader, reg)
	out, err := exec.Run(context.Background(), "yolo_ocr", map[string]any{"frame_index": int64(3)})
	require.NoError(t, err)
	result := out.(map[string]any)
	assert.Contains(t, result, "text")
}

func TestExecutor_NodeFailureDiscardsPartialState(t *testing.T) {
	reg := registry.New()
	result := reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) {
			return &failingPlugin{}, nil
		},
	})
	require.Empty(t, result.Errors)

	loader := NewLoader()
	def := Definition{
		ID:          "fails",
		Nodes:       []Node{{ID: "a", PluginID: "failer", ToolID: "boom"}},
		EntryNodes:  []string{"a"},
		OutputNodes: []string{"a"},
	}
	require.NoError(t, loader.Add(def, reg))

	exec := NewExecutor(loader, reg)
	_, err := exec.Run(context.Background(), "fails", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, forgeerr.PipelineNodeError, forgeerr.KindOf(err))
}

type failingPlugin struct{}

func (f *failingPlugin) Name() string        { return "failer" }
func (f *failingPlugin) Version() string     { return "0.1" }
func (f *failingPlugin) Description() string { return "always fails" }
func (f *failingPlugin) Capabilities() []string { return nil }
func (f *failingPlugin) Tools() map[string]plugin.Tool {
	return map[string]plugin.Tool{
		"boom": {
			Name:         "boom",
			Description:  "fails",
			Handler:      func(context.Context, map[string]any) (map[string]any, error) { return nil, errors.New("boom") },
			InputSchema:  map[string]any{"type": "object"},
			OutputSchema: map[string]any{"type": "object"},
		},
	}
}
func (f *failingPlugin) Validate() error { return nil }

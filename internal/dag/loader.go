package dag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

// compiled is a Definition plus its precomputed, validated topological
// order, computed once at load time.
type compiled struct {
	def   Definition
	order []string // node ids, topological, lexicographic tie-break
	byID  map[string]Node
}

// Loader loads pipeline definitions once at startup and keeps them
// immutable at runtime.
type Loader struct {
	pipelines map[string]*compiled
}

// LoadDirectory reads every *.json file in dir as a pipeline Definition,
// validates it is a DAG whose nodes resolve against reg, and computes each
// pipeline's topological order. Any single bad file fails the whole load —
// unlike plugin loading, pipeline definitions are not isolated from one
// another at startup.
func LoadDirectory(dir string, reg *registry.Registry) (*Loader, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, forgeerr.Wrap(forgeerr.Internal, err, "reading pipeline directory %q", dir)
	}

	l := &Loader{pipelines: make(map[string]*compiled)}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, forgeerr.Wrap(forgeerr.Internal, err, "reading pipeline file %q", entry.Name())
		}
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, forgeerr.Wrap(forgeerr.InvalidInput, err, "parsing pipeline file %q", entry.Name())
		}
		if err := l.Add(def, reg); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// NewLoader creates an empty Loader (for tests/in-memory wiring, without a
// filesystem directory).
func NewLoader() *Loader {
	return &Loader{pipelines: make(map[string]*compiled)}
}

// Add validates and compiles a single Definition, registering it under its
// ID. Used directly by tests and by LoadDirectory.
func (l *Loader) Add(def Definition, reg *registry.Registry) error {
	if def.ID == "" {
		return forgeerr.New(forgeerr.InvalidInput, "pipeline definition has no id")
	}
	if len(def.Nodes) == 0 {
		return forgeerr.New(forgeerr.InvalidInput, "pipeline %q has no nodes", def.ID)
	}

	byID := make(map[string]Node, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q has a node with no id", def.ID)
		}
		if _, dup := byID[n.ID]; dup {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q has duplicate node id %q", def.ID, n.ID)
		}
		byID[n.ID] = n
	}

	for _, e := range def.Edges {
		if _, ok := byID[e.From]; !ok {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q edge references unknown node %q", def.ID, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q edge references unknown node %q", def.ID, e.To)
		}
	}

	for _, id := range def.EntryNodes {
		if _, ok := byID[id]; !ok {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q entry node %q not in node set", def.ID, id)
		}
	}
	for _, id := range def.OutputNodes {
		if _, ok := byID[id]; !ok {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q output node %q not in node set", def.ID, id)
		}
	}

	// Every node's plugin_id/tool_id must resolve at load time.
	if reg != nil {
		for _, n := range def.Nodes {
			if _, _, err := reg.ResolveTool(n.PluginID, n.ToolID); err != nil {
				return forgeerr.Wrap(forgeerr.InvalidInput, err, "pipeline %q node %q", def.ID, n.ID)
			}
		}
	}

	order, err := topologicalOrder(def, byID)
	if err != nil {
		return err
	}

	// Every node must be reachable from an entry node.
	reachable := reachabilityFrom(def, def.EntryNodes)
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			return forgeerr.New(forgeerr.InvalidInput, "pipeline %q node %q is unreachable from any entry node", def.ID, n.ID)
		}
	}

	l.pipelines[def.ID] = &compiled{def: def, order: order, byID: byID}
	return nil
}

// get returns the compiled pipeline or PIPELINE_NOT_FOUND.
func (l *Loader) get(id string) (*compiled, error) {
	c, ok := l.pipelines[id]
	if !ok {
		return nil, forgeerr.New(forgeerr.PipelineNotFound, "pipeline %q is not loaded", id)
	}
	return c, nil
}

// IDs returns every loaded pipeline id, sorted.
func (l *Loader) IDs() []string {
	out := make([]string, 0, len(l.pipelines))
	for id := range l.pipelines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Exists reports whether id names a loaded pipeline, satisfying
// jobmanager.PipelineResolver.
func (l *Loader) Exists(id string) bool {
	_, ok := l.pipelines[id]
	return ok
}

// CanonicalTool returns the sole output node's tool id when the pipeline
// has exactly one output node, satisfying jobmanager.PipelineResolver.
// With more than one output node there is no unambiguous single tool, so
// ok is false and the caller must supply an explicit tool name rather than
// have one guessed.
func (l *Loader) CanonicalTool(id string) (string, bool) {
	c, ok := l.pipelines[id]
	if !ok || len(c.def.OutputNodes) != 1 {
		return "", false
	}
	node, ok := c.byID[c.def.OutputNodes[0]]
	if !ok {
		return "", false
	}
	return node.ToolID, true
}

// topologicalOrder computes Kahn's algorithm with a lexicographic
// tie-break on node id, and detects cycles.
func topologicalOrder(def Definition, byID map[string]Node) ([]string, error) {
	indegree := make(map[string]int, len(byID))
	adj := make(map[string][]string, len(byID))
	for id := range byID {
		indegree[id] = 0
	}
	for _, e := range def.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		neighbors := append([]string(nil), adj[next]...)
		sort.Strings(neighbors)
		for _, nb := range neighbors {
			indegree[nb]--
			if indegree[nb] == 0 {
				ready = append(ready, nb)
			}
		}
	}

	if len(order) != len(byID) {
		return nil, forgeerr.New(forgeerr.InvalidInput, "pipeline %q contains a cycle", def.ID)
	}
	return order, nil
}

// reachabilityFrom computes the set of node ids reachable from any of the
// given entry node ids (including the entries themselves).
func reachabilityFrom(def Definition, entries []string) map[string]bool {
	adj := make(map[string][]string)
	for _, e := range def.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	seen := make(map[string]bool, len(entries))
	queue := append([]string(nil), entries...)
	for _, e := range entries {
		seen[e] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range adj[cur] {
			if !seen[nb] {
				seen[nb] = true
				queue = append(queue, nb)
			}
		}
	}
	return seen
}

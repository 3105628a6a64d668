// Package registry is a concurrency-safe, read-mostly store of loaded
// plugins: discovery, contract enforcement, lookup, and copy-on-write
// reload over a single sync.RWMutex-guarded map.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/sanitize"
)

// Summary is the list() view of one registered plugin.
type Summary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Tools   []string `json:"tools"`
	Healthy bool     `json:"healthy"`
}

// LoadResult is LoadPlugins's return shape.
type LoadResult struct {
	Loaded map[string]plugin.Plugin
	Errors map[string]error
}

// Registry owns the process's validated plugins for its lifetime.
// Read-mostly after startup; Reload uses a copy-on-write swap of a single
// entry so concurrent Get/List never observe a half-updated plugin.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]plugin.Plugin
	log     *zap.Logger
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithLogger overrides the registry's logger (default: a no-op logger).
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		plugins: make(map[string]plugin.Plugin),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadPlugins instantiates every factory, validates it against the
// contract (enforceContract), and registers the ones that pass. No
// factory failure aborts the whole load — each plugin is isolated.
func (r *Registry) LoadPlugins(factories []plugin.Factory) LoadResult {
	result := LoadResult{
		Loaded: make(map[string]plugin.Plugin),
		Errors: make(map[string]error),
	}

	for _, factory := range factories {
		p, err := factory()
		if err != nil {
			r.log.Warn("plugin factory failed", zap.Error(err))
			result.Errors["<unnamed>"] = err
			continue
		}

		name := safeName(p)
		if err := r.register(p); err != nil {
			r.log.Warn("plugin rejected", zap.String("plugin", name), zap.Error(err))
			result.Errors[name] = err
			continue
		}
		result.Loaded[name] = p
	}

	return result
}

// safeName guards against a nil Plugin or a panic in Name() surfacing as a
// map-key crash rather than a recorded load error.
func safeName(p plugin.Plugin) (name string) {
	defer func() {
		if recover() != nil {
			name = "<unnamed>"
		}
	}()
	if p == nil {
		return "<nil>"
	}
	return p.Name()
}

// register enforces the contract and, on success, adds p under its own
// write lock.
func (r *Registry) register(p plugin.Plugin) error {
	if err := enforceContract(r, p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name()]; exists {
		return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q already registered", p.Name()).
			WithField("name", "duplicate registration")
	}
	r.plugins[p.Name()] = p
	return nil
}

// enforceContract validates a plugin's declared name, tools, schemas, and
// lifecycle hook without mutating the registry, so a failed reload never
// disturbs the current registration.
func enforceContract(r *Registry, p plugin.Plugin) error {
	if p == nil {
		return forgeerr.New(forgeerr.InvalidPlugin, "plugin is nil").WithField("name", "nil plugin")
	}

	name := p.Name()
	if name == "" {
		return forgeerr.New(forgeerr.InvalidPlugin, "plugin name must be non-empty").
			WithField("name", "empty")
	}

	tools := p.Tools()
	if len(tools) == 0 {
		return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q declares no tools", name).
			WithField("tools", "empty")
	}

	for toolName, tool := range tools {
		if toolName == "" {
			return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q has a tool with an empty name", name).
				WithField("tools", "empty tool name")
		}
		if tool.Handler == nil {
			return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q tool %q has no handler", name, toolName).
				WithField("handler", "missing")
		}
		if tool.Description == "" {
			return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q tool %q has no description", name, toolName).
				WithField("description", "missing")
		}
		if tool.InputSchema == nil {
			return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q tool %q has no input_schema", name, toolName).
				WithField("input_schema", "missing")
		}
		if tool.OutputSchema == nil {
			return forgeerr.New(forgeerr.InvalidPlugin, "plugin %q tool %q has no output_schema", name, toolName).
				WithField("output_schema", "missing")
		}
		if _, err := sanitize.Sanitize(tool.InputSchema); err != nil {
			return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "plugin %q tool %q input_schema is not JSON-serializable", name, toolName).
				WithField("input_schema", "not JSON-serializable")
		}
		if _, err := sanitize.Sanitize(tool.OutputSchema); err != nil {
			return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "plugin %q tool %q output_schema is not JSON-serializable", name, toolName).
				WithField("output_schema", "not JSON-serializable")
		}
		if err := validateSchemaDocument(tool.InputSchema); err != nil {
			return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "plugin %q tool %q input_schema is not a valid JSON Schema document", name, toolName).
				WithField("input_schema", "malformed schema")
		}
		if err := validateSchemaDocument(tool.OutputSchema); err != nil {
			return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "plugin %q tool %q output_schema is not a valid JSON Schema document", name, toolName).
				WithField("output_schema", "malformed schema")
		}
	}

	if err := p.Validate(); err != nil {
		return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "plugin %q failed validate()", name).
			WithField("validate", err.Error())
	}

	return nil
}

// validateSchemaDocument confirms schema itself compiles as a JSON Schema
// document (not that any value satisfies it), catching a malformed
// input_schema/output_schema at registration time rather than at first
// use.
func validateSchemaDocument(schema map[string]any) error {
	_, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	return err
}

// Get returns the named plugin or PLUGIN_NOT_FOUND.
func (r *Registry) Get(name string) (plugin.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, forgeerr.New(forgeerr.PluginNotFound, "plugin %q is not registered", name)
	}
	return p, nil
}

// List returns a summary of every registered plugin, sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Summary, 0, len(r.plugins))
	for name, p := range r.plugins {
		tools := p.Tools()
		names := make([]string, 0, len(tools))
		for t := range tools {
			names = append(names, t)
		}
		sort.Strings(names)
		out = append(out, Summary{
			ID:      name,
			Name:    p.Name(),
			Version: p.Version(),
			Tools:   names,
			Healthy: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the set of registered plugin names, sorted (used by the
// governance guard that requires >=1 loaded plugin).
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Reload re-instantiates a plugin via factory, re-validates it, and
// atomically swaps it in on success. On failure the current registration
// is left untouched.
func (r *Registry) Reload(name string, factory plugin.Factory) error {
	fresh, err := factory()
	if err != nil {
		return forgeerr.Wrap(forgeerr.InvalidPlugin, err, "reload %q: factory failed", name)
	}
	if fresh.Name() != name {
		return forgeerr.New(forgeerr.InvalidPlugin, "reload %q: factory produced plugin named %q", name, fresh.Name()).
			WithField("name", "mismatch")
	}
	if err := enforceContract(r, fresh); err != nil {
		return fmt.Errorf("reload %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[name] = fresh
	return nil
}

// ResolveTool looks up a plugin and one of its tools together, the shape
// the DAG executor and realtime analyzer both need.
func (r *Registry) ResolveTool(pluginID, toolID string) (plugin.Plugin, plugin.Tool, error) {
	p, err := r.Get(pluginID)
	if err != nil {
		return nil, plugin.Tool{}, err
	}
	tool, ok := p.Tools()[toolID]
	if !ok {
		return nil, plugin.Tool{}, forgeerr.New(forgeerr.ToolNotFound, "plugin %q has no tool %q", pluginID, toolID)
	}
	return p, tool, nil
}

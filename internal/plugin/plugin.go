// Package plugin defines the plugin contract. A Plugin is an in-process Go
// value exposing a stable Name and a set of Tools; the registry
// (internal/registry) enforces the contract at registration time.
//
// A ToolHandler is always a directly bound Go func, type-checked at
// compile time, so there is no "resolve a method by name string" step to
// get wrong at runtime.
package plugin

import "context"

// ToolHandler invokes one tool of one plugin with a JSON-shaped input and
// returns a JSON-shaped output. Implementations must not return raw []byte,
// NaN/Inf floats, or non-string-keyed maps — internal/sanitize enforces
// this at the DAG/realtime boundary regardless, but a well-behaved handler
// should already emit JSON-safe values.
type ToolHandler func(ctx context.Context, input map[string]any) (map[string]any, error)

// Tool is one named capability of a Plugin.
type Tool struct {
	Name         string
	Description  string
	Handler      ToolHandler
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Plugin is the contract every analysis unit must satisfy. Validate is
// optional: a plugin with no extra invariants can return nil immediately.
type Plugin interface {
	// Name returns a stable, process-unique identifier.
	Name() string
	// Version returns a semantic or free-form version string for the manifest.
	Version() string
	// Description is a short human summary for the manifest.
	Description() string
	// Capabilities lists free-form capability tags surfaced in the manifest.
	Capabilities() []string
	// Tools returns this plugin's declared tool set, keyed by tool name.
	Tools() map[string]Tool
	// Validate runs the plugin's own lifecycle hook. A plugin with no
	// extra invariants returns nil.
	Validate() error
}

// Factory constructs a fresh Plugin instance. The process bootstrapper
// supplies a slice of Factory values at startup; Go has no runtime
// plugin-entrypoint discovery equivalent, so loading is explicit rather
// than based on scanning installed packages.
type Factory func() (Plugin, error)

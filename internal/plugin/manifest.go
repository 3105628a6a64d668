package plugin

// ToolSummary is the public, JSON-serializable view of a Tool (no handler).
type ToolSummary struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
}

// Manifest is the public view of a plugin: {id, name, version,
// description, capabilities[], tools}, constructed fresh per plugin
// rather than hand-built by callers, so ID always equals the
// registration name and the Tools key-set always equals the plugin's
// declared tool set.
type Manifest struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description"`
	Capabilities []string               `json:"capabilities"`
	Tools        map[string]ToolSummary `json:"tools"`
}

// BuildManifest introspects a validated Plugin into its public Manifest.
func BuildManifest(p Plugin) Manifest {
	tools := p.Tools()
	summaries := make(map[string]ToolSummary, len(tools))
	for name, tool := range tools {
		summaries[name] = ToolSummary{
			Name:         tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			OutputSchema: tool.OutputSchema,
		}
	}
	caps := p.Capabilities()
	capsCopy := make([]string, len(caps))
	copy(capsCopy, caps)

	return Manifest{
		ID:           p.Name(),
		Name:         p.Name(),
		Version:      p.Version(),
		Description:  p.Description(),
		Capabilities: capsCopy,
		Tools:        summaries,
	}
}

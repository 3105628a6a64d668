package sample

import (
	"context"

	"github.com/forgesyte/forgesyte-go/internal/plugin"
)

// DetectorPlugin is a deterministic stand-in for an object-detection engine
// (e.g. YOLO), paired with OCRPlugin to exercise multi-node pipelines.
type DetectorPlugin struct{}

// NewDetector constructs the sample detector plugin.
func NewDetector() *DetectorPlugin { return &DetectorPlugin{} }

func (p *DetectorPlugin) Name() string        { return "yolo" }
func (p *DetectorPlugin) Version() string     { return "0.1.0" }
func (p *DetectorPlugin) Description() string { return "deterministic reference object-detection plugin" }
func (p *DetectorPlugin) Capabilities() []string {
	return []string{"object-detection"}
}

func (p *DetectorPlugin) Tools() map[string]plugin.Tool {
	return map[string]plugin.Tool{
		"detect_objects": {
			Name:        "detect_objects",
			Description: "detects objects in an image payload",
			Handler:     p.detect,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"frame_index": map[string]any{"type": "integer"},
					"image_bytes": map[string]any{"type": "string"},
				},
			},
			OutputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"detections": map[string]any{"type": "array"},
				},
			},
		},
	}
}

func (p *DetectorPlugin) Validate() error { return nil }

func (p *DetectorPlugin) detect(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{
		"detections": []any{
			map[string]any{"label": "object", "score": 0.87, "box": []any{int64(0), int64(0), int64(10), int64(10)}},
		},
	}, nil
}

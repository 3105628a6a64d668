// Package sample provides a deterministic, in-process reference plugin
// used by tests and as the default pipeline's worker. Concrete analysis
// plugins (YOLO, OCR engines) are out of scope here; this stands in for
// them as an in-process struct rather than a spawned subprocess, since
// ForgeSyte plugins are Go values, not binaries.
package sample

import (
	"context"
	"fmt"

	"github.com/forgesyte/forgesyte-go/internal/plugin"
)

// OCRPlugin is a deterministic stand-in for a real text-extraction engine:
// it reports a fixed-shape result derived from the input's frame_index, so
// tests can assert on exact output without a real image pipeline.
type OCRPlugin struct{}

// New constructs the sample OCR plugin.
func New() *OCRPlugin { return &OCRPlugin{} }

func (p *OCRPlugin) Name() string        { return "ocr" }
func (p *OCRPlugin) Version() string     { return "0.1.0" }
func (p *OCRPlugin) Description() string { return "deterministic reference text-extraction plugin" }
func (p *OCRPlugin) Capabilities() []string {
	return []string{"text-extraction"}
}

func (p *OCRPlugin) Tools() map[string]plugin.Tool {
	return map[string]plugin.Tool{
		"extract_text": {
			Name:        "extract_text",
			Description: "extracts text from an image payload",
			Handler:     p.extractText,
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
					"text":       map[string]any{"type": "string"},
					"confidence": map[string]any{"type": "number"},
				},
			},
		},
	}
}

func (p *OCRPlugin) Validate() error { return nil }

func (p *OCRPlugin) extractText(_ context.Context, input map[string]any) (map[string]any, error) {
	frameIndex := 0
	if v, ok := input["frame_index"]; ok {
		switch n := v.(type) {
		case int:
			frameIndex = n
		case int64:
			frameIndex = int(n)
		case float64:
			frameIndex = int(n)
		}
	}
	return map[string]any{
		"text":       fmt.Sprintf("frame-%d-text", frameIndex),
		"confidence": 0.99,
	}, nil
}

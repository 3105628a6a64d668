package manifestcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

type stubPlugin struct{ name string }

func (s *stubPlugin) Name() string        { return s.name }
func (s *stubPlugin) Version() string     { return "1.0" }
func (s *stubPlugin) Description() string { return "stub" }
func (s *stubPlugin) Capabilities() []string { return nil }
func (s *stubPlugin) Tools() map[string]plugin.Tool {
	return map[string]plugin.Tool{
		"t": {
			Name:        "t",
			Description: "d",
			Handler:     func(context.Context, map[string]any) (map[string]any, error) { return nil, nil },
			InputSchema: map[string]any{"type": "object"}, OutputSchema: map[string]any{"type": "object"},
		},
	}
}
func (s *stubPlugin) Validate() error { return nil }

func TestCache_SetThenGetReturnsSameValueUntilTTL(t *testing.T) {
	c := New(WithTTL(20 * time.Millisecond))
	m := plugin.Manifest{ID: "ocr", Name: "ocr"}
	c.Set("ocr", m)

	got, ok := c.Get("ocr")
	require.True(t, ok)
	assert.Equal(t, m, got)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("ocr")
	assert.False(t, ok)
}

func TestService_WritesThroughOnMiss(t *testing.T) {
	reg := registry.New()
	reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) { return &stubPlugin{name: "ocr"}, nil },
	})

	svc := NewService(reg, New())
	m, err := svc.Manifest("ocr")
	require.NoError(t, err)
	assert.Equal(t, "ocr", m.ID)

	cached, ok := svc.cache.Get("ocr")
	require.True(t, ok)
	assert.Equal(t, m, cached)
}

func TestService_UnknownPluginPropagatesNotFound(t *testing.T) {
	svc := NewService(registry.New(), New())
	_, err := svc.Manifest("missing")
	require.Error(t, err)
}

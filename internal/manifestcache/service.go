package manifestcache

import (
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/registry"
)

// Service resolves a plugin's Manifest through the Cache, rebuilding it
// from the Registry on a miss and writing the fresh value through.
type Service struct {
	registry *registry.Registry
	cache    *Cache
}

// NewService ties a Registry and a Cache together.
func NewService(reg *registry.Registry, cache *Cache) *Service {
	return &Service{registry: reg, cache: cache}
}

// Manifest returns the manifest for pluginID, using the cache when fresh.
func (s *Service) Manifest(pluginID string) (plugin.Manifest, error) {
	if m, ok := s.cache.Get(pluginID); ok {
		return m, nil
	}

	p, err := s.registry.Get(pluginID)
	if err != nil {
		return plugin.Manifest{}, err
	}

	m := plugin.BuildManifest(p)
	s.cache.Set(pluginID, m)
	return m, nil
}

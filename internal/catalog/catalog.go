// Package catalog caches the list of avatar models the backend offers.
package catalog

import (
	"context"
	"sync"

	"github.com/live2d-driver/facedriver/pkg/core"
)

// Source fetches the model list, e.g. *api.Client.
type Source interface {
	Models(ctx context.Context) ([]core.ModelDescriptor, error)
}

// Catalog is read-once: after the first non-empty list arrives, Load does
// not query the source again. Pushed lists (models_list telemetry) always
// replace the cache.
type Catalog struct {
	source Source

	mu     sync.RWMutex
	models []core.ModelDescriptor
}

func New(source Source) *Catalog {
	return &Catalog{source: source}
}

// Load returns the cached list, fetching it first if the cache is empty.
func (c *Catalog) Load(ctx context.Context) ([]core.ModelDescriptor, error) {
	if models := c.Models(); len(models) > 0 || c.source == nil {
		return models, nil
	}

	models, err := c.source.Models(ctx)
	if err != nil {
		return nil, err
	}
	c.Set(models)
	return c.Models(), nil
}

// Set replaces the cached list.
func (c *Catalog) Set(models []core.ModelDescriptor) {
	cp := append([]core.ModelDescriptor(nil), models...)
	c.mu.Lock()
	c.models = cp
	c.mu.Unlock()
}

// Models returns a copy of the cached list.
func (c *Catalog) Models() []core.ModelDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.ModelDescriptor(nil), c.models...)
}

func (c *Catalog) Contains(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.Name == name {
			return true
		}
	}
	return false
}

// Lookup returns the descriptor with the given name.
func (c *Catalog) Lookup(name string) (core.ModelDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.models {
		if m.Name == name {
			return m, true
		}
	}
	return core.ModelDescriptor{}, false
}

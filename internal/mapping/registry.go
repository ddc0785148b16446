package mapping

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrNotFound is returned when no configuration has the requested ID.
var ErrNotFound = errors.New("mapping configuration not found")

// Registry is a concurrency-safe store of configurations keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]*Configuration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]*Configuration)}
}

// Register validates and adds a configuration.
// Returns an error if a configuration with the same ID is already registered.
func (r *Registry) Register(c *Configuration) error {
	if err := c.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[c.ID]; exists {
		return fmt.Errorf("mapping already registered: %s", c.ID)
	}
	r.configs[c.ID] = c
	return nil
}

// LoadDir registers every *.yaml, *.yml and *.json file in dir.
// Files are loaded in name order; the first failure stops loading.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read mapping dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !isConfigFile(e.Name()) {
			continue
		}
		c, err := Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Register(c); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

// Get returns a configuration by ID.
func (r *Registry) Get(id string) (*Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// All returns every registered configuration sorted by ID.
func (r *Registry) All() []*Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Configuration, 0, len(r.configs))
	for _, c := range r.configs {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// Len returns the number of registered configurations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}

package tracker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sprintbot/sprintbot/internal/config"
)

// Factory builds a configured Tracker instance.
type Factory func(cfg *config.Config) (Tracker, error)

// Registry manages registered issue tracker plugins. Plugins register
// themselves at init time and the registry hands out instances by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// globalRegistry is the default registry used by Register and New.
var globalRegistry = &Registry{
	factories: make(map[string]Factory),
}

// Register adds a tracker factory to the global registry. Typically
// called from tracker plugin init() functions. The name should be
// lowercase (e.g. "jira").
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// Get retrieves a tracker factory from the global registry. Returns nil
// if no tracker with that name is registered.
func Get(name string) Factory {
	return globalRegistry.Get(name)
}

// List returns the names of all registered trackers.
func List() []string {
	return globalRegistry.List()
}

// New creates a configured instance of the named tracker.
func New(name string, cfg *config.Config) (Tracker, error) {
	return globalRegistry.New(name, cfg)
}

// Register adds a tracker factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves a tracker factory from this registry.
func (r *Registry) Get(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

// List returns the names of all registered trackers, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a configured instance of the named tracker.
func (r *Registry) New(name string, cfg *config.Config) (Tracker, error) {
	factory := r.Get(name)
	if factory == nil {
		available := r.List()
		return nil, fmt.Errorf("unknown tracker %q (available: %v)", name, available)
	}
	return factory(cfg)
}

// IsRegistered checks if a tracker with the given name is registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Clear removes all registered trackers. Used primarily for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

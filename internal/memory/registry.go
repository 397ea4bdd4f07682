package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
)

// AdapterFactory creates a new adapter instance from daemon config.
type AdapterFactory func(cfg *config.Config) (Adapter, error)

// AdapterInfo describes a registered memory source: identity, what it
// can do, which intent keywords pull it into a query, and how to build
// it. Priority breaks ranking ties (higher first); declaration order
// breaks priority ties.
type AdapterInfo struct {
	Name           string
	DisplayName    string
	Module         string
	Capabilities   []Capability
	IntentKeywords []string
	Priority       int
	Latency        LatencyClass
	Factory        AdapterFactory
}

// HasCapability reports whether the adapter supports the operation.
func (i AdapterInfo) HasCapability(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry manages registered memory source adapters.
// Source packages register themselves at init time; the daemon freezes
// the registry once startup registration is complete, after which new
// registrations are logged and dropped.
type Registry struct {
	mu        sync.RWMutex
	infos     map[string]AdapterInfo
	order     []string
	instances map[string]Adapter
	failed    map[string]error
	frozen    bool
}

// globalRegistry is the default registry used by the package-level
// Register, Get, and List functions.
var globalRegistry = NewRegistry()

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		infos:     make(map[string]AdapterInfo),
		instances: make(map[string]Adapter),
		failed:    make(map[string]error),
	}
}

// Register adds an adapter to the global registry.
// This is typically called from source package init() functions.
func Register(info AdapterInfo) {
	globalRegistry.Register(info)
}

// Get retrieves adapter metadata from the global registry.
func Get(name string) (AdapterInfo, bool) {
	return globalRegistry.Get(name)
}

// List returns all adapters in the global registry.
func List() []AdapterInfo {
	return globalRegistry.List()
}

// DefaultRegistry returns the process-wide registry that source
// packages register into.
func DefaultRegistry() *Registry {
	return globalRegistry
}

// Register adds an adapter to this registry. Re-registering a name
// before freeze replaces the earlier entry; after freeze the attempt
// is logged and ignored.
func (r *Registry) Register(info AdapterInfo) {
	log := logging.Component("memory")
	if info.Name == "" || info.Factory == nil || len(info.Capabilities) == 0 {
		log.Error().Str("adapter", info.Name).Msg("rejecting adapter registration with missing name, factory, or capabilities")
		return
	}
	if info.Latency == "" {
		info.Latency = LatencyFast
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		log.Warn().Str("adapter", info.Name).Msg("registry frozen, ignoring late adapter registration")
		return
	}
	if _, exists := r.infos[info.Name]; exists {
		log.Warn().Str("adapter", info.Name).Msg("replacing previously registered adapter")
	} else {
		r.order = append(r.order, info.Name)
	}
	r.infos[info.Name] = info
}

// Freeze marks startup registration as complete.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get retrieves adapter metadata by name.
func (r *Registry) Get(name string) (AdapterInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	return info, ok
}

// GetByModule finds the adapter registered for a module path.
func (r *Registry) GetByModule(module string) (AdapterInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if info := r.infos[name]; info.Module == module {
			return info, true
		}
	}
	return AdapterInfo{}, false
}

// List returns all registered adapters in declaration order.
func (r *Registry) List() []AdapterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]AdapterInfo, 0, len(r.order))
	for _, name := range r.order {
		infos = append(infos, r.infos[name])
	}
	return infos
}

// Names returns the registered adapter names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	names = append(names, r.order...)
	sort.Strings(names)
	return names
}

// ListByCapability returns adapters supporting the operation, in
// declaration order.
func (r *Registry) ListByCapability(c Capability) []AdapterInfo {
	infos := r.List()
	out := infos[:0]
	for _, info := range infos {
		if info.HasCapability(c) {
			out = append(out, info)
		}
	}
	return out
}

// Instance returns the memoized adapter instance, constructing it on
// first use. A factory that fails is not retried; the stored error is
// returned on every subsequent call.
func (r *Registry) Instance(name string, cfg *config.Config) (Adapter, error) {
	r.mu.RLock()
	if inst, ok := r.instances[name]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	if err, ok := r.failed[name]; ok {
		r.mu.RUnlock()
		return nil, err
	}
	info, ok := r.infos[name]
	r.mu.RUnlock()
	if !ok {
		available := r.Names()
		return nil, fmt.Errorf("unknown memory source %q (available: %v)", name, available)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[name]; ok {
		return inst, nil
	}
	if err, ok := r.failed[name]; ok {
		return nil, err
	}
	inst, err := info.Factory(cfg)
	if err != nil {
		err = fmt.Errorf("construct memory source %q: %w", name, err)
		r.failed[name] = err
		return nil, err
	}
	r.instances[name] = inst
	return inst, nil
}

// Clear removes all registered adapters and unfreezes the registry.
// Used primarily for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infos = make(map[string]AdapterInfo)
	r.order = nil
	r.instances = make(map[string]Adapter)
	r.failed = make(map[string]error)
	r.frozen = false
}

// sourceOverlay is one entry in a sources.d drop-in file. Drop-ins can
// disable a built-in source or adjust its routing priority without
// code changes.
type sourceOverlay struct {
	Disabled bool `toml:"disabled"`
	Priority *int `toml:"priority"`
}

type overlayFile struct {
	Source map[string]sourceOverlay `toml:"source"`
}

// ApplyOverlays reads *.toml drop-ins from dir and applies them to the
// registry. Must be called before Freeze. A missing directory is not
// an error; a malformed file is logged and skipped.
func (r *Registry) ApplyOverlays(dir string) error {
	log := logging.Component("memory")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read source overlay dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".toml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		var file overlayFile
		if _, err := toml.DecodeFile(path, &file); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping malformed source overlay")
			continue
		}
		for source, overlay := range file.Source {
			r.mu.Lock()
			info, ok := r.infos[source]
			if !ok {
				r.mu.Unlock()
				log.Warn().Str("file", path).Str("source", source).Msg("source overlay names an unregistered source")
				continue
			}
			if overlay.Disabled {
				delete(r.infos, source)
				for i, n := range r.order {
					if n == source {
						r.order = append(r.order[:i], r.order[i+1:]...)
						break
					}
				}
				r.mu.Unlock()
				log.Info().Str("source", source).Msg("source disabled by overlay")
				continue
			}
			if overlay.Priority != nil {
				info.Priority = *overlay.Priority
				r.infos[source] = info
			}
			r.mu.Unlock()
		}
	}
	return nil
}

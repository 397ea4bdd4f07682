package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
)

// routerHealthTTL is how long a source's health verdict is trusted
// before it is probed again.
const routerHealthTTL = 60 * time.Second

// healthProbeTimeout bounds a single health check. Adapters promise
// cheap checks; this is the backstop for ones that lie.
const healthProbeTimeout = 2 * time.Second

// RoutedSource is a source selected for a query: its metadata, the
// constructed instance, and the filter to pass through.
type RoutedSource struct {
	Info     AdapterInfo
	Instance Adapter
	Filter   SourceFilter
}

type healthEntry struct {
	healthy   bool
	checkedAt time.Time
}

// Router selects which sources answer a query. Selection starts from
// the caller's explicit sources or the classifier's suggestions, then
// drops sources that lack the capability, are slow when the caller did
// not opt in, fail health, or fail to construct.
type Router struct {
	registry   *Registry
	cfg        *config.Config
	classifier *Classifier

	mu     sync.Mutex
	health map[string]healthEntry

	ttl time.Duration
	now func() time.Time
	log zerolog.Logger
}

// NewRouter builds a router over the registry with a 60s health cache.
func NewRouter(reg *Registry, cfg *config.Config, classifier *Classifier) *Router {
	return &Router{
		registry:   reg,
		cfg:        cfg,
		classifier: classifier,
		health:     make(map[string]healthEntry),
		ttl:        routerHealthTTL,
		now:        time.Now,
		log:        logging.Component("router"),
	}
}

// Route classifies the query and resolves the sources that will serve
// it. Explicitly named sources skip intent suggestions and the
// fast/slow gate; naming a slow source is opting into it.
func (r *Router) Route(ctx context.Context, query string, explicit []SourceFilter, capability Capability, includeSlow bool) (IntentClassification, []RoutedSource) {
	intent := r.classifier.Classify(ctx, query)

	if len(explicit) > 0 {
		return intent, r.resolve(ctx, explicit, capability, true)
	}

	names := intent.SourcesSuggested
	if len(names) == 0 {
		names = r.classifier.queryCapableSources()
	}
	filters := make([]SourceFilter, 0, len(names))
	for _, name := range names {
		filters = append(filters, SourceFilter{Name: name})
	}
	return intent, r.resolve(ctx, filters, capability, includeSlow)
}

// resolve walks the candidate filters in order and keeps the usable
// ones, sorted by priority (stable, so candidate order breaks ties).
func (r *Router) resolve(ctx context.Context, filters []SourceFilter, capability Capability, includeSlow bool) []RoutedSource {
	routed := make([]RoutedSource, 0, len(filters))
	for _, filter := range filters {
		info, ok := r.registry.Get(filter.Name)
		if !ok {
			r.log.Warn().Str("source", filter.Name).Msg("requested source is not registered, skipping")
			continue
		}
		if !info.HasCapability(capability) {
			r.log.Debug().Str("source", info.Name).Str("capability", string(capability)).Msg("source lacks capability, skipping")
			continue
		}
		if info.Latency == LatencySlow && !includeSlow {
			r.log.Debug().Str("source", info.Name).Msg("slow source not requested, skipping")
			continue
		}
		inst, err := r.registry.Instance(info.Name, r.cfg)
		if err != nil {
			r.log.Warn().Err(err).Str("source", info.Name).Msg("source failed to construct, skipping")
			continue
		}
		if !r.healthyCached(ctx, info.Name, inst) {
			r.log.Debug().Str("source", info.Name).Msg("source unhealthy, skipping")
			continue
		}
		routed = append(routed, RoutedSource{Info: info, Instance: inst, Filter: filter})
	}

	sort.SliceStable(routed, func(i, j int) bool {
		return routed[i].Info.Priority > routed[j].Info.Priority
	})
	return routed
}

// healthyCached returns the source's health, probing at most once per
// TTL window.
func (r *Router) healthyCached(ctx context.Context, name string, inst Adapter) bool {
	r.mu.Lock()
	entry, ok := r.health[name]
	if ok && r.now().Sub(entry.checkedAt) < r.ttl {
		r.mu.Unlock()
		return entry.healthy
	}
	r.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	status := inst.HealthCheck(probeCtx)
	if !status.Healthy {
		r.log.Warn().Str("source", name).Str("error", status.Error).Msg("source failed health check")
	}

	r.mu.Lock()
	r.health[name] = healthEntry{healthy: status.Healthy, checkedAt: r.now()}
	r.mu.Unlock()
	return status.Healthy
}

// InvalidateHealth drops the cached verdict for one source, or all of
// them when name is empty.
func (r *Router) InvalidateHealth(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.health = make(map[string]healthEntry)
		return
	}
	delete(r.health, name)
}

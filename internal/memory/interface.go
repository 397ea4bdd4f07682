package memory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/telemetry"
)

// defaultSearchLimit is the per-source item cap for Search when the
// caller's filter does not set one.
const defaultSearchLimit = 10

// Memory is the façade over the whole recall pipeline. Query, Search,
// Store, and Learn report failures inside their results instead of
// returning errors, so callers never need an error path to keep going.
type Memory struct {
	cfg        *config.Config
	registry   *Registry
	classifier *Classifier
	router     *Router
	deadline   time.Duration

	sinkMu sync.Mutex
	sink   func(QueryEvent)

	log zerolog.Logger
}

// New wires the classifier, router, and merger over the registry.
func New(cfg *config.Config, reg *Registry) *Memory {
	memMetricsOnce.Do(initMemMetrics)
	classifier := NewClassifier(reg, cfg)
	deadline := cfg.QueryDeadline
	if deadline <= 0 {
		deadline = DefaultQueryDeadline
	}
	return &Memory{
		cfg:        cfg,
		registry:   reg,
		classifier: classifier,
		router:     NewRouter(reg, cfg, classifier),
		deadline:   deadline,
		log:        logging.Component("memory"),
	}
}

// Registry exposes the adapter registry, mainly for status reporting.
func (m *Memory) Registry() *Registry { return m.registry }

// Classifier exposes the intent classifier for learn corrections.
func (m *Memory) Classifier() *Classifier { return m.classifier }

// SetEventSink installs the query event callback. The sink is invoked
// synchronously on the query path and must be fast.
func (m *Memory) SetEventSink(fn func(QueryEvent)) {
	m.sinkMu.Lock()
	defer m.sinkMu.Unlock()
	m.sink = fn
}

func (m *Memory) emit(ev QueryEvent) {
	m.sinkMu.Lock()
	fn := m.sink
	m.sinkMu.Unlock()
	if fn != nil {
		ev.Timestamp = time.Now()
		fn(ev)
	}
}

// QueryOption tunes a single Query or Search call.
type QueryOption func(*queryOptions)

type queryOptions struct {
	sources     []SourceFilter
	includeSlow bool
	limit       int
	strategy    MergeStrategy
}

// WithSources restricts the call to explicitly named sources. Naming a
// slow source opts into it.
func WithSources(filters ...SourceFilter) QueryOption {
	return func(o *queryOptions) { o.sources = append(o.sources, filters...) }
}

// WithSourceNames is WithSources for bare names.
func WithSourceNames(names ...string) QueryOption {
	return func(o *queryOptions) {
		for _, name := range names {
			o.sources = append(o.sources, SourceFilter{Name: name})
		}
	}
}

// WithIncludeSlow lets routing pick slow sources without naming them.
func WithIncludeSlow() QueryOption {
	return func(o *queryOptions) { o.includeSlow = true }
}

// WithLimit caps merged items.
func WithLimit(n int) QueryOption {
	return func(o *queryOptions) { o.limit = n }
}

// WithStrategy overrides the merge ranking.
func WithStrategy(s MergeStrategy) QueryOption {
	return func(o *queryOptions) { o.strategy = s }
}

func buildOptions(opts []QueryOption) queryOptions {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o queryOptions) mergeOptions() MergeOptions {
	merged := DefaultMergeOptions()
	if o.limit > 0 {
		merged.MaxItems = o.limit
	}
	if o.strategy != "" {
		merged.Strategy = o.strategy
	}
	return merged
}

// Query answers a natural-language question from the relevant sources.
// It never returns an error: source failures land in the result's
// errors map, and a panic anywhere in the pipeline degrades to an
// empty result with an internal error entry.
func (m *Memory) Query(ctx context.Context, question string, opts ...QueryOption) QueryResult {
	return m.run(ctx, CapQuery, question, opts)
}

// Search does direct text lookup across sources, skipping intent-based
// relevance in the adapters. Each source is capped at 10 items unless
// the caller's filter says otherwise.
func (m *Memory) Search(ctx context.Context, query string, opts ...QueryOption) QueryResult {
	return m.run(ctx, CapSearch, query, opts)
}

func (m *Memory) run(ctx context.Context, op Capability, query string, opts []QueryOption) (result QueryResult) {
	options := buildOptions(opts)
	id := uuid.NewString()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().Interface("panic", rec).Str("stack", string(debug.Stack())).Msg("memory pipeline panicked")
			result = QueryResult{
				Query:  query,
				Errors: map[string]string{"query": fmt.Sprintf("internal error: %v", rec)},
			}
		}
	}()

	if op == CapSearch {
		for i := range options.sources {
			if options.sources[i].Limit <= 0 {
				options.sources[i].Limit = defaultSearchLimit
			}
		}
	}

	intent, routed := m.router.Route(ctx, query, options.sources, op, options.includeSlow)
	if op == CapSearch && len(options.sources) == 0 {
		for i := range routed {
			if routed[i].Filter.Limit <= 0 {
				routed[i].Filter.Limit = defaultSearchLimit
			}
		}
	}

	names := make([]string, 0, len(routed))
	for _, rs := range routed {
		names = append(names, rs.Info.Name)
	}
	m.emit(QueryEvent{ID: id, Phase: QueryEventStarted, Query: query, Intent: intent.Intent, Sources: names})

	if len(routed) == 0 {
		result = QueryResult{
			Query:  query,
			Intent: intent,
			Errors: map[string]string{"query": "no sources available"},
		}
		m.emit(QueryEvent{ID: id, Phase: QueryEventCompleted, Query: query, Intent: intent.Intent, Sources: names, LatencyMS: float64(time.Since(start).Milliseconds())})
		return result
	}

	outcomes := ExecuteParallel(ctx, routed, op, query, m.deadline)
	result = Merge(query, intent, outcomes, options.mergeOptions())

	wallMS := float64(time.Since(start).Milliseconds())
	if memMetrics.queries != nil {
		attrs := metric.WithAttributes(
			attribute.String("sbd.memory.intent", intent.Intent),
			attribute.String("sbd.memory.op", string(op)),
		)
		memMetrics.queries.Add(ctx, 1, attrs)
		memMetrics.duration.Record(ctx, wallMS, attrs)
		memMetrics.sourceErrors.Add(ctx, int64(len(result.Errors)))
	}
	m.emit(QueryEvent{ID: id, Phase: QueryEventCompleted, Query: query, Intent: intent.Intent, Sources: names, ResultCount: len(result.Items), LatencyMS: wallMS})
	m.log.Debug().Str("intent", intent.Intent).Int("sources", len(routed)).Int("items", len(result.Items)).Float64("ms", wallMS).Msg("memory query served")
	return result
}

// Store persists a value under a key in one source, defaulting to the
// durable yaml store. Failures are reported in the result.
func (m *Memory) Store(ctx context.Context, key string, value any, source string) AdapterResult {
	if source == "" {
		source = "yaml"
	}
	info, ok := m.registry.Get(source)
	if !ok {
		return AdapterResult{Source: source, Error: fmt.Sprintf("unknown memory source %q", source)}
	}
	if !info.HasCapability(CapStore) {
		return AdapterResult{Source: source, Error: fmt.Sprintf("source %q does not support store", source)}
	}
	inst, err := m.registry.Instance(source, m.cfg)
	if err != nil {
		return AdapterResult{Source: source, Error: err.Error()}
	}
	res, err := inst.Store(ctx, key, value, SourceFilter{Name: source})
	if err != nil {
		res.Source = source
		res.Error = err.Error()
	}
	if res.Source == "" {
		res.Source = source
	}
	return res
}

// Learn appends a structured learning entry to the durable store so
// future prompts can recall it. Returns whether the write succeeded.
func (m *Memory) Learn(ctx context.Context, learning, category string, extra map[string]any) bool {
	if category == "" {
		category = "general"
	}
	entry := map[string]any{
		"learning":   learning,
		"category":   category,
		"learned_at": time.Now().UTC().Format(time.RFC3339),
	}
	if len(extra) > 0 {
		entry["context"] = extra
	}
	res := m.Store(ctx, "learned/patterns", entry, "yaml")
	if res.Error != "" {
		m.log.Warn().Str("error", res.Error).Msg("failed to persist learning")
		return false
	}
	return true
}

// HealthCheck probes every registered source in parallel and reports
// per-source status. Construction failures count as unhealthy.
func (m *Memory) HealthCheck(ctx context.Context) map[string]HealthStatus {
	infos := m.registry.List()
	out := make(map[string]HealthStatus, len(infos))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, info := range infos {
		info := info
		g.Go(func() error {
			var status HealthStatus
			inst, err := m.registry.Instance(info.Name, m.cfg)
			if err != nil {
				status = HealthStatus{Healthy: false, Error: err.Error()}
			} else {
				probeCtx, cancel := context.WithTimeout(gctx, healthProbeTimeout)
				defer cancel()
				status = inst.HealthCheck(probeCtx)
			}
			mu.Lock()
			out[info.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// memMetrics holds lazily-initialized OTel instruments for the façade.
var memMetrics struct {
	queries      metric.Int64Counter
	duration     metric.Float64Histogram
	sourceErrors metric.Int64Counter
}

var memMetricsOnce sync.Once

func initMemMetrics() {
	meter := telemetry.Meter("github.com/sprintbot/sprintbot/internal/memory")
	memMetrics.queries, _ = meter.Int64Counter("sbd.memory.queries",
		metric.WithDescription("Memory façade queries served"),
		metric.WithUnit("{query}"),
	)
	memMetrics.duration, _ = meter.Float64Histogram("sbd.memory.query.duration",
		metric.WithDescription("Memory query wall time in milliseconds"),
		metric.WithUnit("ms"),
	)
	memMetrics.sourceErrors, _ = meter.Int64Counter("sbd.memory.source.errors",
		metric.WithDescription("Per-source failures during memory queries"),
		metric.WithUnit("{error}"),
	)
}

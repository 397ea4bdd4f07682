package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sprintbot/sprintbot/internal/config"
)

// fakeAdapter is a scriptable in-memory source for tests.
type fakeAdapter struct {
	name      string
	items     []MemoryItem
	err       error
	healthy   bool
	healthErr string
	delay     time.Duration
	blocking  bool
	panics    bool

	queryCalls  atomic.Int32
	searchCalls atomic.Int32
	healthCalls atomic.Int32

	stored map[string]any
}

func newFakeAdapter(name string, items ...MemoryItem) *fakeAdapter {
	return &fakeAdapter{name: name, items: items, healthy: true, stored: make(map[string]any)}
}

func (f *fakeAdapter) respond(ctx context.Context) (AdapterResult, error) {
	if f.panics {
		panic("fake adapter exploded")
	}
	if f.delay > 0 {
		if f.blocking {
			// Ignores cancellation, like a stuck network call.
			time.Sleep(f.delay)
		} else {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return AdapterResult{Source: f.name}, ctx.Err()
			}
		}
	}
	if f.err != nil {
		return AdapterResult{Source: f.name}, f.err
	}
	return AdapterResult{Source: f.name, Items: f.items, LatencyMS: 1}, nil
}

func (f *fakeAdapter) Query(ctx context.Context, question string, filter SourceFilter) (AdapterResult, error) {
	f.queryCalls.Add(1)
	return f.respond(ctx)
}

func (f *fakeAdapter) Search(ctx context.Context, query string, filter SourceFilter) (AdapterResult, error) {
	f.searchCalls.Add(1)
	return f.respond(ctx)
}

func (f *fakeAdapter) Store(ctx context.Context, key string, value any, filter SourceFilter) (AdapterResult, error) {
	if f.err != nil {
		return AdapterResult{Source: f.name}, f.err
	}
	f.stored[key] = value
	return AdapterResult{Source: f.name, Items: []MemoryItem{{Source: f.name, Summary: "stored " + key}}}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) HealthStatus {
	f.healthCalls.Add(1)
	return HealthStatus{Healthy: f.healthy, Error: f.healthErr}
}

// registerFake adds a fake adapter to the registry with sane defaults.
func registerFake(reg *Registry, fake *fakeAdapter, opts ...func(*AdapterInfo)) {
	info := AdapterInfo{
		Name:         fake.name,
		DisplayName:  fake.name,
		Module:       "test/" + fake.name,
		Capabilities: []Capability{CapQuery, CapSearch, CapStore},
		Latency:      LatencyFast,
		Factory: func(cfg *config.Config) (Adapter, error) {
			return fake, nil
		},
	}
	for _, opt := range opts {
		opt(&info)
	}
	reg.Register(info)
}

func withPriority(p int) func(*AdapterInfo) {
	return func(info *AdapterInfo) { info.Priority = p }
}

func withLatency(l LatencyClass) func(*AdapterInfo) {
	return func(info *AdapterInfo) { info.Latency = l }
}

func withCapabilities(caps ...Capability) func(*AdapterInfo) {
	return func(info *AdapterInfo) { info.Capabilities = caps }
}

func withKeywords(kws ...string) func(*AdapterInfo) {
	return func(info *AdapterInfo) { info.IntentKeywords = kws }
}

func item(source, summary string, relevance float64) MemoryItem {
	return MemoryItem{Source: source, Type: "note", Summary: summary, Content: summary, Relevance: relevance}
}

// errFactory returns a registration whose construction always fails.
func errFactory(name string) AdapterInfo {
	return AdapterInfo{
		Name:         name,
		Capabilities: []Capability{CapQuery},
		Factory: func(cfg *config.Config) (Adapter, error) {
			return nil, fmt.Errorf("no backing service")
		},
	}
}

package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func routedFrom(fakes ...*fakeAdapter) []RoutedSource {
	routed := make([]RoutedSource, 0, len(fakes))
	for _, f := range fakes {
		routed = append(routed, RoutedSource{
			Info:     AdapterInfo{Name: f.name, Capabilities: []Capability{CapQuery, CapSearch}},
			Instance: f,
			Filter:   SourceFilter{Name: f.name},
		})
	}
	return routed
}

func TestExecuteParallel(t *testing.T) {
	t.Run("outcomes keep input order", func(t *testing.T) {
		a := newFakeAdapter("a", item("a", "from a", 0.5))
		b := newFakeAdapter("b", item("b", "from b", 0.5))
		b.delay = 20 * time.Millisecond
		c := newFakeAdapter("c", item("c", "from c", 0.5))

		outcomes := ExecuteParallel(context.Background(), routedFrom(a, b, c), CapQuery, "q", time.Second)
		if len(outcomes) != 3 {
			t.Fatalf("got %d outcomes, want 3", len(outcomes))
		}
		for i, want := range []string{"a", "b", "c"} {
			if outcomes[i].Name != want {
				t.Errorf("outcomes[%d].Name = %q, want %q", i, outcomes[i].Name, want)
			}
		}
		if outcomes[1].Err != nil {
			t.Errorf("delayed source errored: %v", outcomes[1].Err)
		}
	})

	t.Run("failed source does not fail the fan-out", func(t *testing.T) {
		good := newFakeAdapter("good", item("good", "hit", 0.9))
		bad := newFakeAdapter("bad")
		bad.err = errors.New("backend offline")

		outcomes := ExecuteParallel(context.Background(), routedFrom(good, bad), CapQuery, "q", time.Second)
		if outcomes[0].Err != nil {
			t.Errorf("good source errored: %v", outcomes[0].Err)
		}
		if outcomes[1].Err == nil {
			t.Error("bad source did not report its error")
		}
	})

	t.Run("deadline produces synthetic timeouts", func(t *testing.T) {
		fast := newFakeAdapter("fast", item("fast", "hit", 0.9))
		stuck := newFakeAdapter("stuck", item("stuck", "late", 0.9))
		stuck.delay = 2 * time.Second
		stuck.blocking = true

		start := time.Now()
		outcomes := ExecuteParallel(context.Background(), routedFrom(fast, stuck), CapQuery, "q", 50*time.Millisecond)
		elapsed := time.Since(start)

		if elapsed > time.Second {
			t.Errorf("fan-out took %v, should return at the deadline", elapsed)
		}
		if outcomes[0].Err != nil {
			t.Errorf("fast source errored: %v", outcomes[0].Err)
		}
		if outcomes[1].Err == nil {
			t.Fatal("stuck source did not time out")
		}
		if !strings.Contains(outcomes[1].Err.Error(), "timed out") {
			t.Errorf("timeout error = %q, want mention of timing out", outcomes[1].Err)
		}
	})

	t.Run("panicking source is contained", func(t *testing.T) {
		calm := newFakeAdapter("calm", item("calm", "hit", 0.5))
		bomb := newFakeAdapter("bomb")
		bomb.panics = true

		outcomes := ExecuteParallel(context.Background(), routedFrom(calm, bomb), CapQuery, "q", time.Second)
		if outcomes[0].Err != nil {
			t.Errorf("calm source errored: %v", outcomes[0].Err)
		}
		if outcomes[1].Err == nil || !strings.Contains(outcomes[1].Err.Error(), "panic") {
			t.Errorf("panic outcome = %v, want panic error", outcomes[1].Err)
		}
	})

	t.Run("search dispatches to Search", func(t *testing.T) {
		f := newFakeAdapter("f", item("f", "hit", 0.5))
		ExecuteParallel(context.Background(), routedFrom(f), CapSearch, "q", time.Second)
		if f.searchCalls.Load() != 1 || f.queryCalls.Load() != 0 {
			t.Errorf("search=%d query=%d, want search dispatch", f.searchCalls.Load(), f.queryCalls.Load())
		}
	})

	t.Run("empty fan-out", func(t *testing.T) {
		if got := ExecuteParallel(context.Background(), nil, CapQuery, "q", time.Second); got != nil {
			t.Errorf("ExecuteParallel(nil) = %v, want nil", got)
		}
	})
}

package vectorsource

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sprintbot/sprintbot/internal/memory"
)

func newTestSource(t *testing.T) *Source {
	t.Helper()
	src, err := New(filepath.Join(t.TempDir(), "index.db"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { src.Close() })
	return src
}

func mustStore(t *testing.T, src *Source, key string, value any) {
	t.Helper()
	if _, err := src.Store(context.Background(), key, value, memory.SourceFilter{}); err != nil {
		t.Fatalf("Store(%q): %v", key, err)
	}
}

func TestKeywordQuery(t *testing.T) {
	src := newTestSource(t)
	mustStore(t, src, "learned/retry", "the retry helper uses exponential backoff with jitter")
	mustStore(t, src, "notes/lunch", "the lunch menu rotates weekly")

	res, err := src.Query(context.Background(), "how does retry backoff jitter work", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(res.Items))
	}
	item := res.Items[0]
	if !strings.Contains(item.Content, "exponential backoff") {
		t.Errorf("unexpected content %q", item.Content)
	}
	if got := item.Metadata["key"]; got != "learned/retry" {
		t.Errorf("key metadata = %v, want learned/retry", got)
	}
	if item.Type != "document" {
		t.Errorf("type = %q, want document", item.Type)
	}
	if item.Timestamp == nil {
		t.Error("expected a timestamp from created_at")
	}
}

func TestKeywordRanking(t *testing.T) {
	src := newTestSource(t)
	mustStore(t, src, "docs/planning", "sprint planner assigns one issue at a time")
	mustStore(t, src, "docs/velocity", "sprint velocity is recalculated nightly")

	res, err := src.Query(context.Background(), "sprint planner", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(res.Items))
	}
	if got := res.Items[0].Metadata["key"]; got != "docs/planning" {
		t.Errorf("top item = %v, want docs/planning", got)
	}
	if res.Items[0].Relevance != 1.0 {
		t.Errorf("top relevance = %v, want 1.0", res.Items[0].Relevance)
	}
	if res.Items[1].Relevance != 0.5 {
		t.Errorf("second relevance = %v, want 0.5", res.Items[1].Relevance)
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	src := newTestSource(t)
	for i := 0; i < 6; i++ {
		mustStore(t, src, "docs/deploy", "deployment checklist step")
	}

	res, err := src.Query(context.Background(), "deployment checklist", memory.SourceFilter{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(res.Items))
	}
}

func TestSearch(t *testing.T) {
	src := newTestSource(t)
	mustStore(t, src, "docs/ipc", "the daemon listens on a unix socket")
	mustStore(t, src, "docs/other", "unrelated note")

	res, err := src.Search(context.Background(), "unix socket", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(res.Items))
	}
	if got := res.Items[0].Metadata["key"]; got != "docs/ipc" {
		t.Errorf("found %v, want docs/ipc", got)
	}
}

func TestStoreRendersStructuredValues(t *testing.T) {
	src := newTestSource(t)
	mustStore(t, src, "learned/patterns", map[string]string{
		"learning": "always run the linter before pushing",
		"category": "workflow",
	})

	res, err := src.Query(context.Background(), "linter before pushing", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(res.Items))
	}
	if !strings.Contains(res.Items[0].Content, "always run the linter") {
		t.Errorf("structured value not rendered: %q", res.Items[0].Content)
	}
}

// fakeEmbedServer answers the version probe and returns a fixed vector
// per known phrase so similarity ordering is deterministic.
func fakeEmbedServer(t *testing.T, vectors map[string][]float32, failEmbed bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if failEmbed {
			http.Error(w, "model not loaded", http.StatusInternalServerError)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for phrase, vec := range vectors {
			if strings.Contains(req.Prompt, phrase) {
				json.NewEncoder(w).Encode(embedResponse{Embedding: vec})
				return
			}
		}
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0, 0, 1}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSemanticQuery(t *testing.T) {
	srv := fakeEmbedServer(t, map[string][]float32{
		"connection pool": {1, 0, 0},
		"sprint report":   {0, 1, 0},
		"database":        {0.95, 0.05, 0},
	}, false)

	src, err := New(filepath.Join(t.TempDir(), "index.db"), newEmbedClient(srv.URL, "test-embed"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	mustStore(t, src, "docs/db", "tuning the connection pool for sqlite")
	mustStore(t, src, "docs/reports", "the weekly sprint report template")

	res, err := src.Query(context.Background(), "database performance", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	// The sprint report vector is orthogonal to the query and falls
	// under the similarity floor.
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(res.Items))
	}
	if got := res.Items[0].Metadata["key"]; got != "docs/db" {
		t.Errorf("top item = %v, want docs/db", got)
	}
	if res.Items[0].Relevance < 0.9 {
		t.Errorf("relevance = %v, want >= 0.9", res.Items[0].Relevance)
	}
}

func TestStoreDegradesWhenEmbeddingFails(t *testing.T) {
	srv := fakeEmbedServer(t, nil, true)

	src, err := New(filepath.Join(t.TempDir(), "index.db"), newEmbedClient(srv.URL, "test-embed"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer src.Close()

	// Store must not fail just because the embedding call did.
	mustStore(t, src, "docs/gamma", "gamma rollout plan for the scheduler")

	// The semantic path errors on the query embedding and the keyword
	// fallback still finds the chunk.
	res, err := src.Query(context.Background(), "gamma rollout", memory.SourceFilter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Items) != 1 {
		t.Fatalf("expected 1 item via keyword fallback, got %d", len(res.Items))
	}
}

func TestHealthCheck(t *testing.T) {
	src := newTestSource(t)
	mustStore(t, src, "a", "first")
	mustStore(t, src, "b", "second")

	status := src.HealthCheck(context.Background())
	if !status.Healthy {
		t.Fatalf("unexpected unhealthy status: %s", status.Error)
	}
	if got := status.Details["chunks"]; got != 2 {
		t.Errorf("chunks = %v, want 2", got)
	}
	if got := status.Details["semantic"]; got != false {
		t.Errorf("semantic = %v, want false", got)
	}

	src.Close()
	status = src.HealthCheck(context.Background())
	if status.Healthy {
		t.Error("expected unhealthy status after close")
	}
}

func TestVectorCodec(t *testing.T) {
	orig := []float32{0.25, -1.5, 3.75, 0}
	decoded := decodeVector(encodeVector(orig))
	if len(decoded) != len(orig) {
		t.Fatalf("decoded length = %d, want %d", len(decoded), len(orig))
	}
	for i := range orig {
		if decoded[i] != orig[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, decoded[i], orig[i])
		}
	}

	if got := decodeVector([]byte{1, 2, 3}); got != nil {
		t.Errorf("decodeVector on truncated blob = %v, want nil", got)
	}
	if got := decodeVector(nil); got != nil {
		t.Errorf("decodeVector(nil) = %v, want nil", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"mismatched length", []float32{1, 2}, []float32{1, 2, 3}, 0.0},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0.0},
		{"empty", nil, nil, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistered(t *testing.T) {
	info, ok := memory.Get(SourceName)
	if !ok {
		t.Fatal("vector source not registered")
	}
	if !info.HasCapability(memory.CapStore) {
		t.Error("expected store capability")
	}
	if info.Latency != memory.LatencyFast {
		t.Errorf("latency = %q, want fast", info.Latency)
	}
}

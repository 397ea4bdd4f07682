// Package vectorsource is the local semantic index: chunks of project
// knowledge in an embedded SQLite database, searched by embedding
// similarity when a local inference endpoint is available and by
// keyword matching when it is not.
package vectorsource

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	_ "modernc.org/sqlite"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/memory"
)

// SourceName is the registry name of this adapter.
const SourceName = "vector"

const (
	defaultLimit = 10
	// minSimilarity filters out semantic noise.
	minSimilarity = 0.2
)

func init() {
	memory.Register(memory.AdapterInfo{
		Name:           SourceName,
		DisplayName:    "Local semantic index",
		Module:         "memory/vectorsource",
		Capabilities:   []memory.Capability{memory.CapQuery, memory.CapSearch, memory.CapStore},
		IntentKeywords: []string{"code", "similar", "pattern", "example"},
		Priority:       5,
		Latency:        memory.LatencyFast,
		Factory: func(cfg *config.Config) (memory.Adapter, error) {
			var emb *embedClient
			if cfg.InferenceURL != "" {
				emb = newEmbedClient(cfg.InferenceURL, cfg.EmbedModel)
			}
			return New(cfg.VectorDBPath(), emb)
		},
	})
}

// Source stores and retrieves knowledge chunks from SQLite. Writes are
// serialized with a mutex; the embedded driver handles one writer at a
// time.
type Source struct {
	db       *sql.DB
	dbPath   string
	embedder *embedClient

	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens (and initializes) the index at path. A nil embedder makes
// the source purely keyword-based.
func New(path string, embedder *embedClient) (*Source, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	s := &Source{
		db:       db,
		dbPath:   path,
		embedder: embedder,
		log:      logging.Component("vectorsource"),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Source) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		summary TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_key ON memory_chunks(key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize index schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Source) Close() error {
	return s.db.Close()
}

// Query searches semantically when embeddings are available and falls
// back to keyword matching otherwise.
func (s *Source) Query(ctx context.Context, question string, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	var (
		items []memory.MemoryItem
		err   error
	)
	if s.embedder != nil && s.embedder.Available(ctx) {
		items, err = s.querySemantic(ctx, question, limit)
		if err != nil {
			s.log.Warn().Err(err).Msg("semantic query failed, falling back to keywords")
			items, err = s.queryKeyword(ctx, question, limit)
		}
	} else {
		items, err = s.queryKeyword(ctx, question, limit)
	}

	result := memory.AdapterResult{
		Source:    SourceName,
		Items:     items,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}
	return result, err
}

// Search is always keyword-based.
func (s *Source) Search(ctx context.Context, query string, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	items, err := s.queryKeyword(ctx, query, limit)
	return memory.AdapterResult{
		Source:    SourceName,
		Items:     items,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}, err
}

// Store indexes a new chunk. Embedding is best effort: a dead endpoint
// degrades the chunk to keyword-only instead of failing the write.
func (s *Source) Store(ctx context.Context, key string, value any, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	content, err := renderContent(value)
	if err != nil {
		return memory.AdapterResult{Source: SourceName}, err
	}
	summary := firstLine(content)

	var blob []byte
	if s.embedder != nil && s.embedder.Available(ctx) {
		if vec, err := s.embedder.Embed(ctx, content); err != nil {
			s.log.Warn().Err(err).Msg("embedding failed, storing keyword-only chunk")
		} else {
			blob = encodeVector(vec)
		}
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO memory_chunks (key, summary, content, embedding) VALUES (?, ?, ?, ?)",
		key, summary, content, blob)
	s.mu.Unlock()
	if err != nil {
		return memory.AdapterResult{Source: SourceName}, fmt.Errorf("index chunk: %w", err)
	}

	return memory.AdapterResult{
		Source: SourceName,
		Items: []memory.MemoryItem{{
			Source:  SourceName,
			Type:    "state",
			Summary: "indexed " + key,
		}},
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}, nil
}

// HealthCheck pings the database.
func (s *Source) HealthCheck(ctx context.Context) memory.HealthStatus {
	if err := s.db.PingContext(ctx); err != nil {
		return memory.HealthStatus{Healthy: false, Error: err.Error()}
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_chunks").Scan(&count); err != nil {
		return memory.HealthStatus{Healthy: false, Error: err.Error()}
	}
	details := map[string]any{"chunks": count, "path": s.dbPath}
	details["semantic"] = s.embedder != nil
	return memory.HealthStatus{Healthy: true, Details: details}
}

type chunk struct {
	key       string
	summary   string
	content   string
	embedding []float32
	createdAt time.Time
}

// querySemantic embeds the question and ranks chunks by cosine
// similarity.
func (s *Source) querySemantic(ctx context.Context, question string, limit int) ([]memory.MemoryItem, error) {
	queryVec, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, summary, content, embedding, created_at FROM memory_chunks WHERE embedding IS NOT NULL")
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("scan index: %w", err)
	}
	defer rows.Close()

	type scored struct {
		c   chunk
		sim float64
	}
	var candidates []scored
	for rows.Next() {
		var c chunk
		var blob []byte
		if err := rows.Scan(&c.key, &c.summary, &c.content, &blob, &c.createdAt); err != nil {
			continue
		}
		c.embedding = decodeVector(blob)
		sim := cosineSimilarity(queryVec, c.embedding)
		if sim < minSimilarity {
			continue
		}
		candidates = append(candidates, scored{c: c, sim: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	items := make([]memory.MemoryItem, 0, len(candidates))
	for _, cand := range candidates {
		items = append(items, chunkItem(cand.c, cand.sim))
	}
	return items, nil
}

// queryKeyword matches chunks containing any significant query term,
// scored by the fraction of terms present.
func (s *Source) queryKeyword(ctx context.Context, query string, limit int) ([]memory.MemoryItem, error) {
	terms := significantTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	conditions := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms)+1)
	for _, term := range terms {
		conditions = append(conditions, "LOWER(content) LIKE ?")
		args = append(args, "%"+term+"%")
	}
	// Over-fetch so term-fraction scoring has something to rank.
	args = append(args, limit*4)

	s.mu.RLock()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT key, summary, content, created_at FROM memory_chunks WHERE %s ORDER BY created_at DESC LIMIT ?",
		strings.Join(conditions, " OR ")), args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("keyword scan: %w", err)
	}
	defer rows.Close()

	type scored struct {
		c     chunk
		score float64
	}
	var candidates []scored
	for rows.Next() {
		var c chunk
		if err := rows.Scan(&c.key, &c.summary, &c.content, &c.createdAt); err != nil {
			continue
		}
		lower := strings.ToLower(c.content)
		matched := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				matched++
			}
		}
		candidates = append(candidates, scored{c: c, score: float64(matched) / float64(len(terms))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	items := make([]memory.MemoryItem, 0, len(candidates))
	for _, cand := range candidates {
		items = append(items, chunkItem(cand.c, cand.score))
	}
	return items, nil
}

func chunkItem(c chunk, relevance float64) memory.MemoryItem {
	if relevance > 1 {
		relevance = 1
	}
	if relevance < 0 {
		relevance = 0
	}
	ts := c.createdAt
	return memory.MemoryItem{
		Source:    SourceName,
		Type:      "document",
		Relevance: relevance,
		Summary:   c.summary,
		Content:   c.content,
		Metadata:  map[string]any{"key": c.key},
		Timestamp: &ts,
	}
}

func renderContent(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode chunk content: %w", err)
		}
		return string(data), nil
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func significantTerms(query string) []string {
	var terms []string
	for _, term := range strings.Fields(strings.ToLower(query)) {
		term = strings.Trim(term, "?!.,:;\"'`()")
		if len(term) >= 3 {
			terms = append(terms, term)
		}
	}
	return terms
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

// cosineSimilarity is zero for mismatched or empty vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

package vectorsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	embedHealthTTL   = 30 * time.Second
	defaultEmbedding = "nomic-embed-text"
)

// embedClient talks to a local Ollama-compatible endpoint for text
// embeddings. Availability is cached so a dead endpoint costs one
// probe per TTL, not one per chunk.
type embedClient struct {
	baseURL string
	model   string
	client  *http.Client

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

func newEmbedClient(baseURL, model string) *embedClient {
	if model == "" {
		model = defaultEmbedding
	}
	return &embedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Available reports whether the endpoint answered a version probe
// within the cache window.
func (e *embedClient) Available(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.checkedAt) < embedHealthTTL {
		return e.healthy
	}
	e.checkedAt = time.Now()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, e.baseURL+"/api/version", nil)
	if err != nil {
		e.healthy = false
		return false
	}
	resp, err := e.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	e.healthy = err == nil && resp.StatusCode == http.StatusOK
	return e.healthy
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the embedding vector for text.
func (e *embedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("endpoint returned empty embedding")
	}
	return out.Embedding, nil
}

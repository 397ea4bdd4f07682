package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"
)

// ollamaHealthTTL caps how often the local inference endpoint is
// probed. Within the window the cached verdict is reused.
const ollamaHealthTTL = 30 * time.Second

var classifyPromptTemplate = template.Must(template.New("classify").Parse(`You label queries against a developer's project memory.

Pick exactly one intent for the query from this list:
{{- range .Intents}}
- {{.}}
{{- end}}

Respond with only a JSON object, no prose:
{"intent": "<one intent from the list>", "confidence": <number between 0 and 1>, "sources": []}

Query: {{.Query}}`))

type classifyPromptData struct {
	Intents []string
	Query   string
}

func renderClassifyPrompt(query string) (string, error) {
	var buf bytes.Buffer
	err := classifyPromptTemplate.Execute(&buf, classifyPromptData{
		Intents: knownIntents,
		Query:   query,
	})
	if err != nil {
		return "", fmt.Errorf("render classify prompt: %w", err)
	}
	return buf.String(), nil
}

// modelClassification is the JSON shape both model backends are asked
// to produce.
type modelClassification struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

// ollamaBackend classifies intents with a local inference endpoint
// speaking the Ollama generate API.
type ollamaBackend struct {
	baseURL string
	model   string
	client  *http.Client

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

func newOllamaBackend(baseURL, model string) *ollamaBackend {
	return &ollamaBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *ollamaBackend) Name() string { return "ollama" }

// Available probes the endpoint version route, caching the verdict for
// ollamaHealthTTL so repeated classifications don't hammer a dead box.
func (o *ollamaBackend) Available(ctx context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.checkedAt.IsZero() && time.Since(o.checkedAt) < ollamaHealthTTL {
		return o.healthy
	}

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, o.baseURL+"/api/version", nil)
	if err != nil {
		o.checkedAt = time.Now()
		o.healthy = false
		return false
	}
	resp, err := o.client.Do(req)
	if err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	o.checkedAt = time.Now()
	o.healthy = err == nil && resp.StatusCode == http.StatusOK
	return o.healthy
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Format  string         `json:"format,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (o *ollamaBackend) Classify(ctx context.Context, query string) (IntentClassification, error) {
	prompt, err := renderClassifyPrompt(query)
	if err != nil {
		return IntentClassification{}, err
	}

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Format:  "json",
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return IntentClassification{}, fmt.Errorf("encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return IntentClassification{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return IntentClassification{}, fmt.Errorf("call inference endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return IntentClassification{}, fmt.Errorf("inference endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var gen ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return IntentClassification{}, fmt.Errorf("decode generate response: %w", err)
	}

	var mc modelClassification
	if err := json.Unmarshal([]byte(stripCodeFence(gen.Response)), &mc); err != nil {
		return IntentClassification{}, fmt.Errorf("model returned non-JSON classification: %w", err)
	}
	return IntentClassification{
		Intent:           mc.Intent,
		Confidence:       mc.Confidence,
		SourcesSuggested: mc.Sources,
	}, nil
}

// stripCodeFence unwraps a ```json fenced block if the model added one.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

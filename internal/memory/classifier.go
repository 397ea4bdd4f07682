package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
)

// modelConfidenceFloor is the minimum confidence at which a model
// backend's answer is trusted over the keyword table.
const modelConfidenceFloor = 0.7

// modelBackend is an optional model-assisted intent classifier. The
// keyword table is always available as the fallback.
type modelBackend interface {
	Name() string
	Available(ctx context.Context) bool
	Classify(ctx context.Context, query string) (IntentClassification, error)
}

// Classifier turns a free-form query into an intent plus suggested
// sources. Model backends are tried in order; a low-confidence or
// failed model answer falls through to keyword matching, so
// classification always succeeds.
type Classifier struct {
	registry *Registry
	backends []modelBackend
	patterns []IntentPattern

	trainMu      sync.Mutex
	trainingPath string

	log zerolog.Logger
}

// NewClassifier builds a classifier over the registry. A configured
// local inference URL adds the Ollama backend; an Anthropic API key in
// the environment adds the Claude backend.
func NewClassifier(reg *Registry, cfg *config.Config) *Classifier {
	c := &Classifier{
		registry:     reg,
		patterns:     defaultIntentPatterns,
		trainingPath: cfg.TrainingPath(),
		log:          logging.Component("classifier"),
	}
	if cfg.InferenceURL != "" {
		c.backends = append(c.backends, newOllamaBackend(cfg.InferenceURL, cfg.InferenceModel))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.backends = append(c.backends, newAnthropicBackend(key, cfg.AnthropicModel))
	}
	return c
}

// Classify determines the intent of a query. It never fails: model
// backends that are down, erroring, or unsure are skipped and the
// keyword table decides.
func (c *Classifier) Classify(ctx context.Context, query string) IntentClassification {
	for _, backend := range c.backends {
		if !backend.Available(ctx) {
			continue
		}
		cls, err := backend.Classify(ctx, query)
		if err != nil {
			c.log.Debug().Err(err).Str("backend", backend.Name()).Msg("model classification failed, trying next")
			continue
		}
		cls = c.normalize(cls, query)
		if cls.Confidence >= modelConfidenceFloor {
			c.log.Debug().Str("backend", backend.Name()).Str("intent", cls.Intent).Float64("confidence", cls.Confidence).Msg("model classified query")
			return cls
		}
		c.log.Debug().Str("backend", backend.Name()).Float64("confidence", cls.Confidence).Msg("model confidence below floor, falling back to keywords")
	}
	return c.classifyKeyword(query)
}

// classifyKeyword scores the query against the pattern table. Each
// pattern contributes its weight at most once; the highest-scoring
// intent wins, with ties broken by vocabulary order. Confidence grows
// with the score and saturates at 1.0.
func (c *Classifier) classifyKeyword(query string) IntentClassification {
	scores := make(map[string]float64)
	suggested := make(map[string][]string)
	for _, p := range c.patterns {
		for _, re := range p.Patterns {
			if re.MatchString(query) {
				scores[p.Intent] += p.Weight
				suggested[p.Intent] = appendUnique(suggested[p.Intent], p.Sources...)
				break
			}
		}
	}

	best := ""
	bestScore := 0.0
	for _, intent := range knownIntents {
		if score, ok := scores[intent]; ok && score > bestScore {
			best = intent
			bestScore = score
		}
	}
	if best == "" {
		return c.defaultClassification()
	}

	sources := c.filterRegistered(suggested[best])
	sources = appendUnique(sources, c.keywordSuggestions(query)...)
	if len(sources) == 0 {
		sources = c.queryCapableSources()
	}
	return IntentClassification{
		Intent:           best,
		Confidence:       math.Min(0.5+bestScore*0.15, 1.0),
		SourcesSuggested: sources,
	}
}

// keywordSuggestions returns adapters whose registered intent keywords
// appear in the query, in declaration order.
func (c *Classifier) keywordSuggestions(query string) []string {
	lower := strings.ToLower(query)
	var out []string
	for _, info := range c.registry.List() {
		for _, kw := range info.IntentKeywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				out = append(out, info.Name)
				break
			}
		}
	}
	return out
}

// normalize clamps a model answer to the vocabulary and to registered
// sources so a hallucinated intent or source never reaches the router.
func (c *Classifier) normalize(cls IntentClassification, query string) IntentClassification {
	cls.Intent = strings.ToLower(strings.TrimSpace(cls.Intent))
	if !IsKnownIntent(cls.Intent) {
		cls.Intent = IntentGeneral
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	cls.SourcesSuggested = c.filterRegistered(cls.SourcesSuggested)
	cls.SourcesSuggested = appendUnique(cls.SourcesSuggested, c.keywordSuggestions(query)...)
	if len(cls.SourcesSuggested) == 0 {
		cls.SourcesSuggested = c.queryCapableSources()
	}
	return cls
}

func (c *Classifier) defaultClassification() IntentClassification {
	return IntentClassification{
		Intent:           IntentGeneral,
		Confidence:       0.5,
		SourcesSuggested: c.queryCapableSources(),
	}
}

// queryCapableSources lists every query-capable adapter, fast ones
// first, preserving declaration order within each class.
func (c *Classifier) queryCapableSources() []string {
	var fast, slow []string
	for _, info := range c.registry.ListByCapability(CapQuery) {
		if info.Latency == LatencySlow {
			slow = append(slow, info.Name)
		} else {
			fast = append(fast, info.Name)
		}
	}
	return append(fast, slow...)
}

func (c *Classifier) filterRegistered(names []string) []string {
	var out []string
	for _, name := range names {
		if _, ok := c.registry.Get(name); ok {
			out = appendUnique(out, name)
		}
	}
	return out
}

// trainingExample is one line of the correction log. The log is plain
// JSONL so it can be replayed into a fine-tune or audited by hand.
type trainingExample struct {
	Query     string   `json:"query"`
	Intent    string   `json:"intent"`
	Sources   []string `json:"sources,omitempty"`
	LearnedAt string   `json:"learned_at"`
}

// Learn records a corrected classification for later training.
func (c *Classifier) Learn(query, intent string, sources []string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("empty query")
	}
	if !IsKnownIntent(intent) {
		return fmt.Errorf("unknown intent %q", intent)
	}
	line, err := json.Marshal(trainingExample{
		Query:     query,
		Intent:    intent,
		Sources:   sources,
		LearnedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode training example: %w", err)
	}

	c.trainMu.Lock()
	defer c.trainMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.trainingPath), 0o755); err != nil {
		return fmt.Errorf("create classifier dir: %w", err)
	}
	f, err := os.OpenFile(c.trainingPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open training log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append training example: %w", err)
	}
	return nil
}

// appendUnique appends items not already present, preserving order.
func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		seen := false
		for _, have := range dst {
			if have == item {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, item)
		}
	}
	return dst
}

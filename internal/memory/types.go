// Package memory aggregates project knowledge from pluggable sources
// behind a single query interface. Sources register themselves with the
// package registry; the router picks the relevant ones per query, the
// executor fans out to them in parallel, and the merger folds their
// results into one ranked, deduplicated answer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capability names an operation an adapter supports.
type Capability string

const (
	CapQuery  Capability = "query"
	CapSearch Capability = "search"
	CapStore  Capability = "store"
)

// LatencyClass buckets adapters by expected response time. Slow adapters
// are excluded from routing unless the caller opts in or names them
// explicitly.
type LatencyClass string

const (
	LatencyFast LatencyClass = "fast"
	LatencySlow LatencyClass = "slow"
)

// ErrReadOnly is returned by adapters that do not support store.
var ErrReadOnly = errors.New("store not supported: source is read-only")

// SourceFilter narrows a query to one source, optionally scoped to a
// project, namespace, or key within that source.
type SourceFilter struct {
	Name      string         `json:"name"`
	Project   string         `json:"project,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Key       string         `json:"key,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ParseSourceSpec normalizes the caller-facing source forms. A bare
// string names a source; a mapping carries a name plus scoping fields.
func ParseSourceSpec(spec any) (SourceFilter, error) {
	switch v := spec.(type) {
	case SourceFilter:
		if v.Name == "" {
			return SourceFilter{}, errors.New("source filter missing name")
		}
		return v, nil
	case *SourceFilter:
		if v == nil || v.Name == "" {
			return SourceFilter{}, errors.New("source filter missing name")
		}
		return *v, nil
	case string:
		if v == "" {
			return SourceFilter{}, errors.New("empty source name")
		}
		return SourceFilter{Name: v}, nil
	case map[string]any:
		f := SourceFilter{}
		for key, raw := range v {
			switch key {
			case "name":
				f.Name, _ = raw.(string)
			case "project":
				f.Project, _ = raw.(string)
			case "namespace":
				f.Namespace, _ = raw.(string)
			case "key":
				f.Key, _ = raw.(string)
			case "limit":
				switch n := raw.(type) {
				case int:
					f.Limit = n
				case float64:
					f.Limit = int(n)
				}
			default:
				if f.Extra == nil {
					f.Extra = map[string]any{}
				}
				f.Extra[key] = raw
			}
		}
		if f.Name == "" {
			return SourceFilter{}, errors.New("source filter missing name")
		}
		return f, nil
	default:
		return SourceFilter{}, fmt.Errorf("unsupported source spec type %T", spec)
	}
}

// MemoryItem is one unit of recalled knowledge, normalized across
// sources so results can be merged and ranked together.
type MemoryItem struct {
	Source    string         `json:"source"`
	Type      string         `json:"type"`
	Relevance float64        `json:"relevance"`
	Summary   string         `json:"summary"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// AdapterResult is what a single source returns for one operation.
type AdapterResult struct {
	Source    string       `json:"source"`
	Items     []MemoryItem `json:"items"`
	Error     string       `json:"error,omitempty"`
	LatencyMS float64      `json:"latencyMs"`
}

// Found reports whether the source produced any items.
func (r AdapterResult) Found() bool { return len(r.Items) > 0 }

// IntentClassification is the classifier's verdict for a query.
type IntentClassification struct {
	Intent           string   `json:"intent"`
	Confidence       float64  `json:"confidence"`
	SourcesSuggested []string `json:"sources_suggested"`
}

// QueryResult is the merged answer across all queried sources.
type QueryResult struct {
	Query          string               `json:"query"`
	Intent         IntentClassification `json:"intent"`
	SourcesQueried []string             `json:"sourcesQueried"`
	Items          []MemoryItem         `json:"items"`
	TotalCount     int                  `json:"totalCount"`
	LatencyMS      float64              `json:"latencyMs"`
	Errors         map[string]string    `json:"errors,omitempty"`
}

// HealthStatus reports whether a source is usable right now.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Adapter is the contract every memory source implements. Query answers
// a natural-language question, Search does direct text lookup, Store
// persists a value under a key. Read-only sources return ErrReadOnly
// from Store. HealthCheck must be cheap; the router caches its result.
type Adapter interface {
	Query(ctx context.Context, question string, filter SourceFilter) (AdapterResult, error)
	Search(ctx context.Context, query string, filter SourceFilter) (AdapterResult, error)
	Store(ctx context.Context, key string, value any, filter SourceFilter) (AdapterResult, error)
	HealthCheck(ctx context.Context) HealthStatus
}

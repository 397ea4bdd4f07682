// Package jirasource exposes the issue tracker as a slow, read-only
// memory source. Issue keys mentioned in a question are fetched
// directly; otherwise the question becomes a tracker text search.
package jirasource

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/memory"
	"github.com/sprintbot/sprintbot/internal/tracker/jira"
	"github.com/sprintbot/sprintbot/internal/types"
)

// SourceName is the registry name of this adapter.
const SourceName = "jira"

const (
	defaultLimit = 5
	// maxKeyFetches bounds direct issue lookups per query.
	maxKeyFetches = 3
)

var issueKeyRE = regexp.MustCompile(`\b[A-Z][A-Z0-9]+-\d+\b`)

func init() {
	memory.Register(memory.AdapterInfo{
		Name:           SourceName,
		DisplayName:    "Issue tracker",
		Module:         "memory/jirasource",
		Capabilities:   []memory.Capability{memory.CapQuery, memory.CapSearch},
		IntentKeywords: []string{"jira", "issue", "ticket", "sprint"},
		Priority:       3,
		Latency:        memory.LatencySlow,
		Factory: func(cfg *config.Config) (memory.Adapter, error) {
			return New(jira.NewTracker(cfg)), nil
		},
	})
}

// issueClient is the slice of the tracker this source needs.
type issueClient interface {
	FetchIssue(ctx context.Context, key string) (*types.SprintIssue, error)
	SearchIssues(ctx context.Context, text string, limit int) ([]types.SprintIssue, error)
	Description(ctx context.Context, key string) (string, error)
	Validate() error
}

// Source adapts the tracker to the memory contract.
type Source struct {
	client issueClient
	log    zerolog.Logger
}

// New wraps a tracker client as a memory source.
func New(client issueClient) *Source {
	return &Source{
		client: client,
		log:    logging.Component("jirasource"),
	}
}

// Query fetches issues named in the question, falling back to a text
// search when no keys are mentioned.
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
	if keys := extractKeys(question); len(keys) > 0 {
		items, err = s.fetchByKey(ctx, keys)
	} else {
		items, err = s.search(ctx, question, limit)
	}

	return memory.AdapterResult{
		Source:    SourceName,
		Items:     items,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}, err
}

// Search always runs a tracker text search.
func (s *Source) Search(ctx context.Context, query string, filter memory.SourceFilter) (memory.AdapterResult, error) {
	start := time.Now()
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	items, err := s.search(ctx, query, limit)
	return memory.AdapterResult{
		Source:    SourceName,
		Items:     items,
		LatencyMS: float64(time.Since(start).Milliseconds()),
	}, err
}

// Store is not supported; the tracker is written to by the executor,
// never through the memory layer.
func (s *Source) Store(ctx context.Context, key string, value any, filter memory.SourceFilter) (memory.AdapterResult, error) {
	return memory.AdapterResult{Source: SourceName}, memory.ErrReadOnly
}

// HealthCheck reports whether the tracker is configured. No network
// call: a reachability probe against a rate-limited API would cost more
// than it tells us.
func (s *Source) HealthCheck(ctx context.Context) memory.HealthStatus {
	if err := s.client.Validate(); err != nil {
		return memory.HealthStatus{Healthy: false, Error: err.Error()}
	}
	return memory.HealthStatus{Healthy: true, Details: map[string]any{"configured": true}}
}

func (s *Source) fetchByKey(ctx context.Context, keys []string) ([]memory.MemoryItem, error) {
	var items []memory.MemoryItem
	var firstErr error

	for _, key := range keys {
		issue, err := s.client.FetchIssue(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("fetch %s: %w", key, err)
			}
			continue
		}
		if issue == nil {
			s.log.Debug().Str("key", key).Msg("issue not found")
			continue
		}
		items = append(items, s.issueItem(ctx, issue, 0.9))
	}

	if len(items) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return items, nil
}

func (s *Source) search(ctx context.Context, text string, limit int) ([]memory.MemoryItem, error) {
	issues, err := s.client.SearchIssues(ctx, text, limit)
	if err != nil {
		return nil, fmt.Errorf("search tracker: %w", err)
	}

	items := make([]memory.MemoryItem, 0, len(issues))
	for i := range issues {
		items = append(items, s.issueItem(ctx, &issues[i], 0.6))
	}
	return items, nil
}

// issueItem renders one issue as a memory item. The description fetch
// is best effort; the summary line already carries the essentials.
func (s *Source) issueItem(ctx context.Context, issue *types.SprintIssue, relevance float64) memory.MemoryItem {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", issue.JiraStatus)
	if issue.Priority != "" {
		fmt.Fprintf(&b, "priority: %s\n", issue.Priority)
	}
	if issue.IssueType != "" {
		fmt.Fprintf(&b, "type: %s\n", issue.IssueType)
	}
	if issue.Assignee != "" {
		fmt.Fprintf(&b, "assignee: %s\n", issue.Assignee)
	}
	if desc, err := s.client.Description(ctx, issue.Key); err == nil && desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
	}

	return memory.MemoryItem{
		Source:    SourceName,
		Type:      "issue",
		Relevance: relevance,
		Summary:   fmt.Sprintf("%s: %s", issue.Key, issue.Summary),
		Content:   strings.TrimSpace(b.String()),
		Metadata:  map[string]any{"key": issue.Key, "status": issue.JiraStatus},
	}
}

// extractKeys pulls issue keys (e.g. AAP-42) out of a question, capped
// and deduplicated in first-mention order.
func extractKeys(question string) []string {
	matches := issueKeyRE.FindAllString(question, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var keys []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		keys = append(keys, m)
		if len(keys) == maxKeyFetches {
			break
		}
	}
	return keys
}

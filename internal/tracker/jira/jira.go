package jira

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/tracker"
	"github.com/sprintbot/sprintbot/internal/types"
)

func init() {
	tracker.Register("jira", func(cfg *config.Config) (tracker.Tracker, error) {
		return NewTracker(cfg), nil
	})
}

// JiraTracker implements the tracker.Tracker interface for Jira.
type JiraTracker struct {
	client      *Client
	project     string
	pointsField string
	log         zerolog.Logger

	mu      sync.Mutex
	boardID int // resolved lazily, cached for the process lifetime
}

// NewTracker builds a Jira tracker from the daemon configuration.
func NewTracker(cfg *config.Config) *JiraTracker {
	return &JiraTracker{
		client:      NewClient(cfg.TrackerBaseURL, cfg.TrackerUser, cfg.TrackerToken),
		project:     cfg.TrackerProject,
		pointsField: cfg.TrackerPointsField,
		log:         logging.Component("jira"),
	}
}

// Name returns the tracker identifier.
func (t *JiraTracker) Name() string {
	return "jira"
}

// DisplayName returns the human-readable tracker name.
func (t *JiraTracker) DisplayName() string {
	return "Jira"
}

// Validate checks that the tracker is properly configured.
func (t *JiraTracker) Validate() error {
	if t.client.URL == "" {
		return &tracker.ErrNotConfigured{Tracker: "jira", Missing: "base URL"}
	}
	if t.client.APIToken == "" {
		return &tracker.ErrNotConfigured{Tracker: "jira", Missing: "API token"}
	}
	if t.project == "" {
		return &tracker.ErrNotConfigured{Tracker: "jira", Missing: "project"}
	}
	return nil
}

// Close releases any resources.
func (t *JiraTracker) Close() error {
	return nil
}

// FetchActiveSprint returns the active sprint on the project's board.
func (t *JiraTracker) FetchActiveSprint(ctx context.Context) (*types.Sprint, error) {
	boardID, err := t.resolveBoard(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := t.client.ActiveSprint(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	return &types.Sprint{
		ID:        payload.ID,
		Name:      payload.Name,
		State:     payload.State,
		StartDate: payload.StartDate,
		EndDate:   payload.EndDate,
		Goal:      payload.Goal,
	}, nil
}

// FetchSprintIssues retrieves all issues in the given sprint.
func (t *JiraTracker) FetchSprintIssues(ctx context.Context, sprintID int) ([]types.SprintIssue, error) {
	issues, err := t.client.SprintIssues(ctx, sprintID, t.pointsField)
	if err != nil {
		return nil, err
	}

	result := make([]types.SprintIssue, len(issues))
	for i := range issues {
		result[i] = toSprintIssue(&issues[i], t.pointsField)
	}
	return result, nil
}

// FetchIssue retrieves a single issue by key. Returns nil, nil if the
// issue does not exist.
func (t *JiraTracker) FetchIssue(ctx context.Context, key string) (*types.SprintIssue, error) {
	issue, err := t.client.GetIssue(ctx, key, t.pointsField)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		return nil, nil
	}
	si := toSprintIssue(issue, t.pointsField)
	return &si, nil
}

// SearchIssues performs a free-text search scoped to the configured
// project.
func (t *JiraTracker) SearchIssues(ctx context.Context, text string, limit int) ([]types.SprintIssue, error) {
	escaped := strings.ReplaceAll(text, `"`, `\"`)
	jql := fmt.Sprintf(`project = %s AND text ~ "%s" ORDER BY updated DESC`, t.project, escaped)

	issues, err := t.client.SearchIssues(ctx, jql, t.pointsField, limit)
	if err != nil {
		return nil, err
	}

	result := make([]types.SprintIssue, len(issues))
	for i := range issues {
		result[i] = toSprintIssue(&issues[i], t.pointsField)
	}
	return result, nil
}

// TransitionIssue moves an issue to the named status by matching the
// target against the available workflow transitions.
func (t *JiraTracker) TransitionIssue(ctx context.Context, key, status string) error {
	transitions, err := t.client.Transitions(ctx, key)
	if err != nil {
		return err
	}

	want := strings.ToLower(status)
	for _, tr := range transitions {
		name := strings.ToLower(tr.Name)
		toName := ""
		if tr.To != nil {
			toName = strings.ToLower(tr.To.Name)
		}
		if name == want || toName == want {
			t.log.Debug().Str("issue", key).Str("status", status).Str("transition", tr.ID).
				Msg("transitioning issue")
			return t.client.DoTransition(ctx, key, tr.ID)
		}
	}

	available := make([]string, 0, len(transitions))
	for _, tr := range transitions {
		available = append(available, tr.Name)
	}
	return fmt.Errorf("no transition to %q available for %s (have: %v)", status, key, available)
}

// Description returns the plain-text description of an issue, for
// memory adapters that surface issue bodies.
func (t *JiraTracker) Description(ctx context.Context, key string) (string, error) {
	issue, err := t.client.GetIssue(ctx, key, "")
	if err != nil {
		return "", err
	}
	if issue == nil {
		return "", nil
	}
	return DescriptionToPlainText(issue.Fields.Description), nil
}

// resolveBoard finds the project's agile board once and caches the id.
func (t *JiraTracker) resolveBoard(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.boardID != 0 {
		return t.boardID, nil
	}

	board, err := t.client.FindBoard(ctx, t.project)
	if err != nil {
		return 0, err
	}
	t.log.Debug().Int("board", board.ID).Str("name", board.Name).Msg("resolved agile board")
	t.boardID = board.ID
	return t.boardID, nil
}

// Package tracker defines the issue tracker contract and the plugin
// registry behind it. Tracker integrations register themselves at init
// time; the sprint planner talks only to the Tracker interface.
package tracker

import (
	"context"

	"github.com/sprintbot/sprintbot/internal/types"
)

// Tracker is the plugin interface every issue tracker integration must
// implement. The planner uses it to pull sprint state and push status
// transitions.
type Tracker interface {
	// Name returns the lowercase identifier for this tracker (e.g. "jira").
	Name() string

	// DisplayName returns the human-readable name (e.g. "Jira").
	DisplayName() string

	// Validate checks that the tracker is configured well enough to make
	// API calls. Called once at startup.
	Validate() error

	// Close releases any resources held by the tracker.
	Close() error

	// FetchActiveSprint returns the currently active sprint for the
	// configured project. Returns nil, nil when no sprint is active.
	FetchActiveSprint(ctx context.Context) (*types.Sprint, error)

	// FetchSprintIssues retrieves all issues in the given sprint.
	FetchSprintIssues(ctx context.Context, sprintID int) ([]types.SprintIssue, error)

	// FetchIssue retrieves a single issue by key. Returns nil, nil if the
	// issue does not exist.
	FetchIssue(ctx context.Context, key string) (*types.SprintIssue, error)

	// SearchIssues performs a free-text search scoped to the configured
	// project.
	SearchIssues(ctx context.Context, text string, limit int) ([]types.SprintIssue, error)

	// TransitionIssue moves an issue to the named status (e.g.
	// "In Progress", "In Review", "Done").
	TransitionIssue(ctx context.Context, key, status string) error
}

// ErrNotConfigured is returned by Validate when mandatory settings are
// missing.
type ErrNotConfigured struct {
	Tracker string
	Missing string
}

func (e *ErrNotConfigured) Error() string {
	return "tracker " + e.Tracker + " not configured: missing " + e.Missing
}

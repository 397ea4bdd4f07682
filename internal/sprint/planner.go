package sprint

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/tracker"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/utils"
)

// currentWorkFile is the snapshot the yaml memory source reads.
const currentWorkFile = "current_work.yaml"

// Planner syncs tracker state into local sprint state, keeping the
// overlay fields only the daemon knows about across refreshes.
type Planner struct {
	cfg   *config.Config
	trk   tracker.Tracker
	store *Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewPlanner(cfg *config.Config, trk tracker.Tracker, store *Store) *Planner {
	return &Planner{
		cfg:   cfg,
		trk:   trk,
		store: store,
		log:   logging.Component("planner"),
		now:   time.Now,
	}
}

// RefreshFromTracker pulls the active sprint and its issues, filters to
// the configured assignee, prioritizes, merges with the local overlay,
// and persists. Returns the refreshed state.
func (p *Planner) RefreshFromTracker(ctx context.Context) (*types.SprintState, error) {
	sprint, err := p.trk.FetchActiveSprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch active sprint: %w", err)
	}
	if sprint == nil {
		p.log.Info().Msg("no active sprint")
		return p.store.Update(func(st *types.SprintState) error {
			st.CurrentSprint = nil
			st.Issues = []types.SprintIssue{}
			return nil
		})
	}

	fetched, err := p.trk.FetchSprintIssues(ctx, sprint.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch sprint issues: %w", err)
	}

	mine := p.filterAssignee(fetched)

	// Overlay first: the prioritizer's blocked/waiting penalties read
	// fields only the local records carry.
	st, err := p.store.Update(func(st *types.SprintState) error {
		st.CurrentSprint = sprint
		st.Issues = mergeOverlay(st.Issues, mine)
		Prioritize(st.Issues, p.cfg.Weights, p.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.WriteCurrentWork(st); err != nil {
		p.log.Warn().Err(err).Msg("current work snapshot not written")
	}

	p.log.Info().
		Str("sprint", sprint.Name).
		Int("fetched", len(fetched)).
		Int("mine", len(mine)).
		Msg("refreshed from tracker")
	return st, nil
}

// filterAssignee keeps issues assigned to the configured user, matching
// username or display name case-insensitively. With no user configured,
// everything passes.
func (p *Planner) filterAssignee(issues []types.SprintIssue) []types.SprintIssue {
	user := strings.ToLower(strings.TrimSpace(p.cfg.TrackerUser))
	display := strings.ToLower(strings.TrimSpace(p.cfg.TrackerDisplayName))
	if user == "" && display == "" {
		return issues
	}

	var mine []types.SprintIssue
	for _, issue := range issues {
		assignee := strings.ToLower(strings.TrimSpace(issue.Assignee))
		if assignee == "" {
			continue
		}
		if assignee == user || assignee == display {
			mine = append(mine, issue)
		}
	}
	return mine
}

// mergeOverlay carries approval status, waiting reason, chat id, and
// timeline from existing records onto freshly fetched issues.
func mergeOverlay(existing, fetched []types.SprintIssue) []types.SprintIssue {
	byKey := make(map[string]*types.SprintIssue, len(existing))
	for i := range existing {
		byKey[existing[i].Key] = &existing[i]
	}

	merged := make([]types.SprintIssue, 0, len(fetched))
	for _, issue := range fetched {
		if old, ok := byKey[issue.Key]; ok {
			issue.ApprovalStatus = old.ApprovalStatus
			issue.WaitingReason = old.WaitingReason
			issue.ChatID = old.ChatID
			issue.Timeline = old.Timeline
		} else {
			issue.ApprovalStatus = types.ApprovalPending
		}
		merged = append(merged, issue)
	}
	return merged
}

// IsActionable reports whether the issue's tracker status is in the
// configured actionable set.
func (p *Planner) IsActionable(issue *types.SprintIssue) bool {
	status := strings.ToLower(strings.TrimSpace(issue.JiraStatus))
	for _, s := range p.cfg.ActionableStatuses {
		if status == strings.ToLower(strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// BuildWorkPrompt renders the agent prompt for an issue. Deterministic
// given the issue and config: spikes get the research template,
// everything else the code-change template.
func (p *Planner) BuildWorkPrompt(issue *types.SprintIssue) (string, error) {
	name := "work"
	text := p.cfg.WorkPromptTmpl
	if types.ClassifyWorkflow(issue) == types.WorkflowSpike {
		name = "spike"
		text = p.cfg.SpikePromptTmpl
	}

	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s prompt template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, issue); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return buf.String(), nil
}

// CheckReviewIssues runs one review sweep under the state lock and
// persists whatever the sweep changed.
func (p *Planner) CheckReviewIssues(ctx context.Context, sweep func(context.Context, *types.SprintState)) (*types.SprintState, error) {
	return p.store.Update(func(st *types.SprintState) error {
		sweep(ctx, st)
		return nil
	})
}

type activeIssue struct {
	Key     string `yaml:"key"`
	Status  string `yaml:"status"`
	Branch  string `yaml:"branch,omitempty"`
	Summary string `yaml:"summary,omitempty"`
}

type currentWork struct {
	ActiveIssues []activeIssue `yaml:"active_issues"`
	Updated      time.Time     `yaml:"updated"`
}

// WriteCurrentWork snapshots in-flight issues to the document the yaml
// memory source serves for "what am I working on" queries.
func (p *Planner) WriteCurrentWork(st *types.SprintState) error {
	doc := currentWork{Updated: p.now().UTC()}
	for i := range st.Issues {
		issue := &st.Issues[i]
		if issue.ApprovalStatus != types.ApprovalInProgress && !strings.EqualFold(issue.JiraStatus, "in progress") {
			continue
		}
		doc.ActiveIssues = append(doc.ActiveIssues, activeIssue{
			Key:     issue.Key,
			Status:  issue.JiraStatus,
			Summary: issue.Summary,
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshal current work: %w", err)
	}
	path := filepath.Join(p.cfg.StateDir(), currentWorkFile)
	return utils.WriteFileAtomic(path, data, 0o644)
}

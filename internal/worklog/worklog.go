// Package worklog persists the per-issue record of work performed by
// background agents: what was attempted, what artifacts came out of it,
// and how to pick the work back up in an interactive session.
//
// One YAML file per issue under state/sprint_work/. The executor running
// an issue is the only writer for that issue's file.
package worklog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/utils"
)

// recentActionLimit caps how many trailing actions a continuation prompt
// replays. Older actions stay in the file but not in the prompt.
const recentActionLimit = 10

// Store reads and writes work logs under a single directory.
type Store struct {
	dir string
	log zerolog.Logger
	now func() time.Time
}

// NewStore returns a store rooted at dir (normally cfg.WorkDir()).
func NewStore(dir string) *Store {
	return &Store{
		dir: dir,
		log: logging.Component("worklog"),
		now: time.Now,
	}
}

// PathFor returns the file path backing an issue's work log.
func (s *Store) PathFor(issueKey string) string {
	return filepath.Join(s.dir, sanitizeKey(issueKey)+".yaml")
}

// Init creates and persists a fresh in-progress log for the issue,
// replacing any previous log for the same key.
func (s *Store) Init(issue *types.SprintIssue) (*types.WorkLog, error) {
	wl := &types.WorkLog{
		IssueKey:  issue.Key,
		Summary:   issue.Summary,
		IssueType: issue.IssueType,
		Assignee:  issue.Assignee,
		Started:   s.now().UTC(),
		Status:    types.WorkInProgress,
	}
	wl.LogAction(s.now().UTC(), "work_started", fmt.Sprintf("started work on %s", issue.Key), nil)
	if err := s.Save(issue.Key, wl); err != nil {
		return nil, err
	}
	s.log.Info().Str("issue", issue.Key).Msg("work log initialized")
	return wl, nil
}

// Load reads an issue's work log. Returns nil, nil when none exists.
func (s *Store) Load(issueKey string) (*types.WorkLog, error) {
	path := s.PathFor(issueKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := utils.ReadFileRetry(path, 3, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("read work log for %s: %w", issueKey, err)
	}

	var wl types.WorkLog
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse work log for %s: %w", issueKey, err)
	}
	return &wl, nil
}

// Save writes the log atomically.
func (s *Store) Save(issueKey string, wl *types.WorkLog) error {
	data, err := yaml.Marshal(wl)
	if err != nil {
		return fmt.Errorf("marshal work log for %s: %w", issueKey, err)
	}
	if err := utils.WriteFileAtomic(s.PathFor(issueKey), data, 0o644); err != nil {
		return fmt.Errorf("write work log for %s: %w", issueKey, err)
	}
	return nil
}

// LogAction appends one action to a persisted log and writes it back.
func (s *Store) LogAction(issueKey, actionType, details string, data map[string]any) error {
	wl, err := s.Load(issueKey)
	if err != nil {
		return err
	}
	if wl == nil {
		return fmt.Errorf("no work log for %s", issueKey)
	}
	wl.LogAction(s.now().UTC(), actionType, details, data)
	return s.Save(issueKey, wl)
}

// Finish stamps the terminal status and completion time, then persists.
func (s *Store) Finish(issueKey string, wl *types.WorkLog, status types.WorkLogStatus, details string) error {
	done := s.now().UTC()
	wl.Status = status
	wl.Completed = &done
	wl.LogAction(done, "work_finished", details, map[string]any{"status": string(status)})
	if status != types.WorkCompleted {
		wl.ContinuationPrompt = BuildContinuationPrompt(wl)
	}
	return s.Save(issueKey, wl)
}

// BuildContinuationPrompt renders a markdown context document that seeds
// an interactive session resuming partially-done work: issue identity,
// how the last session ended, the artifacts it produced, its trailing
// actions, and what to do next.
func BuildContinuationPrompt(wl *types.WorkLog) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Continuing work on %s\n\n", wl.IssueKey)
	fmt.Fprintf(&b, "## Issue\n\n")
	fmt.Fprintf(&b, "- Key: %s\n", wl.IssueKey)
	fmt.Fprintf(&b, "- Summary: %s\n", wl.Summary)
	if wl.IssueType != "" {
		fmt.Fprintf(&b, "- Type: %s\n", wl.IssueType)
	}
	if wl.Assignee != "" {
		fmt.Fprintf(&b, "- Assignee: %s\n", wl.Assignee)
	}
	fmt.Fprintf(&b, "- Previous session: %s (started %s", wl.Status, wl.Started.Format(time.RFC3339))
	if wl.Completed != nil {
		fmt.Fprintf(&b, ", ended %s", wl.Completed.Format(time.RFC3339))
	}
	b.WriteString(")\n\n")

	b.WriteString("## Artifacts so far\n\n")
	writeArtifactLine(&b, "Commits", wl.Outcome.Commits)
	writeArtifactLine(&b, "Merge requests", wl.Outcome.MergeRequests)
	writeArtifactLine(&b, "Branches created", wl.Outcome.BranchesCreated)
	writeArtifactLine(&b, "Files changed", wl.Outcome.FilesChanged)
	b.WriteString("\n")

	b.WriteString("## Recent actions\n\n")
	actions := wl.Actions
	if len(actions) > recentActionLimit {
		fmt.Fprintf(&b, "(showing last %d of %d)\n\n", recentActionLimit, len(actions))
		actions = actions[len(actions)-recentActionLimit:]
	}
	if len(actions) == 0 {
		b.WriteString("_No actions recorded._\n")
	}
	for _, a := range actions {
		fmt.Fprintf(&b, "- %s **%s**: %s\n", a.Timestamp.Format(time.RFC3339), a.Type, a.Details)
	}
	b.WriteString("\n")

	b.WriteString("## Suggested next steps\n\n")
	for i, step := range nextSteps(wl) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	b.WriteString("\n")

	b.WriteString("## Files to review\n\n")
	if len(wl.Outcome.FilesChanged) == 0 {
		b.WriteString("No files were recorded; run `git status` in the working tree.\n")
	}
	for _, f := range wl.Outcome.FilesChanged {
		fmt.Fprintf(&b, "- `%s`\n", f)
	}

	return b.String()
}

func writeArtifactLine(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		fmt.Fprintf(b, "- %s: none\n", label)
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, strings.Join(values, ", "))
}

func nextSteps(wl *types.WorkLog) []string {
	steps := []string{"Run `git status` and `git log --oneline -5` to see where the last session left the tree."}
	switch wl.Status {
	case types.WorkTimeout:
		steps = append(steps,
			"The last session hit its time limit; expect uncommitted or partially committed work.",
			"Continue from the last recorded action above.")
	case types.WorkBlocked:
		steps = append(steps,
			"The last session reported itself blocked; resolve the blocker named in the final action, then continue.")
	case types.WorkFailed:
		steps = append(steps,
			"The last session failed; inspect the error in the final action before retrying.")
	default:
		steps = append(steps, "Pick up from the last recorded action above.")
	}
	if len(wl.Outcome.MergeRequests) > 0 {
		steps = append(steps, fmt.Sprintf("Check the state of merge request %s before opening another.", wl.Outcome.MergeRequests[0]))
	}
	steps = append(steps, "Finish with a status marker so the daemon can track the outcome.")
	return steps
}

func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	return strings.ReplaceAll(key, "/", "_")
}

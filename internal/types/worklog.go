package types

import "time"

// WorkLogStatus reflects how a background work session ended (or that it
// is still running).
type WorkLogStatus string

const (
	WorkInProgress WorkLogStatus = "in_progress"
	WorkCompleted  WorkLogStatus = "completed"
	WorkBlocked    WorkLogStatus = "blocked"
	WorkFailed     WorkLogStatus = "failed"
	WorkTimeout    WorkLogStatus = "timeout"
)

// WorkLogAction is one append-only entry in an issue's work log.
type WorkLogAction struct {
	Timestamp time.Time      `yaml:"timestamp" json:"timestamp"`
	Type      string         `yaml:"type" json:"type"`
	Details   string         `yaml:"details" json:"details"`
	Data      map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// Outcome collects the concrete artifacts a work session produced.
type Outcome struct {
	Commits         []string `yaml:"commits" json:"commits"`
	MergeRequests   []string `yaml:"merge_requests" json:"mergeRequests"`
	FilesChanged    []string `yaml:"files_changed" json:"filesChanged"`
	BranchesCreated []string `yaml:"branches_created" json:"branchesCreated"`
}

// WorkLog is the durable per-issue record of what was actually done.
// Each issue exclusively owns its work log file.
type WorkLog struct {
	IssueKey           string          `yaml:"issue_key" json:"issueKey"`
	Summary            string          `yaml:"summary" json:"summary"`
	IssueType          string          `yaml:"issue_type,omitempty" json:"issueType,omitempty"`
	Assignee           string          `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	Started            time.Time       `yaml:"started" json:"started"`
	Completed          *time.Time      `yaml:"completed,omitempty" json:"completed,omitempty"`
	Status             WorkLogStatus   `yaml:"status" json:"status"`
	Actions            []WorkLogAction `yaml:"actions" json:"actions"`
	Outcome            Outcome         `yaml:"outcome" json:"outcome"`
	ContinuationPrompt string          `yaml:"continuation_prompt,omitempty" json:"continuationPrompt,omitempty"`
}

// LogAction appends one action entry stamped with the given time.
func (w *WorkLog) LogAction(now time.Time, actionType, details string, data map[string]any) {
	w.Actions = append(w.Actions, WorkLogAction{
		Timestamp: now,
		Type:      actionType,
		Details:   details,
		Data:      data,
	})
}

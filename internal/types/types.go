// Package types defines the shared data structures for the sprintbot daemon.
package types

import (
	"strings"
	"time"
)

// ApprovalStatus tracks where an issue sits in the local approval workflow.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalInProgress ApprovalStatus = "in_progress"
	ApprovalBlocked    ApprovalStatus = "blocked"
	ApprovalCompleted  ApprovalStatus = "completed"
)

// IsValid checks if the approval status value is valid.
func (s ApprovalStatus) IsValid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalInProgress, ApprovalBlocked, ApprovalCompleted:
		return true
	}
	return false
}

// Tracker priority names, highest first.
const (
	PriorityBlocker  = "blocker"
	PriorityCritical = "critical"
	PriorityMajor    = "major"
	PriorityMinor    = "minor"
	PriorityTrivial  = "trivial"
)

// WorkflowType shapes the state-machine path and the generated prompt.
type WorkflowType string

const (
	WorkflowCodeChange WorkflowType = "code_change"
	WorkflowSpike      WorkflowType = "spike"
)

// ExecutionMode selects how an approved issue is executed.
type ExecutionMode string

const (
	ModeForeground ExecutionMode = "foreground"
	ModeBackground ExecutionMode = "background"
)

// TimelineCapacity bounds each issue's timeline; oldest events are trimmed
// on write so the state file cannot grow without bound.
const TimelineCapacity = 50

// TimelineEvent records one externally visible thing that happened to an issue.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Action      string    `json:"action" yaml:"action"`
	Description string    `json:"description" yaml:"description"`
	ChatLink    string    `json:"chatLink,omitempty" yaml:"chat_link,omitempty"`
	JiraLink    string    `json:"jiraLink,omitempty" yaml:"jira_link,omitempty"`
}

// SprintIssue is one work item pulled from the tracker plus the local
// overlay fields the daemon maintains across refreshes.
type SprintIssue struct {
	Key               string          `json:"key"`
	Summary           string          `json:"summary"`
	StoryPoints       int             `json:"storyPoints"`
	Priority          string          `json:"priority"`
	JiraStatus        string          `json:"jiraStatus"`
	IssueType         string          `json:"issueType"`
	Assignee          string          `json:"assignee,omitempty"`
	ApprovalStatus    ApprovalStatus  `json:"approvalStatus"`
	WaitingReason     string          `json:"waitingReason,omitempty"`
	ChatID            string          `json:"chatId,omitempty"`
	Timeline          []TimelineEvent `json:"timeline,omitempty"`
	Created           string          `json:"created,omitempty"` // raw tracker timestamp; parsed where needed
	PriorityReasoning []string        `json:"priorityReasoning,omitempty"`
	PriorityScore     float64         `json:"priorityScore,omitempty"`
	PriorityRank      int             `json:"priorityRank,omitempty"`
}

// AddTimelineEvent appends an event and trims the timeline to capacity.
// Trimming happens here, on write, never lazily on read.
func (i *SprintIssue) AddTimelineEvent(now time.Time, action, description string) {
	i.addEvent(TimelineEvent{Timestamp: now, Action: action, Description: description})
}

// AddTimelineLink appends an event carrying chat and/or tracker links.
func (i *SprintIssue) AddTimelineLink(now time.Time, action, description, chatLink, jiraLink string) {
	i.addEvent(TimelineEvent{
		Timestamp:   now,
		Action:      action,
		Description: description,
		ChatLink:    chatLink,
		JiraLink:    jiraLink,
	})
}

func (i *SprintIssue) addEvent(ev TimelineEvent) {
	i.Timeline = append(i.Timeline, ev)
	if n := len(i.Timeline); n > TimelineCapacity {
		i.Timeline = append(i.Timeline[:0], i.Timeline[n-TimelineCapacity:]...)
	}
}

// Sprint holds active sprint metadata from the tracker.
type Sprint struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Goal      string `json:"goal,omitempty"`
}

// SprintState is the daemon's single durable document. It is owned
// exclusively by the daemon process and persisted atomically; everything
// else observes it through IPC snapshots or the last-persisted file.
type SprintState struct {
	CurrentSprint   *Sprint       `json:"currentSprint,omitempty"`
	NextSprint      *Sprint       `json:"nextSprint,omitempty"`
	Issues          []SprintIssue `json:"issues"`
	AutomaticMode   bool          `json:"automaticMode"`
	ManuallyStarted bool          `json:"manuallyStarted"`
	BackgroundTasks bool          `json:"backgroundTasks"`
	ProcessingIssue string        `json:"processingIssue,omitempty"`
	LastUpdated     time.Time     `json:"lastUpdated"`
}

// FindIssue returns a pointer into Issues for the given key, or nil.
func (s *SprintState) FindIssue(key string) *SprintIssue {
	for idx := range s.Issues {
		if s.Issues[idx].Key == key {
			return &s.Issues[idx]
		}
	}
	return nil
}

// CountByApproval tallies issues per approval status.
func (s *SprintState) CountByApproval() map[ApprovalStatus]int {
	counts := make(map[ApprovalStatus]int, 5)
	for idx := range s.Issues {
		counts[s.Issues[idx].ApprovalStatus]++
	}
	return counts
}

// ClassifyWorkflow decides whether an issue is a spike (research/
// investigation, no code expected) or a code change. Deterministic on the
// issue's type and summary.
func ClassifyWorkflow(issue *SprintIssue) WorkflowType {
	t := strings.ToLower(issue.IssueType)
	if t == "spike" || t == "research" {
		return WorkflowSpike
	}
	summary := strings.ToLower(issue.Summary)
	for _, marker := range []string{"spike", "investigate", "research", "evaluate"} {
		if strings.Contains(summary, marker) {
			return WorkflowSpike
		}
	}
	return WorkflowCodeChange
}

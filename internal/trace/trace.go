package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sprintbot/sprintbot/internal/types"
)

// StepStatus is the lifecycle of one traced step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepTrace records one unit of work inside a workflow run.
type StepTrace struct {
	StepID     int            `yaml:"step_id" json:"stepId"`
	Name       string         `yaml:"name" json:"name"`
	Status     StepStatus     `yaml:"status" json:"status"`
	StartedAt  time.Time      `yaml:"started_at" json:"startedAt"`
	DurationMS int64          `yaml:"duration_ms" json:"durationMs"`
	Inputs     map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs    map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Decision   string         `yaml:"decision,omitempty" json:"decision,omitempty"`
	Reason     string         `yaml:"reason,omitempty" json:"reason,omitempty"`
	Error      string         `yaml:"error,omitempty" json:"error,omitempty"`
	SkillName  string         `yaml:"skill_name,omitempty" json:"skillName,omitempty"`
	ToolName   string         `yaml:"tool_name,omitempty" json:"toolName,omitempty"`
	ChatID     string         `yaml:"chat_id,omitempty" json:"chatId,omitempty"`
}

// StateTransition records one edge taken through the state machine.
type StateTransition struct {
	From      State          `yaml:"from" json:"from"`
	To        State          `yaml:"to" json:"to"`
	Timestamp time.Time      `yaml:"timestamp" json:"timestamp"`
	Trigger   string         `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Data      map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

// ExecutionTrace is the durable per-issue trace document.
type ExecutionTrace struct {
	IssueKey      string              `yaml:"issue_key" json:"issueKey"`
	WorkflowType  types.WorkflowType  `yaml:"workflow_type" json:"workflowType"`
	ExecutionMode types.ExecutionMode `yaml:"execution_mode" json:"executionMode"`
	StartedAt     time.Time           `yaml:"started_at" json:"startedAt"`
	CompletedAt   *time.Time          `yaml:"completed_at,omitempty" json:"completedAt,omitempty"`
	CurrentState  State               `yaml:"current_state" json:"currentState"`
	Steps         []StepTrace         `yaml:"steps,omitempty" json:"steps,omitempty"`
	Transitions   []StateTransition   `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// IsComplete reports whether the trace reached a terminal state.
func (t *ExecutionTrace) IsComplete() bool {
	return IsTerminal(t.CurrentState)
}

// VisitedStates returns the set of states the run passed through,
// including the current one.
func (t *ExecutionTrace) VisitedStates() map[State]bool {
	visited := map[State]bool{t.CurrentState: true}
	for _, tr := range t.Transitions {
		visited[tr.From] = true
		visited[tr.To] = true
	}
	return visited
}

// PathFor returns the trace file path for an issue key.
func PathFor(dir, issueKey string) string {
	return filepath.Join(dir, sanitizeKey(issueKey)+".yaml")
}

// Load reads a persisted trace. Returns nil, nil when no trace exists.
func Load(dir, issueKey string) (*ExecutionTrace, error) {
	data, err := os.ReadFile(PathFor(dir, issueKey))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read trace for %s: %w", issueKey, err)
	}

	var tr ExecutionTrace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("parse trace for %s: %w", issueKey, err)
	}
	return &tr, nil
}

// Issue keys come from the tracker; path separators in one would
// scatter trace files, so they are flattened.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, string(filepath.Separator), "_")
	return strings.ReplaceAll(key, "/", "_")
}

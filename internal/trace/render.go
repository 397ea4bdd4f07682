package trace

import (
	"fmt"
	"strings"
	"time"
)

// RenderStateDiagram draws the workflow states with the taken path
// highlighted. Output is markdown; the CLI decides how to style it.
func RenderStateDiagram(t *ExecutionTrace) string {
	visited := t.VisitedStates()

	var b strings.Builder
	fmt.Fprintf(&b, "## Execution Path: %s\n\n", t.IssueKey)
	fmt.Fprintf(&b, "Workflow %s, %s mode.\n\n", t.WorkflowType, t.ExecutionMode)
	b.WriteString("```\n")
	for _, state := range AllStates {
		marker := " "
		switch {
		case state == t.CurrentState:
			marker = ">"
		case visited[state]:
			marker = "*"
		}
		fmt.Fprintf(&b, " %s %s\n", marker, state)
	}
	b.WriteString("```\n")

	if len(t.Transitions) > 0 {
		b.WriteString("\n### Transitions\n\n")
		for _, tr := range t.Transitions {
			line := fmt.Sprintf("- %s → %s", tr.From, tr.To)
			if tr.Trigger != "" {
				line += fmt.Sprintf(" _(%s)_", tr.Trigger)
			}
			if tr.Data["invalid"] == true {
				line += " **[invalid]**"
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

// RenderTimeline lists the steps of a run with durations and outcomes.
func RenderTimeline(t *ExecutionTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Timeline: %s\n\n", t.IssueKey)
	fmt.Fprintf(&b, "Started %s", t.StartedAt.Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(&b, ", finished %s", t.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, ". State: **%s**.\n\n", t.CurrentState)

	if len(t.Steps) == 0 {
		b.WriteString("_No steps recorded._\n")
		return b.String()
	}

	for _, step := range t.Steps {
		fmt.Fprintf(&b, "- **%s** %s (%dms)", step.Name, statusBadge(step.Status), step.DurationMS)
		if step.Decision != "" {
			fmt.Fprintf(&b, ", decided `%s`", step.Decision)
			if step.Reason != "" {
				fmt.Fprintf(&b, ": %s", step.Reason)
			}
		}
		if step.Error != "" {
			fmt.Fprintf(&b, ", error: %s", step.Error)
		}
		if step.ChatID != "" {
			fmt.Fprintf(&b, ", chat `%s`", step.ChatID)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func statusBadge(s StepStatus) string {
	switch s {
	case StepSuccess:
		return "ok"
	case StepFailed:
		return "failed"
	case StepSkipped:
		return "skipped"
	case StepRunning:
		return "running"
	default:
		return string(s)
	}
}

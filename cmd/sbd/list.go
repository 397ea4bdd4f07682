package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/ui"
)

type listIssue struct {
	types.SprintIssue
	IsActionable bool `json:"isActionable"`
}

type listPayload struct {
	Issues          []listIssue    `json:"issues"`
	Total           int            `json:"total"`
	Counts          map[string]int `json:"counts"`
	Sprint          *types.Sprint  `json:"sprint"`
	ProcessingIssue string         `json:"processingIssue"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sprint issues and their approval state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		cli, err := ipc.Dial(cfg.SocketPath)
		if err != nil {
			fatal("%v (is the daemon running?)", err)
		}
		defer cli.Close()

		req := map[string]any{}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			req["status"] = status
		}
		if cmd.Flags().Changed("actionable") {
			actionable, _ := cmd.Flags().GetBool("actionable")
			req["actionable"] = actionable
		}

		var payload listPayload
		if err := cli.Call(ipc.OpListIssues, req, &payload); err != nil {
			fatal("list_issues: %v", err)
		}
		fmt.Print(renderIssueTable(&payload))
	},
}

func init() {
	listCmd.Flags().String("status", "", "Filter by approval status (pending, approved, in_progress, blocked, completed)")
	listCmd.Flags().Bool("actionable", false, "Filter by actionability")
	rootCmd.AddCommand(listCmd)
}

func renderIssueTable(p *listPayload) string {
	var b strings.Builder

	if len(p.Issues) == 0 {
		b.WriteString(ui.RenderMuted("No matching issues.") + "\n")
		b.WriteString(listFooter(p))
		return b.String()
	}

	keyWidth := len("KEY")
	for _, issue := range p.Issues {
		if len(issue.Key) > keyWidth {
			keyWidth = len(issue.Key)
		}
	}

	fmt.Fprintf(&b, "%s  %-3s %-12s %-14s %-3s %s\n",
		ui.RenderMuted(pad("KEY", keyWidth)),
		ui.RenderMuted("PTS"), ui.RenderMuted("APPROVAL"), ui.RenderMuted("STATUS"),
		ui.RenderMuted("ACT"), ui.RenderMuted("SUMMARY"))

	for _, issue := range p.Issues {
		pts := "-"
		if issue.StoryPoints > 0 {
			pts = fmt.Sprintf("%d", issue.StoryPoints)
		}
		act := ui.RenderMuted(ui.IconSkip)
		if issue.IsActionable {
			act = ui.RenderPass(ui.IconPass)
		}
		key := pad(issue.Key, keyWidth)
		if issue.Key == p.ProcessingIssue {
			key = ui.RenderAccent(key)
		}
		fmt.Fprintf(&b, "%s  %-3s %s %-14s %s   %s\n",
			key, pts,
			approvalCell(issue.ApprovalStatus),
			truncate(issue.JiraStatus, 14),
			act,
			truncate(issue.Summary, 60))
		if issue.WaitingReason != "" {
			fmt.Fprintf(&b, "%s  %s\n", pad("", keyWidth),
				ui.RenderMuted("waiting: "+truncate(issue.WaitingReason, 70)))
		}
	}

	b.WriteString(listFooter(p))
	return b.String()
}

func listFooter(p *listPayload) string {
	var parts []string
	for _, status := range []string{"pending", "approved", "in_progress", "blocked", "completed"} {
		if n := p.Counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	line := fmt.Sprintf("%d shown", p.Total)
	if len(parts) > 0 {
		line += " · " + strings.Join(parts, ", ")
	}
	if p.Sprint != nil {
		line += " · " + p.Sprint.Name
	}
	return ui.RenderMuted(line) + "\n"
}

// approvalCell pads before styling; ANSI escapes would defeat %-*s.
func approvalCell(status types.ApprovalStatus) string {
	cell := pad(string(status), 12)
	switch status {
	case types.ApprovalApproved:
		return ui.RenderPass(cell)
	case types.ApprovalPending:
		return ui.RenderWarn(cell)
	case types.ApprovalBlocked:
		return ui.RenderFail(cell)
	case types.ApprovalInProgress:
		return ui.RenderAccent(cell)
	default:
		return ui.RenderMuted(cell)
	}
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/ui"
	"github.com/sprintbot/sprintbot/internal/worklog"
)

var worklogCmd = &cobra.Command{
	Use:   "worklog <issue-key>",
	Short: "Show the work log recorded for an issue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		key := args[0]
		wl, err := worklog.NewStore(cfg.WorkDir()).Load(key)
		if err != nil {
			fatal("%v", err)
		}
		if wl == nil {
			fmt.Fprintf(os.Stderr, "No work log for %s\n", key)
			os.Exit(1)
		}
		fmt.Print(ui.RenderMarkdown(renderWorkLog(wl)))
	},
}

func init() {
	rootCmd.AddCommand(worklogCmd)
}

func renderWorkLog(wl *types.WorkLog) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Work log: %s\n\n", wl.IssueKey)
	fmt.Fprintf(&b, "%s\n\n", wl.Summary)
	fmt.Fprintf(&b, "- Status: **%s**\n", wl.Status)
	fmt.Fprintf(&b, "- Started: %s\n", wl.Started.Local().Format(time.RFC1123))
	if wl.Completed != nil {
		fmt.Fprintf(&b, "- Ended: %s (after %s)\n",
			wl.Completed.Local().Format(time.RFC1123),
			wl.Completed.Sub(wl.Started).Round(time.Second))
	}
	if wl.Assignee != "" {
		fmt.Fprintf(&b, "- Assignee: %s\n", wl.Assignee)
	}
	b.WriteString("\n## Artifacts\n\n")
	writeArtifacts(&b, "Commits", wl.Outcome.Commits)
	writeArtifacts(&b, "Merge requests", wl.Outcome.MergeRequests)
	writeArtifacts(&b, "Branches", wl.Outcome.BranchesCreated)
	writeArtifacts(&b, "Files changed", wl.Outcome.FilesChanged)

	b.WriteString("\n## Actions\n\n")
	if len(wl.Actions) == 0 {
		b.WriteString("_None recorded._\n")
	}
	for _, a := range wl.Actions {
		fmt.Fprintf(&b, "- %s **%s** %s\n", a.Timestamp.Local().Format("15:04:05"), a.Type, a.Details)
	}

	if wl.ContinuationPrompt != "" {
		b.WriteString("\n---\n\nA continuation prompt is stored; approving this issue again resumes from it.\n")
	}
	return b.String()
}

func writeArtifacts(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n\n", label)
	for _, v := range values {
		fmt.Fprintf(b, "- %s\n", v)
	}
	b.WriteString("\n")
}

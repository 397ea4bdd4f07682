package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/trace"
	"github.com/sprintbot/sprintbot/internal/ui"
)

var traceCmd = &cobra.Command{
	Use:   "trace <issue-key>",
	Short: "Show the execution trace for an issue",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		key := args[0]
		tr, err := trace.Load(cfg.TracesDir(), key)
		if err != nil {
			fatal("%v", err)
		}
		if tr == nil {
			fmt.Fprintf(os.Stderr, "No trace recorded for %s\n", key)
			os.Exit(1)
		}
		if diagram, _ := cmd.Flags().GetBool("diagram"); diagram {
			fmt.Print(ui.RenderMarkdown(trace.RenderStateDiagram(tr)))
			return
		}
		fmt.Print(ui.RenderMarkdown(trace.RenderTimeline(tr)))
	},
}

func init() {
	traceCmd.Flags().Bool("diagram", false, "Render the state diagram instead of the timeline")
	rootCmd.AddCommand(traceCmd)
}

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/memory"
	"github.com/sprintbot/sprintbot/internal/ui"
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask the memory layer a question",
	Long: `Query classifies the question, fans it out to the relevant knowledge
sources, and prints the merged answer. Runs in-process; the daemon does
not need to be up.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}
		if err := cfg.Validate(); err != nil {
			fatal("%v", err)
		}

		// Source packages register themselves through the daemon import
		// in this binary; overlays may still rename or disable them.
		reg := memory.DefaultRegistry()
		if err := reg.ApplyOverlays(cfg.PluginDir()); err != nil {
			fatal("apply source overlays: %v", err)
		}
		reg.Freeze()

		var opts []memory.QueryOption
		if sources, _ := cmd.Flags().GetString("sources"); sources != "" {
			var names []string
			for _, name := range strings.Split(sources, ",") {
				if name = strings.TrimSpace(name); name != "" {
					names = append(names, name)
				}
			}
			opts = append(opts, memory.WithSourceNames(names...))
		}
		if slow, _ := cmd.Flags().GetBool("include-slow"); slow {
			opts = append(opts, memory.WithIncludeSlow())
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			opts = append(opts, memory.WithLimit(limit))
		}

		m := memory.New(cfg, reg)
		result := m.Query(cmd.Context(), strings.Join(args, " "), opts...)

		if compact, _ := cmd.Flags().GetBool("compact"); compact {
			fmt.Print(memory.FormatCompact(result))
			return
		}
		fmt.Print(ui.RenderMarkdown(memory.Format(result)))
	},
}

func init() {
	queryCmd.Flags().String("sources", "", "Comma-separated source names to query (naming a slow source opts into it)")
	queryCmd.Flags().Bool("include-slow", false, "Let routing pick slow sources")
	queryCmd.Flags().Bool("compact", false, "One-line-per-item output for scripts and agents")
	queryCmd.Flags().Int("limit", 0, "Cap the number of merged items")
	rootCmd.AddCommand(queryCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/logging"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.9.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
)

var (
	verboseFlag bool
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "sbd",
	Short: "sbd - sprint automation daemon",
	Long: `Sprintbot watches your active sprint, asks for approval, and works
approved issues with a coding agent: foreground issues open as editor
chats, background issues run unattended and report back to the tracker.

Running sbd with no subcommand starts the daemon, like 'sbd run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("sbd version %s (%s)\n", Version, Build)
			return nil
		}
		return runDaemon(cmd)
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := ""
		switch {
		case verboseFlag:
			level = "debug"
		case quietFlag:
			level = "error"
		}
		// Console-only here; 'sbd run' re-inits with the rotating file
		// writer once the home dir is known.
		logging.Init(logging.Options{Level: level})
	},
}

func init() {
	rootCmd.Flags().Bool("version", false, "Print version and exit")
	rootCmd.Flags().Bool("foreground", false, "Run attached to the terminal instead of daemonizing")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-error output")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/lockfile"
	"github.com/sprintbot/sprintbot/internal/ui"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Long: `Ask the daemon to shut down over the control socket. Falls back to
a termination signal via the pid file when the socket is gone.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}

		if cli, err := ipc.TryConnect(cfg.SocketPath); err == nil && cli != nil {
			_, execErr := cli.Execute(ipc.OpShutdown, nil)
			_ = cli.Close()
			if execErr == nil {
				if waitForExit(cfg, 10*time.Second) {
					fmt.Printf("%s Daemon stopped\n", ui.RenderPass(ui.IconPass))
					return
				}
				fmt.Fprintf(os.Stderr, "%s Daemon acknowledged shutdown but is still up; falling back to signal\n",
					ui.RenderWarn(ui.IconWarn))
			}
		}

		pid, err := lockPID(cfg)
		if err != nil || !lockfile.IsProcessRunning(pid) {
			fmt.Printf("%s Daemon is not running\n", ui.RenderMuted(ui.IconSkip))
			return
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			fatal("find process %d: %v", pid, err)
		}
		if err := sendStopSignal(proc); err != nil {
			fatal("signal process %d: %v", pid, err)
		}
		if waitForExit(cfg, 10*time.Second) {
			fmt.Printf("%s Daemon stopped (signaled PID %d)\n", ui.RenderPass(ui.IconPass), pid)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: daemon PID %d did not exit within 10s\n", pid)
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

// waitForExit polls until the daemon's process is gone (or, without a
// readable pid, until the socket stops answering).
func waitForExit(cfg *config.Config, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		pid, err := lockPID(cfg)
		if err != nil {
			// No pid left behind; check the socket.
			cli, dialErr := ipc.TryConnect(cfg.SocketPath)
			if dialErr != nil || cli == nil {
				return true
			}
			_ = cli.Close()
		} else if !lockfile.IsProcessRunning(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

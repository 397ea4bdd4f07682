package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/daemon"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/lockfile"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/telemetry"
	"github.com/sprintbot/sprintbot/internal/ui"
)

// foregroundEnv marks the re-exec'd child so it runs the loop instead of
// daemonizing again.
const foregroundEnv = "SPRINTBOT_FOREGROUND"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sprint automation daemon",
	Long: `Start the daemon: the scheduler loop, the control socket, tracker
refreshes, and review sweeps.

By default the daemon detaches and logs to $SPRINTBOT_HOME/logs/. Use
--foreground to stay attached (for systemd or debugging).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	runCmd.Flags().Bool("foreground", false, "Run attached to the terminal instead of daemonizing")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDaemon(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Hint: run 'sbd setup' to write %s\n", cfg.ConfigPath())
		os.Exit(1)
	}

	// Idempotent start: a live daemon on the socket is success.
	if cli, err := ipc.TryConnect(cfg.SocketPath); err == nil && cli != nil {
		defer cli.Close()
		if cli.Ping() == nil {
			pid, _ := lockPID(cfg)
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			return nil
		}
	}

	foreground, _ := cmd.Flags().GetBool("foreground")
	if !foreground && os.Getenv(foregroundEnv) != "1" {
		return spawnDaemon(cfg)
	}

	logging.Init(logging.Options{
		Level: logLevel(),
		Dir:   cfg.LogDir(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "sprintbot", Version); err != nil {
		log := logging.Component("main")
		log.Warn().Err(err).Msg("telemetry disabled")
	}
	defer telemetry.Shutdown(context.Background())

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// spawnDaemon re-execs sbd detached from the terminal, with stdout and
// stderr pointed at a launch log so early failures are not lost.
func spawnDaemon(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own binary: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return err
	}
	launchLog := filepath.Join(cfg.LogDir(), "launch.log")
	out, err := os.OpenFile(launchLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open launch log: %w", err)
	}
	defer out.Close()

	child := exec.Command(exe, "run", "--foreground")
	child.Env = append(os.Environ(), foregroundEnv+"=1")
	child.Stdout = out
	child.Stderr = out
	configureDaemonProcess(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	pid := child.Process.Pid
	// The child owns its lifecycle from here.
	_ = child.Process.Release()

	if waitForSocket(cfg.SocketPath, 5*time.Second) {
		fmt.Printf("%s Daemon started (PID %d)\n", ui.RenderPass(ui.IconPass), pid)
		fmt.Printf("  socket %s\n", ui.RenderMuted(cfg.SocketPath))
		fmt.Printf("  logs   %s\n", ui.RenderMuted(cfg.LogDir()))
		return nil
	}

	fmt.Fprintf(os.Stderr, "%s Daemon did not come up within 5s; check %s\n",
		ui.RenderWarn(ui.IconWarn), launchLog)
	os.Exit(1)
	return nil
}

func waitForSocket(socketPath string, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if cli, err := ipc.TryConnect(socketPath); err == nil && cli != nil {
			ok := cli.Ping() == nil
			_ = cli.Close()
			if ok {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// lockPID reads the running daemon's PID, preferring the pid file and
// falling back to the lock stamp.
func lockPID(cfg *config.Config) (int, error) {
	if pid, err := lockfile.ReadPID(cfg.PIDPath()); err == nil {
		return pid, nil
	}
	return lockfile.ReadPID(cfg.LockPath())
}

func logLevel() string {
	switch {
	case verboseFlag:
		return "debug"
	case quietFlag:
		return "error"
	}
	return ""
}

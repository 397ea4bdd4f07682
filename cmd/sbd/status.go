package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/lockfile"
	"github.com/sprintbot/sprintbot/internal/types"
	"github.com/sprintbot/sprintbot/internal/ui"
)

type daemonState struct {
	State   types.SprintState `json:"state"`
	Runtime map[string]any    `json:"runtime"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and sprint status",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fatal("%v", err)
		}

		cli, err := ipc.TryConnect(cfg.SocketPath)
		if err != nil || cli == nil {
			reportOffline(cfg)
			return
		}
		defer cli.Close()

		var ds daemonState
		if err := cli.Call(ipc.OpGetState, nil, &ds); err != nil {
			fatal("get_state: %v", err)
		}
		fmt.Print(renderStatus(&ds))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// reportOffline covers the no-socket cases: daemon dead, or alive but
// with an unreachable bus.
func reportOffline(cfg *config.Config) {
	if pid, err := lockPID(cfg); err == nil && lockfile.IsProcessRunning(pid) {
		fmt.Printf("%s Daemon PID %d is alive but the bus at %s is unreachable\n",
			ui.RenderWarn(ui.IconWarn), pid, cfg.SocketPath)
		os.Exit(1)
	}
	fmt.Printf("%s Daemon is not running\n", ui.RenderMuted(ui.IconSkip))
	fmt.Printf("  start it with %s\n", ui.RenderAccent("sbd run"))
	os.Exit(1)
}

func renderStatus(ds *daemonState) string {
	var b strings.Builder
	st := &ds.State

	pid := runtimeInt(ds.Runtime, "pid")
	fmt.Fprintf(&b, "%s Daemon running (PID %d)\n", ui.RenderPass(ui.IconPass), pid)

	if up := runtimeInt(ds.Runtime, "uptimeSeconds"); up > 0 {
		fmt.Fprintf(&b, "  uptime    %s", (time.Duration(up) * time.Second).String())
		if ticks := runtimeInt(ds.Runtime, "ticks"); ticks > 0 {
			fmt.Fprintf(&b, ", %d passes", ticks)
		}
		if done := runtimeInt(ds.Runtime, "processed"); done > 0 {
			fmt.Fprintf(&b, ", %d issues processed", done)
		}
		b.WriteString("\n")
	}

	if window, ok := ds.Runtime["workingHours"].(string); ok {
		inside := "outside working hours"
		if within, _ := ds.Runtime["withinWorkingHours"].(bool); within {
			inside = "inside working hours"
		}
		fmt.Fprintf(&b, "  window    %s (%s)\n", window, inside)
	}

	fmt.Fprintf(&b, "  mode      automatic %s, manual %s, background %s\n",
		onOff(st.AutomaticMode), onOff(st.ManuallyStarted), onOff(st.BackgroundTasks))

	if st.CurrentSprint != nil {
		fmt.Fprintf(&b, "  sprint    %s (%d issues%s)\n",
			st.CurrentSprint.Name, len(st.Issues), approvalSummary(st))
	} else {
		fmt.Fprintf(&b, "  sprint    %s\n", ui.RenderMuted("none active"))
	}

	if st.ProcessingIssue != "" {
		fmt.Fprintf(&b, "  working   %s\n", ui.RenderAccent(st.ProcessingIssue))
	}

	if q, ok := ds.Runtime["queries"].(map[string]any); ok {
		if total := runtimeInt(q, "total"); total > 0 {
			fmt.Fprintf(&b, "  queries   %d answered\n", total)
		}
	}
	return b.String()
}

func approvalSummary(st *types.SprintState) string {
	counts := st.CountByApproval()
	order := []types.ApprovalStatus{
		types.ApprovalPending,
		types.ApprovalApproved,
		types.ApprovalInProgress,
		types.ApprovalBlocked,
		types.ApprovalCompleted,
	}
	var parts []string
	for _, status := range order {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return ": " + strings.Join(parts, ", ")
}

// runtimeInt reads a number out of a decoded JSON map, where every
// numeric arrives as float64.
func runtimeInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	}
	return 0
}

func onOff(b bool) string {
	if b {
		return ui.RenderPass("on")
	}
	return ui.RenderMuted("off")
}

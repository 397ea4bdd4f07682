// Package sprintbot provides a minimal public API for driving the sbd
// daemon from Go programs.
//
// Integrations talk to the daemon over its unix control socket. This
// package exports the socket client, the operation names, and the shared
// sprint types so extensions never need to reach into internal packages.
package sprintbot

import (
	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/ipc"
	"github.com/sprintbot/sprintbot/internal/types"
)

// Core types for working with sprint state.
type (
	Sprint         = types.Sprint
	SprintIssue    = types.SprintIssue
	SprintState    = types.SprintState
	ApprovalStatus = types.ApprovalStatus
	TimelineEvent  = types.TimelineEvent
	WorkLog        = types.WorkLog
)

// Approval states an issue moves through.
const (
	ApprovalPending    = types.ApprovalPending
	ApprovalApproved   = types.ApprovalApproved
	ApprovalInProgress = types.ApprovalInProgress
	ApprovalBlocked    = types.ApprovalBlocked
	ApprovalCompleted  = types.ApprovalCompleted
)

// Bus operation names understood by a running daemon.
const (
	OpPing             = ipc.OpPing
	OpGetState         = ipc.OpGetState
	OpListIssues       = ipc.OpListIssues
	OpApproveIssue     = ipc.OpApproveIssue
	OpRejectIssue      = ipc.OpRejectIssue
	OpAbortIssue       = ipc.OpAbortIssue
	OpSkipIssue        = ipc.OpSkipIssue
	OpApproveAll       = ipc.OpApproveAll
	OpRejectAll        = ipc.OpRejectAll
	OpRefresh          = ipc.OpRefresh
	OpEnable           = ipc.OpEnable
	OpDisable          = ipc.OpDisable
	OpStart            = ipc.OpStart
	OpStop             = ipc.OpStop
	OpToggleBackground = ipc.OpToggleBackground
	OpGetConfig        = ipc.OpGetConfig
	OpSetConfig        = ipc.OpSetConfig
	OpGetHistory       = ipc.OpGetHistory
	OpGetTrace         = ipc.OpGetTrace
	OpListTraces       = ipc.OpListTraces
	OpGetWorkLog       = ipc.OpGetWorkLog
	OpStartIssue       = ipc.OpStartIssue
	OpProcessNext      = ipc.OpProcessNext
	OpShutdown         = ipc.OpShutdown
)

// Client talks to a running daemon over the control socket.
type Client = ipc.Client

// Connect dials the daemon's control socket, resolving the socket path
// from the sprintbot configuration (SPRINTBOT_HOME, then config.toml).
func Connect() (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return ipc.Dial(cfg.SocketPath)
}

// ConnectSocket dials a specific control socket path.
func ConnectSocket(socketPath string) (*Client, error) {
	return ipc.Dial(socketPath)
}

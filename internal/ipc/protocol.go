// Package ipc implements the daemon's control bus: a line-delimited JSON
// protocol over a unix socket. Every request is a single JSON object on one
// line; every response is a single JSON envelope on one line. The CLI and
// the editor extension both speak this protocol.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Operation names accepted on the bus.
const (
	OpPing     = "ping"
	OpShutdown = "shutdown"

	OpListIssues   = "list_issues"
	OpApproveIssue = "approve_issue"
	OpRejectIssue  = "reject_issue"
	OpAbortIssue   = "abort_issue"
	OpSkipIssue    = "skip_issue"
	OpApproveAll   = "approve_all"
	OpRejectAll    = "reject_all"

	OpRefresh          = "refresh"
	OpEnable           = "enable"
	OpDisable          = "disable"
	OpStart            = "start"
	OpStop             = "stop"
	OpToggleBackground = "toggle_background"

	OpGetConfig  = "get_config"
	OpSetConfig  = "set_config"
	OpGetState   = "get_state"
	OpWriteState = "write_state"

	OpGetHistory   = "get_history"
	OpGetTrace     = "get_trace"
	OpListTraces   = "list_traces"
	OpGetWorkLog   = "get_work_log"
	OpOpenInCursor = "open_in_cursor"

	OpStartIssue  = "start_issue"
	OpProcessNext = "process_next"
)

// Request is one operation sent to the daemon.
type Request struct {
	Op        string          `json:"op"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Response is the envelope every operation answers with. Data is only set
// on success, Error only on failure.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func ok(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(fmt.Errorf("encode response: %w", err))
	}
	return &Response{Success: true, Data: raw}
}

func fail(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}

func failf(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}

func decodeArgs(req *Request, into any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, into); err != nil {
		return fmt.Errorf("decode %s args: %w", req.Op, err)
	}
	return nil
}

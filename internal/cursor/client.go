// Package cursor talks to the editor extension's chat socket. The
// extension speaks the same line-delimited JSON protocol as the daemon
// bus: one request object per line, one response object back.
package cursor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/logging"
)

// callTimeout bounds one request/response exchange. Opening a chat does
// UI work on the extension side, so this is looser than the ping check.
const callTimeout = 30 * time.Second

type request struct {
	Op        string         `json:"op"`
	Args      map[string]any `json:"args,omitempty"`
	RequestID string         `json:"requestId"`
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var reqSeq atomic.Uint64

// Client dials the extension socket once per call. The extension
// restarts with the editor, so a held connection would just go stale.
type Client struct {
	socketPath  string
	pingTimeout time.Duration
	log         zerolog.Logger
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		socketPath:  cfg.CursorSocketPath,
		pingTimeout: cfg.PingTimeout,
		log:         logging.Component("cursor"),
	}
}

// Ping reports whether the chat peer is up and answering.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	_, err := c.call(ctx, "ping", nil)
	return err
}

// LaunchIssueChat asks the editor to open a new chat seeded with the
// work prompt and returns the chat id the extension assigned. With
// returnToPrevious the extension restores the user's previous chat tab
// after opening, so automated launches do not steal focus.
func (c *Client) LaunchIssueChat(ctx context.Context, issueKey, summary, prompt string, returnToPrevious bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	data, err := c.call(ctx, "launch_issue_chat", map[string]any{
		"issueKey":         issueKey,
		"summary":          summary,
		"prompt":           prompt,
		"returnToPrevious": returnToPrevious,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		ChatID string `json:"chatId"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", fmt.Errorf("decode launch response: %w", err)
		}
	}
	if out.ChatID == "" {
		return "", fmt.Errorf("chat peer returned no chat id for %s", issueKey)
	}
	c.log.Debug().Str("issue", issueKey).Str("chat", out.ChatID).Msg("chat launched")
	return out.ChatID, nil
}

// OpenContinuation asks the editor to open an interactive session
// seeded with the continuation prompt for previously attempted work.
func (c *Client) OpenContinuation(ctx context.Context, issueKey, prompt string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	_, err := c.call(ctx, "open_continuation", map[string]any{
		"issueKey": issueKey,
		"prompt":   prompt,
	})
	return err
}

func (c *Client) call(ctx context.Context, op string, args map[string]any) (json.RawMessage, error) {
	// Fast probe before dialing; no socket file means no extension.
	if _, err := os.Stat(c.socketPath); err != nil {
		return nil, fmt.Errorf("chat peer socket: %w", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial chat peer: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	reqJSON, err := json.Marshal(request{
		Op:        op,
		Args:      args,
		RequestID: fmt.Sprintf("%d-%d", os.Getpid(), reqSeq.Add(1)),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	writer := bufio.NewWriter(conn)
	if _, err := writer.Write(reqJSON); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return nil, fmt.Errorf("flush request: %w", err)
	}

	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("chat peer %s: %s", op, resp.Error)
	}
	return resp.Data, nil
}

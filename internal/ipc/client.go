package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCallTimeout = 30 * time.Second

var clientSeq atomic.Uint64

// Client holds one connection to the daemon's bus. It is safe for
// concurrent use; calls are serialized over the single connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	codec   *lineCodec
	timeout time.Duration
}

// Dial connects to the daemon socket, failing when no daemon answers.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon at %s: %w", socketPath, err)
	}
	return &Client{conn: conn, codec: newLineCodec(conn), timeout: defaultCallTimeout}, nil
}

// TryConnect dials the daemon socket and returns nil, nil when no daemon is
// running: a missing socket file, or one nothing answers on.
func TryConnect(socketPath string) (*Client, error) {
	if _, err := os.Stat(socketPath); err != nil {
		return nil, nil
	}
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return nil, nil
	}
	return &Client{conn: conn, codec: newLineCodec(conn), timeout: defaultCallTimeout}, nil
}

// SetTimeout adjusts the per-call deadline. Long operations such as
// process_next need headroom for the full agent run.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Execute sends one operation and returns the raw success payload. A
// success=false envelope surfaces as an error carrying the daemon's message.
func (c *Client) Execute(op string, args any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("bus client is closed")
	}

	var rawArgs json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", op, err)
		}
		rawArgs = data
	}

	req := Request{
		Op:        op,
		Args:      rawArgs,
		RequestID: fmt.Sprintf("%d-%d", os.Getpid(), clientSeq.Add(1)),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if _, err := c.codec.w.Write(payload); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}
	if err := c.codec.w.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}
	if err := c.codec.w.Flush(); err != nil {
		return nil, fmt.Errorf("send %s: %w", op, err)
	}

	line, err := c.codec.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", op, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", op, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s: %s", op, resp.Error)
	}
	return resp.Data, nil
}

// Call runs an operation and decodes its payload into out when non-nil.
func (c *Client) Call(op string, args, out any) error {
	data, err := c.Execute(op, args)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s payload: %w", op, err)
		}
	}
	return nil
}

// Ping checks the daemon answers on this connection.
func (c *Client) Ping() error {
	_, err := c.Execute(OpPing, nil)
	return err
}

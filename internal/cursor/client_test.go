package cursor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubPeer accepts connections on a unix socket and answers each
// one-line request via the handler.
type stubPeer struct {
	mu       sync.Mutex
	requests []request
}

func (p *stubPeer) seen() []request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]request(nil), p.requests...)
}

func startStubPeer(t *testing.T, handle func(req request) response) (string, *stubPeer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	peer := &stubPeer{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req request
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				peer.mu.Lock()
				peer.requests = append(peer.requests, req)
				peer.mu.Unlock()
				out, _ := json.Marshal(handle(req))
				_, _ = conn.Write(append(out, '\n'))
			}(conn)
		}
	}()
	return path, peer
}

func newTestClient(path string) *Client {
	return &Client{
		socketPath:  path,
		pingTimeout: time.Second,
		log:         zerolog.Nop(),
	}
}

func TestPing(t *testing.T) {
	path, peer := startStubPeer(t, func(req request) response {
		return response{Success: true}
	})

	if err := newTestClient(path).Ping(context.Background()); err != nil {
		t.Fatalf("Ping() = %v, want nil", err)
	}

	reqs := peer.seen()
	if len(reqs) != 1 || reqs[0].Op != "ping" {
		t.Errorf("peer saw %+v, want one ping", reqs)
	}
	if reqs[0].RequestID == "" {
		t.Error("request id empty")
	}
}

func TestPingNoPeer(t *testing.T) {
	c := newTestClient(filepath.Join(t.TempDir(), "absent.sock"))

	start := time.Now()
	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("Ping() = nil, want error for missing socket")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("missing-socket ping took %v, want fast failure", elapsed)
	}
}

func TestLaunchIssueChat(t *testing.T) {
	path, peer := startStubPeer(t, func(req request) response {
		data, _ := json.Marshal(map[string]string{"chatId": "chat-123"})
		return response{Success: true, Data: data}
	})

	chatID, err := newTestClient(path).LaunchIssueChat(context.Background(), "AAP-7", "Fix the gateway", "do the work", true)
	if err != nil {
		t.Fatalf("LaunchIssueChat() error: %v", err)
	}
	if chatID != "chat-123" {
		t.Errorf("chatID = %q, want chat-123", chatID)
	}

	reqs := peer.seen()
	if len(reqs) != 1 {
		t.Fatalf("peer saw %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Op != "launch_issue_chat" {
		t.Errorf("op = %q", req.Op)
	}
	if req.Args["issueKey"] != "AAP-7" || req.Args["summary"] != "Fix the gateway" {
		t.Errorf("args = %+v", req.Args)
	}
	if req.Args["returnToPrevious"] != true {
		t.Errorf("returnToPrevious = %v, want true", req.Args["returnToPrevious"])
	}
	if prompt, _ := req.Args["prompt"].(string); !strings.Contains(prompt, "do the work") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestLaunchIssueChatPeerError(t *testing.T) {
	path, _ := startStubPeer(t, func(req request) response {
		return response{Success: false, Error: "chat panel busy"}
	})

	_, err := newTestClient(path).LaunchIssueChat(context.Background(), "AAP-7", "s", "p", false)
	if err == nil || !strings.Contains(err.Error(), "chat panel busy") {
		t.Errorf("err = %v, want peer error surfaced", err)
	}
}

func TestLaunchIssueChatWithoutChatID(t *testing.T) {
	path, _ := startStubPeer(t, func(req request) response {
		return response{Success: true}
	})

	_, err := newTestClient(path).LaunchIssueChat(context.Background(), "AAP-7", "s", "p", false)
	if err == nil || !strings.Contains(err.Error(), "no chat id") {
		t.Errorf("err = %v, want missing chat id error", err)
	}
}

func TestOpenContinuation(t *testing.T) {
	path, peer := startStubPeer(t, func(req request) response {
		return response{Success: true}
	})

	err := newTestClient(path).OpenContinuation(context.Background(), "AAP-9", "# Continuing work on AAP-9")
	if err != nil {
		t.Fatalf("OpenContinuation() error: %v", err)
	}

	reqs := peer.seen()
	if len(reqs) != 1 || reqs[0].Op != "open_continuation" {
		t.Fatalf("peer saw %+v", reqs)
	}
	if reqs[0].Args["issueKey"] != "AAP-9" {
		t.Errorf("issueKey = %v", reqs[0].Args["issueKey"])
	}
}

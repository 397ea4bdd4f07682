package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sprintbot/sprintbot/internal/config"
	"github.com/sprintbot/sprintbot/internal/executor"
	"github.com/sprintbot/sprintbot/internal/logging"
	"github.com/sprintbot/sprintbot/internal/sprint"
	"github.com/sprintbot/sprintbot/internal/worklog"
)

const (
	// maxConns bounds concurrent bus connections; extras are refused at
	// accept time rather than queued.
	maxConns = 16

	// idleTimeout is how long a connection may sit between requests.
	// Handler execution itself is not bounded here: process_next can
	// legitimately hold a connection for the full agent timeout.
	idleTimeout = 10 * time.Minute

	writeTimeout = 30 * time.Second
)

// ChatPeer is the slice of the editor bridge the bus needs: reopening a
// work-in-progress conversation from a stored continuation prompt.
type ChatPeer interface {
	Ping(ctx context.Context) error
	OpenContinuation(ctx context.Context, issueKey, prompt string) error
}

// Deps wires the bus handlers to the rest of the daemon. Config is a getter
// so handlers always see the live snapshot after a reload.
type Deps struct {
	Config  func() *config.Config
	Store   *sprint.Store
	Planner *sprint.Planner
	Exec    *executor.Executor
	Logs    *worklog.Store
	Peer    ChatPeer

	// Runtime supplies daemon liveness stats for get_state; nil is fine.
	Runtime func() map[string]any

	// ReloadConfig re-reads config.toml after set_config persists changes;
	// nil skips the live reload.
	ReloadConfig func() error

	// Shutdown stops the daemon after a shutdown op's response is written.
	Shutdown func()
}

type handlerFunc func(ctx context.Context, req *Request) *Response

// Server owns the unix socket and dispatches bus operations.
type Server struct {
	socketPath string
	deps       Deps
	handlers   map[string]handlerFunc
	log        zerolog.Logger
	now        func() time.Time

	mu       sync.Mutex
	listener net.Listener
	shutdown bool
	open     map[net.Conn]struct{}

	connSem         chan struct{}
	conns           sync.WaitGroup
	pendingShutdown atomic.Bool
	shutdownOnce    sync.Once
	stopOnce        sync.Once
}

// NewServer builds a bus server for socketPath. Call Start to listen.
func NewServer(socketPath string, deps Deps) *Server {
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		log:        logging.Component("ipc"),
		connSem:    make(chan struct{}, maxConns),
		open:       make(map[net.Conn]struct{}),
	}
	s.registerHandlers()
	return s
}

// Start claims the socket and begins accepting connections in the
// background. It fails fast when another daemon already holds the socket.
func (s *Server) Start() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	_ = os.Chmod(dir, 0o700)

	if err := s.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	// Owner-only socket. Some filesystems refuse chmod on sockets with
	// EINVAL; the 0700 parent directory still guards access there.
	if err := os.Chmod(s.socketPath, 0o600); err != nil && !chmodUnsupported(err) {
		_ = listener.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().Str("socket", s.socketPath).Msg("bus listening")
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the listener, waits briefly for in-flight connections, and
// removes the socket file. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()

		if listener != nil {
			if closeErr := listener.Close(); closeErr != nil {
				err = fmt.Errorf("close bus listener: %w", closeErr)
			}
		}

		// Idle clients would otherwise hold Stop until their read
		// deadline; closing their connections unblocks them now.
		s.mu.Lock()
		for conn := range s.open {
			_ = conn.Close()
		}
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			s.log.Warn().Msg("bus connections still open at shutdown")
		}

		if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = fmt.Errorf("remove socket: %w", rmErr)
		}
	})
	return err
}

// SocketPath reports where the server listens.
func (s *Server) SocketPath() string { return s.socketPath }

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.shutdown
			s.mu.Unlock()
			if !stopping {
				s.log.Error().Err(err).Msg("bus accept failed")
			}
			return
		}

		select {
		case s.connSem <- struct{}{}:
			s.mu.Lock()
			s.open[conn] = struct{}{}
			s.mu.Unlock()
			s.conns.Add(1)
			go func(c net.Conn) {
				defer s.conns.Done()
				defer func() { <-s.connSem }()
				defer func() {
					s.mu.Lock()
					delete(s.open, c)
					s.mu.Unlock()
				}()
				s.handleConnection(c)
			}(conn)
		default:
			s.log.Warn().Msg("bus connection refused: too many clients")
			_ = conn.Close()
		}
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("panic in bus connection")
		}
	}()

	codec := newLineCodec(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		req, err := codec.next()
		if err != nil {
			return
		}

		// Handlers run without a read deadline in force; clear it so a
		// long-running operation does not trip the idle timer mid-flight.
		_ = conn.SetReadDeadline(time.Time{})

		var resp *Response
		if req == nil {
			resp = failf("invalid request: not a JSON object")
		} else {
			resp = s.dispatch(context.Background(), req)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if err := codec.write(resp); err != nil {
			return
		}

		// A shutdown op stops the daemon only after its response is on
		// the wire, so the requesting client gets its acknowledgement.
		if s.pendingShutdown.Load() {
			s.shutdownOnce.Do(func() {
				if s.deps.Shutdown != nil {
					go s.deps.Shutdown()
				} else {
					go func() { _ = s.Stop() }()
				}
			})
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	handler, known := s.handlers[req.Op]
	if !known {
		return failf("unknown operation %q", req.Op)
	}

	start := time.Now()
	resp := handler(ctx, req)
	evt := s.log.Debug().
		Str("op", req.Op).
		Str("requestId", req.RequestID).
		Dur("took", time.Since(start)).
		Bool("success", resp.Success)
	if !resp.Success {
		evt = s.log.Warn().
			Str("op", req.Op).
			Str("requestId", req.RequestID).
			Str("error", resp.Error)
	}
	evt.Msg("bus request")
	return resp
}

// removeStaleSocket deletes a leftover socket file, but refuses to steal one
// that a live daemon still answers on.
func (s *Server) removeStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func chmodUnsupported(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EINVAL || errno == syscall.ENOTSUP
	}
	return false
}

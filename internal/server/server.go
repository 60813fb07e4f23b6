// Package server owns the command socket accept loop. It admits
// connections against the server-wide ceiling, refuses peers with a
// recent history of failed authentication, and hands each accepted
// connection to the dispatcher.
package server

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/castellan/internal/config"
	"github.com/mattjoyce/castellan/internal/dispatch"
	"github.com/mattjoyce/castellan/internal/events"
	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/protocol"
)

// DefaultMaxRecentAuthFailures is the per-address failure count at
// which new connections are refused before reading a single frame.
const DefaultMaxRecentAuthFailures = 10

// refusalWriteTimeout bounds the courtesy error frame written to a
// refused connection.
const refusalWriteTimeout = 2 * time.Second

// AuthFailureGate reports recent authentication failures for an
// address. Backed by the sqlite failure log.
type AuthFailureGate interface {
	Recent(ctx context.Context, remoteAddr string) (int, error)
}

// Server accepts connections on a caller-provided listener. Transport
// security is the listener's concern; the launcher hands in a TLS
// listener in production and tests pass a plain one.
type Server struct {
	dispatcher  *dispatch.Dispatcher
	cfg         config.ServerConfig
	gate        AuthFailureGate
	maxFailures int
	logger      *slog.Logger
	events      *events.Hub

	conns atomic.Int64
	wg    sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*dispatch.Session
}

// New creates a Server. gate may be nil to disable pre-auth refusal.
func New(d *dispatch.Dispatcher, cfg config.ServerConfig, gate AuthFailureGate) *Server {
	s := &Server{
		dispatcher:  d,
		cfg:         cfg,
		gate:        gate,
		maxFailures: DefaultMaxRecentAuthFailures,
		logger:      log.WithComponent("server"),
		sessions:    make(map[string]*dispatch.Session),
	}
	d.SetTracker(s)
	return s
}

// SetEvents installs the hub session lifecycle events are published
// to. nil disables publishing.
func (s *Server) SetEvents(hub *events.Hub) {
	s.events = hub
}

// Track implements dispatch.Tracker.
func (s *Server) Track(session *dispatch.Session) {
	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	if s.events != nil {
		s.events.Publish(events.TypeSessionOpened, session.Info())
	}
}

// Untrack implements dispatch.Tracker.
func (s *Server) Untrack(session *dispatch.Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
	if s.events != nil {
		s.events.Publish(events.TypeSessionClosed, session.Info())
	}
}

// Sessions snapshots live sessions for the status API, sorted by id.
func (s *Server) Sessions() []dispatch.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns the number of open connections, including ones
// still in the auth phase.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

// Serve accepts connections until ctx is cancelled or the listener
// fails. It blocks, and returns only after every session has drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("command socket listening", "addr", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("accept loop stopping")
				s.wg.Wait()
				return nil
			}
			s.wg.Wait()
			return err
		}

		if s.conns.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, refusing",
				"remote_addr", conn.RemoteAddr().String(), "limit", s.cfg.MaxConnections)
			go s.refuse(conn, protocol.NewError(protocol.KindRateLimited,
				"server connection limit reached").WithRetryAfter(1000))
			continue
		}

		if refused := s.checkFailureHistory(ctx, conn); refused {
			continue
		}

		s.conns.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Add(-1)
			s.dispatcher.Serve(ctx, conn)
		}()
	}
}

// checkFailureHistory refuses addresses with too many recent failed
// auth attempts before the dispatcher reads anything from them.
func (s *Server) checkFailureHistory(ctx context.Context, conn net.Conn) bool {
	if s.gate == nil {
		return false
	}
	remoteAddr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	count, err := s.gate.Recent(ctx, host)
	if err != nil {
		s.logger.Warn("failure history lookup failed", "remote_addr", remoteAddr, "error", err)
		return false
	}
	if count < s.maxFailures {
		return false
	}
	s.logger.Warn("refusing connection with recent auth failures",
		"remote_addr", remoteAddr, "recent_failures", count)
	if s.events != nil {
		s.events.Publish(events.TypeAuthRefused, map[string]any{
			"remote_addr": remoteAddr, "recent_failures": count,
		})
	}
	go s.refuse(conn, protocol.NewError(protocol.KindAuthenticationFailed,
		"too many recent authentication failures"))
	return true
}

// refuse writes a single error frame and closes the connection.
func (s *Server) refuse(conn net.Conn, perr *protocol.Error) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(refusalWriteTimeout))
	writer := protocol.NewFrameWriter(conn, s.cfg.MaxFrameSize)
	if err := writer.WriteResponse(protocol.ErrorResponse("", perr)); err != nil {
		s.logger.Debug("refusal frame write failed", "error", err)
	}
}

package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/castellan/internal/admission"
	"github.com/mattjoyce/castellan/internal/auth"
	"github.com/mattjoyce/castellan/internal/config"
	"github.com/mattjoyce/castellan/internal/events"
	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/plugin"
	"github.com/mattjoyce/castellan/internal/protocol"
	"github.com/mattjoyce/castellan/internal/sandbox"
)

// Dispatcher drives the per-connection state machine: one auth frame,
// then a request loop that admits, resolves, and invokes commands.
// Responses are written in completion order; request ids carry the
// correlation.
type Dispatcher struct {
	registry *plugin.Registry
	invoker  *sandbox.Invoker
	auth     *auth.Authenticator
	limiter  *admission.Limiter
	cfg      config.ServerConfig
	logger   *slog.Logger
	tracker  Tracker
	events   *events.Hub
}

// Tracker observes session lifecycle. The server uses it to surface
// live sessions through the status API.
type Tracker interface {
	Track(*Session)
	Untrack(*Session)
}

// New creates a Dispatcher.
func New(reg *plugin.Registry, inv *sandbox.Invoker, authn *auth.Authenticator, limiter *admission.Limiter, cfg config.ServerConfig) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		invoker:  inv,
		auth:     authn,
		limiter:  limiter,
		cfg:      cfg,
		logger:   log.WithComponent("dispatch"),
	}
}

// SetTracker installs a session lifecycle observer. Must be called
// before Serve.
func (d *Dispatcher) SetTracker(t Tracker) {
	d.tracker = t
}

// SetEvents installs the hub request completion events are published
// to. Must be called before Serve; nil disables publishing.
func (d *Dispatcher) SetEvents(hub *events.Hub) {
	d.events = hub
}

// Serve runs one connection to completion. It blocks until the peer
// disconnects, the session idles out, a fatal framing error occurs, or
// ctx is cancelled. The caller owns conn's lifetime; Serve closes it.
func (d *Dispatcher) Serve(ctx context.Context, conn net.Conn) *Session {
	session := newSession(ctx, conn.RemoteAddr().String(), d.cfg.MaxInFlightPerSession)
	logger := d.logger.With("session_id", session.ID, "remote_addr", session.RemoteAddr)
	logger.Info("session opened")
	if d.tracker != nil {
		d.tracker.Track(session)
	}

	var wg sync.WaitGroup
	defer func() {
		session.Close()
		conn.Close()
		wg.Wait()
		if d.tracker != nil {
			d.tracker.Untrack(session)
		}
		logger.Info("session closed", "requests_total", session.Info().RequestsTotal)
	}()

	// The session context doubles as the connection kill switch: cancel
	// it and the blocked Read below is released by the closer goroutine.
	go func() {
		<-session.Context().Done()
		conn.SetReadDeadline(time.Now())
	}()

	writer := protocol.NewFrameWriter(conn, d.cfg.MaxFrameSize)
	decoder := protocol.NewDecoder(d.cfg.MaxFrameSize)
	readBuf := make([]byte, 32*1024)

	if !d.awaitAuth(conn, decoder, readBuf, writer, session, logger) {
		return session
	}

	for {
		payload, err := d.nextFrame(conn, decoder, readBuf)
		if err != nil {
			d.reportReadEnd(writer, session, logger, err)
			return session
		}
		session.touch()

		req, perr := protocol.DecodeRequest(payload)
		if perr != nil {
			d.writeError(writer, session, logger, requestID(req), perr)
			continue
		}
		reqLogger := logger.With("request_id", req.RequestID, "plugin", req.Plugin, "command", req.Command)

		if decision := d.limiter.Admit(session.Identity().ClientID); !decision.Allowed {
			retryMS := decision.RetryAfter.Milliseconds()
			reqLogger.Warn("request rate limited", "retry_after_ms", retryMS)
			d.writeError(writer, session, reqLogger, req.RequestID,
				protocol.NewError(protocol.KindRateLimited, "rate limit exceeded for %q", session.Identity().ClientID).WithRetryAfter(retryMS))
			continue
		}

		resolved, err := d.registry.Resolve(req.Plugin, req.Command)
		if err != nil {
			d.writeError(writer, session, reqLogger, req.RequestID, resolveError(req, err))
			continue
		}

		// Blocking the read loop on the session's in-flight ceiling is
		// what keeps dispatch order equal to arrival order.
		if err := session.acquireSlot(); err != nil {
			d.writeError(writer, session, reqLogger, req.RequestID,
				protocol.NewError(protocol.KindConnectionLost, "session closing"))
			return session
		}

		session.beginRequest()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer session.endRequest()
			d.invoke(writer, session, resolved, req, reqLogger)
		}()
	}
}

// awaitAuth handles the session's first frame. Returns false when the
// session must close.
func (d *Dispatcher) awaitAuth(conn net.Conn, decoder *protocol.Decoder, readBuf []byte, writer *protocol.FrameWriter, session *Session, logger *slog.Logger) bool {
	payload, err := d.nextFrame(conn, decoder, readBuf)
	if err != nil {
		d.reportReadEnd(writer, session, logger, err)
		return false
	}
	session.touch()

	authReq, perr := protocol.DecodeAuth(payload)
	if perr != nil {
		// Any first frame that is not a well-formed auth frame ends the
		// session; there is no retry before authentication.
		d.writeError(writer, session, logger, requestIDAuth(authReq), perr)
		return false
	}

	// Failures are recorded against the host only; ports churn per
	// connection and would defeat the failure-history gate.
	identity, err := d.auth.Authenticate(session.Context(), authReq, remoteHost(session.RemoteAddr))
	if err != nil {
		d.writeError(writer, session, logger, authReq.RequestID,
			protocol.NewError(protocol.KindAuthenticationFailed, "authentication failed"))
		return false
	}

	session.authenticated(identity)
	logger.Info("session authenticated", "client_id", identity.ClientID)
	if err := writer.WriteResponse(protocol.OKResponse(authReq.RequestID, map[string]any{
		"session_id": session.ID,
		"client_id":  identity.ClientID,
	})); err != nil {
		logger.Warn("auth response write failed", "error", err)
		return false
	}
	return true
}

// nextFrame reads from conn until the decoder yields a complete frame.
// Each read arms the idle deadline, so a silent session errors out with
// a timeout.
func (d *Dispatcher) nextFrame(conn net.Conn, decoder *protocol.Decoder, readBuf []byte) ([]byte, error) {
	for {
		payload, err := decoder.Next()
		if err != nil || payload != nil {
			return payload, err
		}
		if err := conn.SetReadDeadline(time.Now().Add(d.cfg.SessionIdleTimeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(readBuf)
		if n > 0 {
			decoder.Feed(readBuf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// reportReadEnd logs why the read loop ended and, for fatal framing
// errors, sends a last error frame before the close.
func (d *Dispatcher) reportReadEnd(writer *protocol.FrameWriter, session *Session, logger *slog.Logger, err error) {
	switch {
	case protocol.IsFatalFraming(err):
		logger.Warn("fatal framing error, closing session", "error", err)
		d.writeError(writer, session, logger, "",
			protocol.NewError(protocol.KindMalformedFrame, "unrecoverable framing error: %v", err))
	case errors.Is(err, io.EOF):
		logger.Debug("peer disconnected")
	case errors.Is(err, os.ErrDeadlineExceeded):
		if session.State() == StateClosed {
			logger.Debug("session cancelled")
		} else {
			logger.Info("session idle timeout", "idle_timeout", d.cfg.SessionIdleTimeout)
		}
	default:
		logger.Warn("connection read failed", "error", err)
	}
}

// invoke runs one admitted request to completion and writes its
// response. Runs on its own goroutine; the frame writer serializes the
// actual write.
func (d *Dispatcher) invoke(writer *protocol.FrameWriter, session *Session, resolved *plugin.Resolved, req *protocol.Request, logger *slog.Logger) {
	started := time.Now()
	grant := sandbox.NewGrant(session.Context(), resolved.Descriptor.Capabilities, d.budget(req))

	// The plugin's concurrency ceiling is shared across sessions, so
	// waiting here burns the request's own deadline, not the session's.
	if err := resolved.Acquire(grant.Context()); err != nil {
		grant.Revoke()
		kind := protocol.KindConnectionLost
		msg := "session closed while queued"
		if errors.Is(err, context.DeadlineExceeded) {
			kind = protocol.KindTimeout
			msg = "deadline expired while queued for plugin slot"
		}
		perr := protocol.NewError(kind, "%s", msg)
		d.writeError(writer, session, logger, req.RequestID, perr)
		d.publishCompleted(session, req, perr, started)
		return
	}
	defer resolved.Release()

	result, perr := d.invoker.Invoke(grant, resolved.Descriptor, req)
	if perr != nil {
		d.writeError(writer, session, logger, req.RequestID, perr)
		d.publishCompleted(session, req, perr, started)
		return
	}
	if err := writer.WriteResponse(protocol.OKResponse(req.RequestID, result)); err != nil {
		logger.Warn("response write failed, closing session", "error", err)
		session.Close()
	}
	d.publishCompleted(session, req, nil, started)
}

// publishCompleted emits a request_completed event for observers.
func (d *Dispatcher) publishCompleted(session *Session, req *protocol.Request, perr *protocol.Error, started time.Time) {
	if d.events == nil {
		return
	}
	ev := map[string]any{
		"session_id": session.ID,
		"request_id": req.RequestID,
		"plugin":     req.Plugin,
		"command":    req.Command,
		"elapsed_ms": time.Since(started).Milliseconds(),
		"status":     string(protocol.StatusOK),
	}
	if perr != nil {
		ev["status"] = string(protocol.StatusError)
		ev["error_kind"] = string(perr.Kind)
	}
	d.events.Publish(events.TypeRequestCompleted, ev)
}

// budget clamps the client's requested deadline to the server ceiling.
func (d *Dispatcher) budget(req *protocol.Request) time.Duration {
	ceiling := d.cfg.RequestDeadlineCeiling
	if req.DeadlineMS <= 0 {
		return ceiling
	}
	asked := time.Duration(req.DeadlineMS) * time.Millisecond
	if asked > ceiling {
		return ceiling
	}
	return asked
}

func (d *Dispatcher) writeError(writer *protocol.FrameWriter, session *Session, logger *slog.Logger, requestID string, perr *protocol.Error) {
	if err := writer.WriteResponse(protocol.ErrorResponse(requestID, perr)); err != nil {
		logger.Warn("error response write failed, closing session", "error", err, "kind", perr.Kind)
		session.Close()
	}
}

func resolveError(req *protocol.Request, err error) *protocol.Error {
	switch {
	case errors.Is(err, plugin.ErrUnknownPlugin):
		return protocol.NewError(protocol.KindUnknownPlugin, "unknown plugin %q", req.Plugin)
	case errors.Is(err, plugin.ErrUnknownCommand):
		return protocol.NewError(protocol.KindUnknownCommand, "plugin %q has no command %q", req.Plugin, req.Command)
	case errors.Is(err, plugin.ErrNotRegistered):
		return protocol.NewError(protocol.KindNotRegistered, "plugin %q is not registered", req.Plugin)
	default:
		return protocol.NewError(protocol.KindPluginFault, "resolve %q: %v", req.Plugin, err)
	}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func requestID(req *protocol.Request) string {
	if req == nil {
		return ""
	}
	return req.RequestID
}

func requestIDAuth(req *protocol.AuthRequest) string {
	if req == nil {
		return ""
	}
	return req.RequestID
}

package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/castellan/internal/log"
	"github.com/mattjoyce/castellan/internal/plugin"
	"github.com/mattjoyce/castellan/internal/protocol"
)

// Invoker executes plugin handlers inside their grants. One Invoker is
// shared by all sessions; it owns the host environment and converts
// every handler failure mode into a structured wire error.
type Invoker struct {
	env    Env
	logger *slog.Logger

	// activeGrants counts grants currently alive, for leak checks and
	// the admin API.
	activeGrants atomic.Int64
}

// NewInvoker creates an Invoker over the given host environment.
func NewInvoker(env Env, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = log.WithComponent("sandbox")
	}
	return &Invoker{env: env, logger: logger}
}

// ActiveGrants returns the number of grants currently alive.
func (inv *Invoker) ActiveGrants() int64 {
	return inv.activeGrants.Load()
}

type outcome struct {
	result any
	err    error
}

// Invoke runs the descriptor's handler for req under grant. It returns
// the handler result, or a structured error:
//
//   - CapabilityDenied surfaces unchanged from the restricted host.
//   - The grant deadline converts to Timeout; a handler that never
//     observes cancellation is abandoned at the deadline and its late
//     result discarded.
//   - Session revocation converts to ConnectionLost.
//   - Panics and all other handler errors convert to PluginFault. They
//     never escape to the dispatcher or other invocations.
//
// Invoke revokes the grant before returning.
func (inv *Invoker) Invoke(grant *Grant, desc *plugin.Descriptor, req *protocol.Request) (any, *protocol.Error) {
	inv.activeGrants.Add(1)
	defer inv.activeGrants.Add(-1)
	defer grant.Revoke()

	call := &plugin.Call{
		Command: req.Command,
		Args:    req.Args,
		Host:    newRestrictedHost(inv.env, grant),
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				inv.logger.Error("handler panicked",
					"plugin", desc.Name,
					"command", req.Command,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- outcome{err: protocol.NewError(protocol.KindPluginFault,
					"plugin %q panicked handling %q", desc.Name, req.Command)}
			}
		}()
		result, err := desc.Handler.Handle(grant.Context(), call)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, inv.convert(desc, req, out.err)
		}
		return out.result, nil

	case <-grant.Context().Done():
		// The handler did not observe cancellation in time. Abandon its
		// goroutine; the buffered channel lets it finish without leaking.
		return nil, inv.expired(grant, desc, req)
	}
}

// convert maps a handler error to its wire form.
func (inv *Invoker) convert(desc *plugin.Descriptor, req *protocol.Request, err error) *protocol.Error {
	var werr *protocol.Error
	if errors.As(err, &werr) {
		return werr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewError(protocol.KindTimeout,
			"plugin %q exceeded its deadline handling %q", desc.Name, req.Command)
	}
	if errors.Is(err, context.Canceled) {
		return protocol.NewError(protocol.KindConnectionLost, "invocation cancelled")
	}
	inv.logger.Warn("handler failed",
		"plugin", desc.Name, "command", req.Command, "error", err)
	return protocol.NewError(protocol.KindPluginFault,
		"plugin %q failed handling %q: %v", desc.Name, req.Command, err)
}

// expired maps grant-context termination to Timeout or ConnectionLost.
func (inv *Invoker) expired(grant *Grant, desc *plugin.Descriptor, req *protocol.Request) *protocol.Error {
	if errors.Is(grant.Context().Err(), context.DeadlineExceeded) || !time.Now().Before(grant.Deadline()) {
		inv.logger.Warn("handler terminated at deadline",
			"plugin", desc.Name, "command", req.Command)
		return protocol.NewError(protocol.KindTimeout,
			"plugin %q exceeded its deadline handling %q", desc.Name, req.Command)
	}
	return protocol.NewError(protocol.KindConnectionLost, "invocation cancelled")
}

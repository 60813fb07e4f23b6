// Package sandbox wraps a single plugin invocation with the resource
// and permission boundaries of its Sandbox Grant: a capability set, a
// deadline, and a cancellation signal. Raw handler failures never cross
// this boundary unwrapped.
package sandbox

import (
	"context"
	"time"

	"github.com/mattjoyce/castellan/internal/capability"
)

// Grant is the time-boxed, capability-restricted execution context for
// one invocation. Created per call, destroyed when the invocation
// completes or is forcibly terminated.
type Grant struct {
	caps     capability.Set
	deadline time.Time
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewGrant derives a grant from the session context with the given
// capability set and time budget. Revoking the parent context revokes
// the grant.
func NewGrant(parent context.Context, caps capability.Set, budget time.Duration) *Grant {
	deadline := time.Now().Add(budget)
	ctx, cancel := context.WithDeadline(parent, deadline)
	return &Grant{
		caps:     caps.Clone(),
		deadline: deadline,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context is the cancellation signal handed to the handler. It ends at
// the grant deadline or when the owning session closes.
func (g *Grant) Context() context.Context {
	return g.ctx
}

// Deadline returns the grant's absolute deadline.
func (g *Grant) Deadline() time.Time {
	return g.deadline
}

// Allows reports whether the grant covers the capability.
func (g *Grant) Allows(c capability.Capability) bool {
	return g.caps.Has(c)
}

// Revoke releases the grant's resources. Safe to call more than once.
func (g *Grant) Revoke() {
	g.cancel()
}

// Package admission gates how many requests per client identity may
// proceed, using a token bucket per identity. Admission is a
// synchronous check, never a wait: a denial carries the suggested
// backoff so clients can retry on their own schedule.
package admission

import (
	"math"
	"sync"
	"time"
)

// Config sets the shared bucket shape. Every identity gets its own
// bucket with this capacity and refill rate; per-identity buckets keep
// one abusive client from starving the rest of the process.
type Config struct {
	// Capacity is the burst ceiling in tokens.
	Capacity int

	// RefillPerSec is the steady-state refill rate in tokens per second.
	RefillPerSec float64
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool

	// RetryAfter suggests how long the client should wait before the
	// next attempt. Set only on denial, always positive.
	RetryAfter time.Duration
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// Limiter tracks one token bucket per client identity. The identity map
// is guarded by its own mutex; token arithmetic happens under the
// per-bucket lock, so admission checks for different identities never
// contend.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter. Non-positive capacity or rate fall back
// to a minimal working configuration of 1 token and 1 token/sec.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = 1
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *Limiter) bucketFor(identity string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Capacity), last: l.now()}
		l.buckets[identity] = b
	}
	return b
}

// Admit consumes one token from the identity's bucket if available.
func (l *Limiter) Admit(identity string) Decision {
	b := l.bucketFor(identity)
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Lazy refill since the last check.
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(l.cfg.Capacity), b.tokens+elapsed*l.cfg.RefillPerSec)
		b.last = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}
	}

	deficit := 1 - b.tokens
	wait := time.Duration(deficit / l.cfg.RefillPerSec * float64(time.Second))
	if wait <= 0 {
		wait = time.Millisecond
	}
	return Decision{Allowed: false, RetryAfter: wait}
}

// Identities returns the number of tracked buckets.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle longer than maxIdle. Full buckets carry no
// state worth keeping, so sweeping is safe at any time.
func (l *Limiter) Sweep(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		b.mu.Lock()
		idle := b.last.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, id)
		}
	}
}

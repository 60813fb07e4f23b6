package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewLimiter(cfg)
	l.now = clock.Now
	return l, clock
}

func TestSixthRequestWithinSecondIsDenied(t *testing.T) {
	l, clock := newTestLimiter(Config{Capacity: 5, RefillPerSec: 1})

	for i := 0; i < 5; i++ {
		dec := l.Admit("client-a")
		require.True(t, dec.Allowed, "request %d should be admitted", i+1)
	}

	dec := l.Admit("client-a")
	require.False(t, dec.Allowed, "6th request in the same second must be denied")
	assert.Greater(t, dec.RetryAfter, time.Duration(0))

	// After waiting the suggested delay, the next request is admitted.
	clock.Advance(dec.RetryAfter)
	dec = l.Admit("client-a")
	assert.True(t, dec.Allowed, "request after suggested backoff should be admitted")
}

func TestBucketsArePerIdentity(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 1, RefillPerSec: 1})

	require.True(t, l.Admit("noisy").Allowed)
	require.False(t, l.Admit("noisy").Allowed, "noisy client exhausted its bucket")

	// A different identity is unaffected.
	assert.True(t, l.Admit("quiet").Allowed)
	assert.Equal(t, 2, l.Identities())
}

func TestRefillCapsAtCapacity(t *testing.T) {
	l, clock := newTestLimiter(Config{Capacity: 2, RefillPerSec: 10})

	require.True(t, l.Admit("c").Allowed)
	require.True(t, l.Admit("c").Allowed)

	// A long idle period refills at most to capacity.
	clock.Advance(time.Hour)
	require.True(t, l.Admit("c").Allowed)
	require.True(t, l.Admit("c").Allowed)
	assert.False(t, l.Admit("c").Allowed, "only capacity tokens accumulate")
}

func TestRetryAfterShrinksWithRefillRate(t *testing.T) {
	fast, _ := newTestLimiter(Config{Capacity: 1, RefillPerSec: 100})
	slow, _ := newTestLimiter(Config{Capacity: 1, RefillPerSec: 1})

	require.True(t, fast.Admit("c").Allowed)
	require.True(t, slow.Admit("c").Allowed)

	fastDec := fast.Admit("c")
	slowDec := slow.Admit("c")
	require.False(t, fastDec.Allowed)
	require.False(t, slowDec.Allowed)
	assert.Less(t, fastDec.RetryAfter, slowDec.RetryAfter)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(Config{Capacity: 1, RefillPerSec: 1})
	l.Admit("old")
	clock.Advance(time.Hour)
	l.Admit("fresh")

	l.Sweep(30 * time.Minute)
	assert.Equal(t, 1, l.Identities())
}

func TestConcurrentAdmitDoesNotOverAdmit(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 10, RefillPerSec: 0.001})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("shared").Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, admitted)
}

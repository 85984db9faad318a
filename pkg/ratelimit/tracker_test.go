package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

func TestConsumeExactCapacity(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker().WithClock(clock.Now)
	tr.ConfigureLimit("llm_tokens", 100, 10*time.Second)

	require.NoError(t, tr.Consume("alice", "llm_tokens", 60))
	require.Equal(t, int64(40), tr.Remaining("alice", "llm_tokens"))

	// remaining == n: consume(n) succeeds, consume(n+1) fails.
	require.NoError(t, tr.Consume("alice", "llm_tokens", 40))

	err := tr.Consume("alice", "llm_tokens", 1)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, "llm_tokens", rl.Resource)
	assert.Equal(t, int64(0), tr.Remaining("alice", "llm_tokens"))
}

func TestWindowRelease(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker().WithClock(clock.Now)
	tr.ConfigureLimit("llm_tokens", 100, 10*time.Second)

	require.NoError(t, tr.Consume("alice", "llm_tokens", 100))

	clock.Advance(9 * time.Second)
	assert.False(t, tr.HasCapacity("alice", "llm_tokens", 1))

	// The record leaves the window strictly after its expiry instant.
	clock.Advance(1001 * time.Millisecond)
	assert.True(t, tr.HasCapacity("alice", "llm_tokens", 100))
	require.NoError(t, tr.Consume("alice", "llm_tokens", 100))
}

func TestPrincipalsIsolated(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker().WithClock(clock.Now)
	tr.ConfigureLimit("llm_tokens", 50, time.Minute)

	require.NoError(t, tr.Consume("alice", "llm_tokens", 50))
	require.NoError(t, tr.Consume("bob", "llm_tokens", 50))
	assert.Error(t, tr.Consume("alice", "llm_tokens", 1))
}

func TestUnconfiguredResourceIsUnmetered(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Consume("alice", "unknown", 1_000_000))
	assert.True(t, tr.HasCapacity("alice", "unknown", 1_000_000))
}

func TestConsumeExceedsWindowCapacity(t *testing.T) {
	tr := NewTracker()
	tr.ConfigureLimit("llm_tokens", 10, time.Second)
	require.ErrorIs(t, tr.Consume("alice", "llm_tokens", 11), ErrExceedsCapacity)
}

func TestTimeUntilCapacity(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker().WithClock(clock.Now)
	tr.ConfigureLimit("llm_tokens", 100, 10*time.Second)

	d, err := tr.TimeUntilCapacity("alice", "llm_tokens", 100)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	require.NoError(t, tr.Consume("alice", "llm_tokens", 70))
	clock.Advance(4 * time.Second)
	require.NoError(t, tr.Consume("alice", "llm_tokens", 30))

	// 50 units free when the first record (70 @ t=0) expires at t=10.
	d, err = tr.TimeUntilCapacity("alice", "llm_tokens", 50)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, d)

	// 80 units need both records gone; second expires at t=14.
	d, err = tr.TimeUntilCapacity("alice", "llm_tokens", 80)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)
}

func TestWaitForCapacityBlocksUntilWindowSlides(t *testing.T) {
	tr := NewTracker()
	tr.ConfigureLimit("llm_tokens", 100, 300*time.Millisecond)

	start := time.Now()
	require.NoError(t, tr.Consume("alice", "llm_tokens", 100))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.WaitForCapacity(ctx, "alice", "llm_tokens", 50))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 290*time.Millisecond, "woke before the window slid")
}

func TestWaitForCapacityHonorsDeadline(t *testing.T) {
	tr := NewTracker()
	tr.ConfigureLimit("llm_tokens", 100, time.Hour)
	require.NoError(t, tr.Consume("alice", "llm_tokens", 100))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.WaitForCapacity(ctx, "alice", "llm_tokens", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSnapshotRestore(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker().WithClock(clock.Now)
	tr.ConfigureLimit("llm_tokens", 100, time.Minute)
	require.NoError(t, tr.Consume("alice", "llm_tokens", 30))

	snap := tr.Snapshot()

	tr2 := NewTracker().WithClock(clock.Now)
	tr2.ConfigureLimit("llm_tokens", 100, time.Minute)
	tr2.Restore(snap)
	assert.Equal(t, int64(70), tr2.Remaining("alice", "llm_tokens"))
}

func TestConcurrentConsumeNeverOversubscribes(t *testing.T) {
	tr := NewTracker()
	tr.ConfigureLimit("llm_tokens", 100, time.Hour)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := int64(0)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.Consume("alice", "llm_tokens", 10); err == nil {
				mu.Lock()
				granted += 10
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), granted)
}

// Package ratelimit tracks per-principal rolling-window capacity for
// renewable resources. Each (principal, resource) pair carries a deque of
// timestamped usage records; records older than the resource window are
// pruned lazily and never counted.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNotConfigured is returned when a resource has no configured limit.
	ErrNotConfigured = errors.New("ratelimit: resource not configured")
	// ErrExceedsCapacity is returned when a single request can never fit
	// inside the window, regardless of how long the caller waits.
	ErrExceedsCapacity = errors.New("ratelimit: amount exceeds window capacity")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("ratelimit: amount must be positive")
)

// RateLimitedError reports a consume attempt that found insufficient
// capacity in the current window.
type RateLimitedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ratelimit: %s rate limited, retry after %s", e.Resource, e.RetryAfter)
}

// Limit configures a renewable resource.
type Limit struct {
	Capacity int64
	Window   time.Duration
	Enabled  bool
}

// Record is a single timestamped usage entry.
type Record struct {
	At     time.Time `json:"at"`
	Amount int64     `json:"amount"`
}

type usageKey struct {
	Principal string
	Resource  string
}

// Tracker enforces rolling-window capacity per (principal, resource).
// HasCapacity-then-Consume races are avoided by making Consume an atomic
// check-and-deduct under the tracker mutex.
type Tracker struct {
	mu     sync.Mutex
	limits map[string]Limit
	usage  map[usageKey][]Record
	clock  func() time.Time
}

// NewTracker creates an empty tracker with no configured limits.
func NewTracker() *Tracker {
	return &Tracker{
		limits: make(map[string]Limit),
		usage:  make(map[usageKey][]Record),
		clock:  time.Now,
	}
}

// WithClock overrides the time source for testing.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// ConfigureLimit sets the window capacity for a resource.
func (t *Tracker) ConfigureLimit(resource string, capacity int64, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[resource] = Limit{Capacity: capacity, Window: window, Enabled: true}
}

// Limits returns a copy of the configured limits.
func (t *Tracker) Limits() map[string]Limit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Limit, len(t.limits))
	for r, l := range t.limits {
		out[r] = l
	}
	return out
}

// Configured reports whether the resource has an enabled limit.
func (t *Tracker) Configured(resource string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limits[resource]
	return ok && l.Enabled
}

// prune drops records outside the window. Caller holds t.mu.
func (t *Tracker) prune(key usageKey, window time.Duration, now time.Time) []Record {
	records := t.usage[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(records) && !records[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		records = append([]Record(nil), records[i:]...)
		if len(records) == 0 {
			delete(t.usage, key)
		} else {
			t.usage[key] = records
		}
	}
	return records
}

// used sums in-window usage. Caller holds t.mu.
func (t *Tracker) used(key usageKey, window time.Duration, now time.Time) int64 {
	var sum int64
	for _, r := range t.prune(key, window, now) {
		sum += r.Amount
	}
	return sum
}

// HasCapacity reports whether amount units fit in the current window.
func (t *Tracker) HasCapacity(principal, resource string, amount int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit, ok := t.limits[resource]
	if !ok || !limit.Enabled {
		return true
	}
	key := usageKey{principal, resource}
	return t.used(key, limit.Window, t.clock())+amount <= limit.Capacity
}

// Consume atomically checks capacity and records usage. It never goes
// negative: a consume that would exceed capacity fails without recording.
func (t *Tracker) Consume(principal, resource string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	limit, ok := t.limits[resource]
	if !ok || !limit.Enabled {
		// Unconfigured resources are unmetered.
		return nil
	}
	if amount > limit.Capacity {
		return ErrExceedsCapacity
	}

	now := t.clock()
	key := usageKey{principal, resource}
	if t.used(key, limit.Window, now)+amount > limit.Capacity {
		retry, _ := t.timeUntil(key, limit, amount, now)
		return &RateLimitedError{Resource: resource, RetryAfter: retry}
	}

	t.usage[key] = append(t.usage[key], Record{At: now, Amount: amount})
	return nil
}

// Remaining returns the unconsumed capacity in the current window.
func (t *Tracker) Remaining(principal, resource string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit, ok := t.limits[resource]
	if !ok || !limit.Enabled {
		return 0
	}
	remaining := limit.Capacity - t.used(usageKey{principal, resource}, limit.Window, t.clock())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// timeUntil computes how long until amount units free up. Caller holds t.mu.
func (t *Tracker) timeUntil(key usageKey, limit Limit, amount int64, now time.Time) (time.Duration, error) {
	if amount > limit.Capacity {
		return 0, ErrExceedsCapacity
	}
	records := t.prune(key, limit.Window, now)
	var used int64
	for _, r := range records {
		used += r.Amount
	}
	need := used + amount - limit.Capacity
	if need <= 0 {
		return 0, nil
	}
	// Records expire oldest-first; walk until enough has drained.
	var freed int64
	for _, r := range records {
		freed += r.Amount
		if freed >= need {
			d := r.At.Add(limit.Window).Sub(now)
			if d < 0 {
				d = 0
			}
			return d, nil
		}
	}
	return 0, ErrExceedsCapacity
}

// TimeUntilCapacity returns the duration until amount units of capacity
// become available. Zero means capacity exists now.
func (t *Tracker) TimeUntilCapacity(principal, resource string, amount int64) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	limit, ok := t.limits[resource]
	if !ok || !limit.Enabled {
		return 0, nil
	}
	return t.timeUntil(usageKey{principal, resource}, limit, amount, t.clock())
}

// WaitForCapacity blocks until amount units can be consumed, then consumes
// them. The deadline is carried by ctx; cancellation leaves no usage
// recorded for this call.
func (t *Tracker) WaitForCapacity(ctx context.Context, principal, resource string, amount int64) error {
	for {
		err := t.Consume(principal, resource, amount)
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return err
		}

		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check; another consumer may have taken the freed capacity.
		}
	}
}

// Snapshot returns a deep copy of all in-window usage records.
func (t *Tracker) Snapshot() map[string]map[string][]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]map[string][]Record)
	for key, records := range t.usage {
		byResource, ok := out[key.Principal]
		if !ok {
			byResource = make(map[string][]Record)
			out[key.Principal] = byResource
		}
		byResource[key.Resource] = append([]Record(nil), records...)
	}
	return out
}

// Restore replaces all usage records with the snapshot contents.
// Configured limits are unaffected.
func (t *Tracker) Restore(snapshot map[string]map[string][]Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage = make(map[usageKey][]Record)
	for principal, byResource := range snapshot {
		for resource, records := range byResource {
			t.usage[usageKey{principal, resource}] = append([]Record(nil), records...)
		}
	}
}

// Package scheduler runs one cooperative worker per autonomous principal.
// A worker drives its principal's observe/decide/execute cycle, pauses on
// resource exhaustion or repeated errors, sleeps on demand, and drains
// cleanly on stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-labs/agora/pkg/eventlog"
	"github.com/emergent-labs/agora/pkg/kernel"
)

// State is the worker lifecycle state.
type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Sleeping State = "sleeping"
	Paused   State = "paused"
	Stopping State = "stopping"
	Stopped  State = "stopped"
)

// WakeCondition wakes a sleeping worker. Exactly one field is set; the
// first satisfied condition wakes.
type WakeCondition struct {
	// At wakes when the deadline passes.
	At time.Time
	// Event wakes when a matching event lands in the log after sleep began.
	Event func(*eventlog.Event) bool
	// Resource and ResourceAmount wake when the rate tracker has at least
	// that much capacity for the principal.
	Resource       string
	ResourceAmount int64
}

// Directive is one decision-engine verdict: run an action, go to sleep,
// or (zero value) skip this iteration.
type Directive struct {
	Action func(ctx context.Context) error
	Sleep  *WakeCondition
}

// DecisionEngine produces the principal's next step from an observation.
// An LLM client in production; a scripted stub in tests.
type DecisionEngine interface {
	DecideAction(ctx context.Context, obs *kernel.Observation) (Directive, error)
}

// Config bounds the loop.
type Config struct {
	MinLoopDelay          time.Duration
	MaxLoopDelay          time.Duration
	ResourceCheckInterval time.Duration
	MaxConsecutiveErrors  int
	ResourcesToCheck      []string
}

// DefaultConfig mirrors the stock agent_loop settings.
func DefaultConfig() Config {
	return Config{
		MinLoopDelay:          100 * time.Millisecond,
		MaxLoopDelay:          5 * time.Second,
		ResourceCheckInterval: 250 * time.Millisecond,
		MaxConsecutiveErrors:  5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinLoopDelay <= 0 {
		c.MinLoopDelay = d.MinLoopDelay
	}
	if c.MaxLoopDelay <= 0 {
		c.MaxLoopDelay = d.MaxLoopDelay
	}
	if c.ResourceCheckInterval <= 0 {
		c.ResourceCheckInterval = d.ResourceCheckInterval
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return c
}

// Worker is one principal's loop. Create through Scheduler.StartWorker.
type Worker struct {
	principal string
	engine    DecisionEngine
	kernel    *kernel.Kernel
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	lastErr  error
	resumeCh chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Principal returns the worker's principal id.
func (w *Worker) Principal() string { return w.principal }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastError returns the most recent iteration error, if any.
func (w *Worker) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Resume moves a paused worker back to Running.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Paused {
		select {
		case w.resumeCh <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	prev := w.state
	// Stop wins: once requested, the only transition left to event is the
	// terminal one, so a late Running or Paused cannot land after it.
	if prev == Stopped || (prev == Stopping && s != Stopped) {
		w.mu.Unlock()
		return
	}
	w.state = s
	w.mu.Unlock()
	if prev == s {
		return
	}
	if _, err := w.kernel.Log().Append(eventlog.TypeAgentStateChange, w.principal, map[string]any{
		"from": string(prev),
		"to":   string(s),
	}); err != nil {
		w.logger.Warn("failed to record state change", "error", err)
	}
}

// run is the loop body. It exits only when ctx is cancelled; the current
// iteration always completes first (cooperative cancellation).
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(Stopped)

	w.setState(Running)
	delay := w.cfg.MinLoopDelay
	consecutive := 0
	lastSeq := w.kernel.Log().LastSequence()

	for {
		if ctx.Err() != nil {
			return
		}

		// 1. Resource gates. An empty gate pauses the worker rather than
		// killing it; capacity returning (or Resume) unpauses.
		if gated, resource := w.gatedResource(); gated {
			w.setState(Paused)
			w.logger.Debug("paused on resource", "resource", resource)
			if !w.waitForGates(ctx) {
				return
			}
			w.setState(Running)
		}

		// 2. Observe and decide.
		obs := w.kernel.Observe(w.principal, lastSeq)
		if err := w.lastError(); err != nil {
			obs.LastError = err.Error()
		}
		lastSeq = obs.LastSequence

		directive, err := w.engine.DecideAction(ctx, obs)
		if err == nil && directive.Sleep != nil {
			if !w.sleep(ctx, *directive.Sleep) {
				return
			}
			continue
		}
		if err == nil && directive.Action != nil {
			// 3. Execute through the kernel. The primitive runs to
			// completion even if stop was requested meanwhile.
			err = directive.Action(ctx)
		}

		// 4. Outcome tracking with exponential backoff.
		if err != nil {
			w.setError(err)
			consecutive++
			if consecutive >= w.cfg.MaxConsecutiveErrors {
				w.setState(Paused)
				w.logger.Warn("paused after consecutive errors", "count", consecutive, "error", err)
				if !w.waitForResume(ctx) {
					return
				}
				consecutive = 0
				delay = w.cfg.MinLoopDelay
				w.setState(Running)
				continue
			}
			delay *= 2
			if delay > w.cfg.MaxLoopDelay {
				delay = w.cfg.MaxLoopDelay
			}
		} else {
			w.setError(nil)
			consecutive = 0
			delay = w.cfg.MinLoopDelay
		}

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

func (w *Worker) lastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// gatedResource reports the first configured resource with no capacity.
func (w *Worker) gatedResource() (bool, string) {
	tracker := w.kernel.Tracker()
	for _, resource := range w.cfg.ResourcesToCheck {
		if !tracker.Configured(resource) {
			continue
		}
		if !tracker.HasCapacity(w.principal, resource, 1) {
			return true, resource
		}
	}
	return false, ""
}

// waitForGates polls until all resource gates pass, Resume is called, or
// ctx ends. Returns false when the worker should exit.
func (w *Worker) waitForGates(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-w.resumeCh:
			return true
		case <-time.After(w.cfg.ResourceCheckInterval):
			if gated, _ := w.gatedResource(); !gated {
				return true
			}
		}
	}
}

// waitForResume blocks a paused worker until Resume or shutdown.
func (w *Worker) waitForResume(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-w.resumeCh:
		return true
	}
}

// sleep parks the worker until the wake condition fires. Polling interval
// is the resource check interval. Returns false on shutdown.
func (w *Worker) sleep(ctx context.Context, cond WakeCondition) bool {
	w.setState(Sleeping)
	sleptAt := w.kernel.Log().LastSequence()

	for {
		if w.awake(cond, sleptAt) {
			w.setState(Running)
			return true
		}
		if !sleepCtx(ctx, w.cfg.ResourceCheckInterval) {
			return false
		}
	}
}

func (w *Worker) awake(cond WakeCondition, sleptAt uint64) bool {
	if !cond.At.IsZero() && !time.Now().Before(cond.At) {
		return true
	}
	if cond.Event != nil {
		last := w.kernel.Log().LastSequence()
		if last > sleptAt {
			events, err := w.kernel.Log().Range(sleptAt+1, last)
			if err == nil {
				for _, e := range events {
					if cond.Event(e) {
						return true
					}
				}
			}
		}
	}
	if cond.Resource != "" &&
		w.kernel.Tracker().HasCapacity(w.principal, cond.Resource, cond.ResourceAmount) {
		return true
	}
	return false
}

// stop requests shutdown and waits up to timeout for the loop to drain.
func (w *Worker) stop(timeout time.Duration) error {
	w.setState(Stopping)
	w.cancel()
	w.Resume()
	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler: worker %s did not stop within %s", w.principal, timeout)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-labs/agora/pkg/kernel"
)

// ErrAlreadyRunning is returned when a principal already has a worker.
var ErrAlreadyRunning = errors.New("scheduler: worker already running")

// ErrNoWorker is returned for lifecycle calls on unknown principals.
var ErrNoWorker = errors.New("scheduler: no such worker")

// Scheduler owns the workers. One per autonomous principal.
type Scheduler struct {
	kernel *kernel.Kernel
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker
}

// New creates an empty scheduler over the kernel.
func New(k *kernel.Kernel) *Scheduler {
	return &Scheduler{
		kernel:  k,
		logger:  slog.Default().With("component", "scheduler"),
		workers: make(map[string]*Worker),
	}
}

// StartWorker launches a worker goroutine for the principal.
func (s *Scheduler) StartWorker(principal string, engine DecisionEngine, cfg Config) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[principal]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, principal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		principal: principal,
		engine:    engine,
		kernel:    s.kernel,
		cfg:       cfg.withDefaults(),
		logger:    s.logger.With("principal", principal),
		state:     Starting,
		resumeCh:  make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.workers[principal] = w
	go w.run(ctx)
	return w, nil
}

// Worker returns the live worker for a principal.
func (s *Scheduler) Worker(principal string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[principal]
	return w, ok
}

// States returns each principal's current state.
func (s *Scheduler) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.workers))
	for principal, w := range s.workers {
		out[principal] = w.State()
	}
	return out
}

// StopWorker stops one worker and removes it.
func (s *Scheduler) StopWorker(principal string, timeout time.Duration) error {
	s.mu.Lock()
	w, ok := s.workers[principal]
	if ok {
		delete(s.workers, principal)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWorker, principal)
	}
	return w.stop(timeout)
}

// StopAll stops every worker concurrently, sharing the timeout. In-flight
// iterations complete; the first failure is returned.
func (s *Scheduler) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()

	errCh := make(chan error, len(workers))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.stop(timeout); err != nil {
				errCh <- err
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	return <-errCh
}

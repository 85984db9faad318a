// Package eventlog is the append-only stream of all state-mutating
// outcomes. Sequence numbers come from a single counter and are strictly
// monotonic across all event types; no event is ever mutated or deleted.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Event types emitted by the kernel.
const (
	TypeArtifactCreated    = "artifact_created"
	TypeArtifactWritten    = "artifact_written"
	TypeArtifactEdited     = "artifact_edited"
	TypeArtifactDeleted    = "artifact_deleted"
	TypeResourceConsumed   = "resource_consumed"
	TypeResourceSpent      = "resource_spent"
	TypeResourceAllocated  = "resource_allocated"
	TypeTransfer           = "transfer"
	TypePermissionDecision = "permission_decision"
	TypeDanglingFallback   = "dangling_contract_fallback"
	TypeAgentStateChange   = "agent_state_change"
)

var (
	// ErrNotFound is returned for sequence numbers past the head.
	ErrNotFound = errors.New("eventlog: event not found")
	// ErrInvalidRange is returned for malformed replay ranges.
	ErrInvalidRange = errors.New("eventlog: invalid range")
)

// Event is the envelope appended for every mutation.
type Event struct {
	Sequence    uint64         `json:"sequence"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"type"`
	Principal   string         `json:"principal,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	EventID     string         `json:"event_id"`
	PayloadHash string         `json:"payload_hash,omitempty"`
}

// Sink receives every committed event. Sink errors are logged, never
// propagated; the in-memory log remains the source of truth.
type Sink interface {
	Write(event *Event) error
}

// Filter selects events for a subscription. A nil filter matches all.
type Filter func(*Event) bool

// Subscription is a buffered live feed of matching events.
type Subscription struct {
	ch      chan *Event
	filter  Filter
	dropped uint64
	mu      sync.Mutex
	closed  bool
}

// Events returns the subscription channel.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Dropped reports events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.filter != nil && !s.filter(e) {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped++
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Log is the in-memory authoritative event log.
type Log struct {
	mu     sync.RWMutex
	events []*Event
	seq    uint64
	subs   map[*Subscription]struct{}
	sinks  []Sink
	clock  func() time.Time
	logger *slog.Logger
}

// New creates an empty log.
func New() *Log {
	return &Log{
		subs:   make(map[*Subscription]struct{}),
		clock:  time.Now,
		logger: slog.Default().With("component", "eventlog"),
	}
}

// WithClock overrides the time source for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// AddSink attaches a durable sink. Must be called before events flow.
func (l *Log) AddSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Append commits one event, assigning the next sequence number and a
// canonical payload hash. It is the only mutation the log supports.
func (l *Log) Append(eventType, principal string, data map[string]any) (*Event, error) {
	l.mu.Lock()
	l.seq++
	event := &Event{
		Sequence:  l.seq,
		Timestamp: l.clock().UTC(),
		Type:      eventType,
		Principal: principal,
		Data:      data,
		EventID:   uuid.New().String(),
	}
	hash, err := payloadHash(data)
	if err != nil {
		l.seq--
		l.mu.Unlock()
		return nil, fmt.Errorf("eventlog: hash payload: %w", err)
	}
	event.PayloadHash = hash
	l.events = append(l.events, event)
	sinks := l.sinks
	subs := make([]*Subscription, 0, len(l.subs))
	for sub := range l.subs {
		subs = append(subs, sub)
	}
	l.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Write(event); err != nil {
			l.logger.Warn("sink write failed", "seq", event.Sequence, "err", err)
		}
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
	return event, nil
}

// Get retrieves an event by sequence number.
func (l *Log) Get(seq uint64) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return nil, ErrNotFound
	}
	return l.events[seq-1], nil
}

// Range returns events with sequence in [start, end], clamped to the head.
func (l *Log) Range(start, end uint64) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if start == 0 || start > end {
		return nil, ErrInvalidRange
	}
	max := uint64(len(l.events))
	if start > max {
		return []*Event{}, nil
	}
	if end > max {
		end = max
	}
	out := make([]*Event, end-start+1)
	copy(out, l.events[start-1:end])
	return out, nil
}

// Replay streams all events with sequence > from to fn, in order. A
// non-nil error from fn stops the replay.
func (l *Log) Replay(from uint64, fn func(*Event) error) error {
	l.mu.RLock()
	events := make([]*Event, 0, len(l.events))
	for _, e := range l.events {
		if e.Sequence > from {
			events = append(events, e)
		}
	}
	l.mu.RUnlock()

	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a live feed. Events that arrive while the buffer is
// full are dropped and counted, never blocked on.
func (l *Log) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{ch: make(chan *Event, buffer), filter: filter}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes the subscription.
func (l *Log) Unsubscribe(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
	sub.close()
}

// LastSequence returns the highest committed sequence number.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// payloadHash computes a canonical (JCS) SHA-256 of the event data, so
// identical payloads hash identically regardless of map ordering.
func payloadHash(data map[string]any) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

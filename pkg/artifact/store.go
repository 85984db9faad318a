package artifact

import (
	"fmt"
	"sync"
	"time"

	"github.com/emergent-labs/agora/pkg/eventlog"
)

// Store is the exclusive writer of artifacts. Mutations are serialized
// under the store mutex; readers run concurrently and observe either the
// pre- or the post-state of any write, never a half-applied one.
//
// The store does not decide permissions. Callers route through the
// permission engine first; the store enforces only structural invariants
// (id uniqueness, type immutability, the genesis_ reservation).
type Store struct {
	mu            sync.RWMutex
	artifacts     map[string]*Artifact
	log           *eventlog.Log
	bootstrapOpen bool
	clock         func() time.Time
}

// NewStore creates an empty store with the bootstrap window open. The
// kernel closes it once genesis artifacts exist.
func NewStore(log *eventlog.Log) *Store {
	return &Store{
		artifacts:     make(map[string]*Artifact),
		log:           log,
		bootstrapOpen: true,
		clock:         time.Now,
	}
}

// WithClock overrides the time source for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// CloseBootstrap ends the privileged phase. After this no genesis_ id can
// be written, by anyone, ever.
func (s *Store) CloseBootstrap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootstrapOpen = false
}

// BootstrapOpen reports whether the privileged phase is still active.
func (s *Store) BootstrapOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bootstrapOpen
}

// Get returns a copy of the artifact, or ErrNotFound. Free of cost and
// never blocks on writers beyond the read lock.
func (s *Store) Get(id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a.Copy(), nil
}

// Exists reports whether the id resolves, without copying.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.artifacts[id]
	return ok
}

// List returns copies of all artifacts matching the filter (nil matches
// all). Order is unspecified.
func (s *Store) List(filter func(*Artifact) bool) []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Artifact
	for _, a := range s.artifacts {
		if filter == nil || filter(a) {
			out = append(out, a.Copy())
		}
	}
	return out
}

// Write creates or rewrites an artifact. On fresh creation CreatedBy is
// stamped from the asserting caller and state.writer is seeded to the
// creator when the caller did not supply one. Rewrites that declare a
// different type fail with ErrTypeImmutable.
func (s *Store) Write(id string, fields Fields, caller string) (*Artifact, error) {
	return s.put(id, fields, caller, false)
}

// Create is a create-only write: it fails with ErrIDConflict when the id
// already exists instead of rewriting it. Existence check and write
// happen under one lock acquisition, so of N racing creators exactly one
// wins and the rest conflict.
func (s *Store) Create(id string, fields Fields, caller string) (*Artifact, error) {
	return s.put(id, fields, caller, true)
}

// put holds the store lock through the event append: no reader can
// observe a mutation whose event has not committed, and an append
// failure rolls the entry back.
func (s *Store) put(id string, fields Fields, caller string, createOnly bool) (*Artifact, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()

	if IsGenesis(id) && !s.bootstrapOpen {
		return nil, fmt.Errorf("%w: %s", ErrReservedPrefix, id)
	}

	existing, ok := s.artifacts[id]
	if ok {
		if createOnly {
			return nil, fmt.Errorf("%w: %s", ErrIDConflict, id)
		}
		if fields.Type != "" && fields.Type != existing.Type {
			return nil, fmt.Errorf("%w: %s is %q, not %q", ErrTypeImmutable, id, existing.Type, fields.Type)
		}
		updated := existing.Copy()
		if fields.Content != nil {
			updated.Content = copyMap(fields.Content)
		}
		if fields.State != nil {
			updated.State = copyMap(fields.State)
		}
		switch {
		case fields.ClearAccessContract:
			updated.AccessContractID = ""
		case fields.AccessContractID != "":
			updated.AccessContractID = fields.AccessContractID
		}
		if fields.Interface != nil {
			updated.Interface = append([]Method(nil), fields.Interface...)
		}
		updated.UpdatedAt = now
		s.artifacts[id] = updated

		if _, err := s.log.Append(eventlog.TypeArtifactWritten, caller, map[string]any{
			"id":   id,
			"type": updated.Type,
		}); err != nil {
			s.artifacts[id] = existing
			return nil, err
		}
		return updated.Copy(), nil
	}

	created := &Artifact{
		ID:               id,
		Type:             fields.Type,
		Content:          copyMap(fields.Content),
		CreatedBy:        caller,
		AccessContractID: fields.AccessContractID,
		HasStanding:      fields.HasStanding,
		CanExecute:       fields.CanExecute,
		State:            copyMap(fields.State),
		Interface:        append([]Method(nil), fields.Interface...),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if created.Type == "" {
		created.Type = "data"
	}
	if created.State == nil {
		created.State = map[string]any{}
	}
	if _, hasWriter := created.State[StateKeyWriter]; !hasWriter {
		created.State[StateKeyWriter] = caller
	}
	s.artifacts[id] = created

	if _, err := s.log.Append(eventlog.TypeArtifactCreated, caller, map[string]any{
		"id":   id,
		"type": created.Type,
	}); err != nil {
		delete(s.artifacts, id)
		return nil, err
	}
	return created.Copy(), nil
}

// Edit applies a surgical patch to the artifact's content. Patch keys with
// nil values delete the key; a "type" key is rejected.
func (s *Store) Edit(id string, patch map[string]any, caller string) (*Artifact, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if _, ok := patch["type"]; ok {
		return nil, fmt.Errorf("%w: edit may not change type of %s", ErrTypeImmutable, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := existing.Copy()
	if updated.Content == nil {
		updated.Content = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(updated.Content, k)
			continue
		}
		updated.Content[k] = v
	}
	updated.UpdatedAt = s.clock().UTC()
	s.artifacts[id] = updated

	if _, err := s.log.Append(eventlog.TypeArtifactEdited, caller, map[string]any{
		"id":   id,
		"keys": patchKeys(patch),
	}); err != nil {
		s.artifacts[id] = existing
		return nil, err
	}
	return updated.Copy(), nil
}

// SetState mutates one key of the artifact's state map. State is the
// surface contracts read, so changes are evented like edits.
func (s *Store) SetState(id, key string, value any, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated := existing.Copy()
	if updated.State == nil {
		updated.State = map[string]any{}
	}
	if value == nil {
		delete(updated.State, key)
	} else {
		updated.State[key] = value
	}
	updated.UpdatedAt = s.clock().UTC()
	s.artifacts[id] = updated

	if _, err := s.log.Append(eventlog.TypeArtifactEdited, caller, map[string]any{
		"id":    id,
		"state": key,
	}); err != nil {
		s.artifacts[id] = existing
		return err
	}
	return nil
}

// Delete removes the artifact. It does not cascade: artifacts that still
// reference the deleted id as their contract become dangling and are
// handled by the permission engine's fallback.
func (s *Store) Delete(id string, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.artifacts, id)

	if _, err := s.log.Append(eventlog.TypeArtifactDeleted, caller, map[string]any{
		"id": id,
	}); err != nil {
		s.artifacts[id] = existing
		return err
	}
	return nil
}

// Snapshot returns deep copies of every artifact.
func (s *Store) Snapshot() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a.Copy())
	}
	return out
}

// Restore replaces the store contents with the snapshot. Bootstrap state
// is untouched; restoring never reopens the privileged phase.
func (s *Store) Restore(artifacts []*Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = make(map[string]*Artifact, len(artifacts))
	for _, a := range artifacts {
		s.artifacts[a.ID] = a.Copy()
	}
}

func patchKeys(patch map[string]any) []string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return keys
}

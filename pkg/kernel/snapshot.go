package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/ledger"
	"github.com/emergent-labs/agora/pkg/ratelimit"
)

// Snapshot captures the kernel's observable state: artifacts, balances,
// rate records, and the position in the event stream. Restoring yields an
// observationally identical kernel; history before the snapshot is the
// event log's concern, not the snapshot's.
type Snapshot struct {
	ID           string                                   `json:"id"`
	TakenAt      time.Time                                `json:"taken_at"`
	LastSequence uint64                                   `json:"last_sequence"`
	Artifacts    []*artifact.Artifact                     `json:"artifacts"`
	Balances     []ledger.Entry                           `json:"balances"`
	Rates        map[string]map[string][]ratelimit.Record `json:"rates,omitempty"`
	Hash         string                                   `json:"hash,omitempty"`
}

// TakeSnapshot captures the current state. Callers pause workers first;
// the kernel itself only guarantees each component's snapshot is
// individually consistent.
func (k *Kernel) TakeSnapshot() (*Snapshot, error) {
	s := &Snapshot{
		ID:           uuid.NewString(),
		TakenAt:      time.Now().UTC(),
		LastSequence: k.log.LastSequence(),
		Artifacts:    k.store.Snapshot(),
		Balances:     k.ledgers.Snapshot(),
		Rates:        k.tracker.Snapshot(),
	}
	hash, err := snapshotHash(s)
	if err != nil {
		return nil, err
	}
	s.Hash = hash
	return s, nil
}

// RestoreSnapshot replaces kernel state with the snapshot's after
// verifying its hash. The event sequence keeps climbing from wherever the
// live log is; sequences are never reissued.
func (k *Kernel) RestoreSnapshot(s *Snapshot) error {
	if s.Hash != "" {
		hash, err := snapshotHash(s)
		if err != nil {
			return err
		}
		if hash != s.Hash {
			return fmt.Errorf("kernel: snapshot %s hash mismatch", s.ID)
		}
	}
	k.store.Restore(s.Artifacts)
	k.ledgers.Restore(s.Balances)
	k.tracker.Restore(s.Rates)
	return nil
}

// SaveSnapshot writes the snapshot as JSON to path.
func (k *Kernel) SaveSnapshot(path string) (*Snapshot, error) {
	s, err := k.TakeSnapshot()
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("kernel: marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("kernel: write snapshot %s: %w", path, err)
	}
	return s, nil
}

// LoadSnapshot reads a snapshot file and restores it.
func (k *Kernel) LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: read snapshot %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("kernel: decode snapshot %s: %w", path, err)
	}
	if err := k.RestoreSnapshot(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// snapshotHash is the canonical JSON hash of the snapshot minus the hash
// field itself.
func snapshotHash(s *Snapshot) (string, error) {
	clone := *s
	clone.Hash = ""
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("kernel: marshal for hash: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("kernel: canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

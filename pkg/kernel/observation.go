package kernel

import (
	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/eventlog"
)

// Observation is the read-only world view handed to a decision engine at
// the top of each loop iteration. Building one mutates nothing and costs
// nothing; the scheduler charges the decision itself.
type Observation struct {
	Principal    string            `json:"principal"`
	Balances     map[string]int64  `json:"balances"`
	Remaining    map[string]int64  `json:"remaining"`
	OwnArtifacts []string          `json:"own_artifacts"`
	LastSequence uint64            `json:"last_sequence"`
	Recent       []*eventlog.Event `json:"recent,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// Observe assembles the principal's view: its balances, remaining rate
// capacity for every configured resource, the ids it created, and events
// since the given sequence.
func (k *Kernel) Observe(principal string, sinceSeq uint64) *Observation {
	obs := &Observation{
		Principal:    principal,
		Balances:     k.ledgers.Balances(principal),
		Remaining:    make(map[string]int64),
		LastSequence: k.log.LastSequence(),
	}
	for resource := range k.tracker.Limits() {
		obs.Remaining[resource] = k.tracker.Remaining(principal, resource)
	}
	for _, a := range k.store.List(func(a *artifact.Artifact) bool { return a.CreatedBy == principal }) {
		obs.OwnArtifacts = append(obs.OwnArtifacts, a.ID)
	}
	if sinceSeq < obs.LastSequence {
		if events, err := k.log.Range(sinceSeq+1, obs.LastSequence); err == nil {
			obs.Recent = events
		}
	}
	return obs
}

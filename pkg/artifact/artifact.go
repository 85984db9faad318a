// Package artifact provides the authoritative index of artifacts: the
// uniform addressable objects that agents, contracts, data, and rights all
// are. All mutation flows through the Store's four primitives.
package artifact

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// GenesisPrefix marks ids that may only be assigned during bootstrap.
const GenesisPrefix = "genesis_"

// Well-known state key naming the current authorized modifier. Seeded to
// the creator when a write does not supply one.
const StateKeyWriter = "writer"

var (
	// ErrNotFound is returned when an id does not resolve.
	ErrNotFound = errors.New("artifact: not found")
	// ErrTypeImmutable is returned when a write or edit would change an
	// artifact's type after creation.
	ErrTypeImmutable = errors.New("artifact: type is immutable")
	// ErrReservedPrefix is returned for genesis_-prefixed writes after
	// bootstrap has closed.
	ErrReservedPrefix = errors.New("artifact: genesis_ prefix is reserved")
	// ErrIDConflict is returned when a create-only write hits an existing id.
	ErrIDConflict = errors.New("artifact: id already exists")
	// ErrInvalidID is returned for empty ids.
	ErrInvalidID = errors.New("artifact: id must not be empty")
)

// Method describes one invokable entry point of an executable artifact.
type Method struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Artifact is the universal object. Type and CreatedBy are fixed at
// creation; CreatedBy is provenance only and never drives authorization.
type Artifact struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Content          map[string]any `json:"content,omitempty"`
	CreatedBy        string         `json:"created_by"`
	AccessContractID string         `json:"access_contract_id,omitempty"`
	HasStanding      bool           `json:"has_standing"`
	CanExecute       bool           `json:"can_execute"`
	State            map[string]any `json:"state,omitempty"`
	Interface        []Method       `json:"interface,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Copy returns a deep copy, so readers never alias store-held maps.
func (a *Artifact) Copy() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Content = copyMap(a.Content)
	out.State = copyMap(a.State)
	if a.Interface != nil {
		out.Interface = append([]Method(nil), a.Interface...)
	}
	return &out
}

// HasMethod reports whether the artifact declares the named method.
func (a *Artifact) HasMethod(name string) bool {
	for _, m := range a.Interface {
		if m.Name == name {
			return true
		}
	}
	return false
}

// IsGenesis reports whether the id carries the reserved prefix.
func IsGenesis(id string) bool {
	return strings.HasPrefix(id, GenesisPrefix)
}

// Fields is the payload of a write primitive. Zero-valued fields of an
// existing artifact keep their current value, except Content and State,
// which are replaced when non-nil.
type Fields struct {
	Type             string
	Content          map[string]any
	AccessContractID string
	// ClearAccessContract resets the contract pointer to null on rewrite,
	// returning the artifact to the default policy. An empty
	// AccessContractID alone keeps the current pointer.
	ClearAccessContract bool
	HasStanding         bool
	CanExecute          bool
	State               map[string]any
	Interface           []Method
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func validateID(id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if strings.ContainsAny(id, " \t\n") {
		return fmt.Errorf("artifact: id %q contains whitespace: %w", id, ErrInvalidID)
	}
	return nil
}

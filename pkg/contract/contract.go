// Package contract implements the permission engine: every action on an
// artifact is authorized by evaluating the target's access contract in a
// bounded sandbox. Contracts are themselves artifacts, so the economy can
// rewrite its own access rules at runtime.
package contract

import (
	"context"
	"errors"
	"time"
)

// Action is one of the five primitive verbs a contract can rule on.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionEdit   Action = "edit"
	ActionInvoke Action = "invoke"
	ActionDelete Action = "delete"
)

// Actions lists every primitive verb.
var Actions = []Action{ActionRead, ActionWrite, ActionEdit, ActionInvoke, ActionDelete}

var (
	// ErrDepthExceeded is returned when contract evaluation recurses past
	// the configured ceiling.
	ErrDepthExceeded = errors.New("contract: evaluation depth exceeded")
	// ErrTimeout is returned when a contract does not decide within the
	// configured evaluation window.
	ErrTimeout = errors.New("contract: evaluation timed out")
	// ErrMalformed is returned when a contract artifact carries no
	// evaluable body.
	ErrMalformed = errors.New("contract: malformed contract body")
)

// CheckContext is everything a contract may see when deciding. Caller is
// the immediate caller of the primitive, not the root of the call chain;
// BillingPrincipal is the root, threaded through for fee routing only.
type CheckContext struct {
	Caller           string         `json:"caller"`
	Action           Action         `json:"action"`
	TargetID         string         `json:"target_id"`
	TargetState      map[string]any `json:"target_state,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	Method           string         `json:"method,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	BillingPrincipal string         `json:"billing_principal,omitempty"`
	Depth            int            `json:"depth"`
}

// Decision is a contract's verdict. Cost, when positive, is a fee in
// scrip charged to the payer on success; Recipient names who collects it.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	Cost          int64  `json:"cost,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	ResourcePayer string `json:"resource_payer,omitempty"`
}

// Allow is the zero-cost permit.
func Allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

// Deny is the refusal.
func Deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Contract evaluates one access check. Implementations must be safe for
// concurrent use and must respect ctx cancellation.
type Contract interface {
	Check(ctx context.Context, cc CheckContext) (Decision, error)
}

// Limits bounds contract evaluation. The engine applies them uniformly
// across CEL, WASM, and native contracts.
type Limits struct {
	MaxDepth    int
	EvalTimeout time.Duration
}

// DefaultLimits mirrors the stock configuration.
func DefaultLimits() Limits {
	return Limits{MaxDepth: 10, EvalTimeout: 30 * time.Second}
}

package kernel

import (
	"errors"
	"fmt"
)

// Reason codes carried by kernel errors. Stable strings: they surface in
// events and observations, and decision engines branch on them.
const (
	ReasonNotFound             = "not_found"
	ReasonPermissionDenied     = "permission_denied"
	ReasonInsufficientResource = "insufficient_resource"
	ReasonRateLimited          = "rate_limited"
	ReasonTypeImmutable        = "type_immutable"
	ReasonReservedPrefix       = "reserved_prefix"
	ReasonDepthExceeded        = "depth_exceeded"
	ReasonSandboxTimeout       = "sandbox_timeout"
	ReasonContractError        = "contract_error"
	ReasonInvalidArgument      = "invalid_argument"
)

var (
	ErrPermissionDenied = errors.New("kernel: permission denied")
	ErrNotExecutable    = errors.New("kernel: artifact is not executable")
	ErrNoSuchMethod     = errors.New("kernel: no such method")
	ErrNoHandler        = errors.New("kernel: no handler registered")
	ErrInvalidArgument  = errors.New("kernel: invalid argument")
	ErrClosed           = errors.New("kernel: closed")
)

// PermissionError carries the contract's human-readable reason alongside
// the sentinel.
type PermissionError struct {
	Caller string
	Action string
	Target string
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("kernel: %s denied %s on %s: %s", e.Caller, e.Action, e.Target, e.Reason)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

package contract

import "context"

// LedgerView is the read-only balance surface a contract may consult
// while deciding. Satisfied by *ledger.Ledger.
type LedgerView interface {
	Balance(principal, resource string) int64
	Balances(principal string) map[string]int64
}

// Invoker re-enters the kernel from inside a contract evaluation. The
// caller is the contract artifact itself, billing stays with the
// originator, and depth arrives already incremented so chains terminate
// at the configured ceiling. Satisfied by *kernel.Kernel.
type Invoker interface {
	ContractInvoke(ctx context.Context, caller, billing string, depth int, target, method string, args map[string]any) (any, error)
}

// Package ledger holds per-principal balances for depletable resources
// (scrip, budgets) and allocatable quotas. Every balance is non-negative at
// every stable state; operations that would violate that fail atomically.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidAmount is returned for negative amounts.
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")
	// ErrOverflow is returned when a credit would overflow the balance.
	ErrOverflow = errors.New("ledger: balance overflow")
	// ErrInsufficient is the sentinel behind InsufficientError, for
	// errors.Is checks that do not need the amounts.
	ErrInsufficient = errors.New("ledger: insufficient balance")
)

// InsufficientError reports a debit or transfer that would drive a balance
// below zero. Both endpoints of a failed transfer are left unchanged.
type InsufficientError struct {
	Principal string
	Resource  string
	Balance   int64
	Requested int64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("ledger: insufficient %s for %s: have %d, need %d",
		e.Resource, e.Principal, e.Balance, e.Requested)
}

func (e *InsufficientError) Unwrap() error { return ErrInsufficient }

// SpendReceipt is evidence of a completed debit or transfer.
type SpendReceipt struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Resource  string    `json:"resource"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type balanceKey struct {
	Principal string
	Resource  string
}

// Ledger is the authoritative balance store. Balances are implicitly zero
// on first reference and are mutated only under the ledger mutex.
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]int64
	clock    func() time.Time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]int64),
		clock:    time.Now,
	}
}

// WithClock overrides the time source for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Balance returns the current balance, zero for untouched pairs.
func (l *Ledger) Balance(principal, resource string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{principal, resource}]
}

// Balances returns a copy of every balance held by the principal.
func (l *Ledger) Balances(principal string) map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64)
	for key, amount := range l.balances {
		if key.Principal == principal {
			out[key.Resource] = amount
		}
	}
	return out
}

// Credit adds amount to the balance.
func (l *Ledger) Credit(principal, resource string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{principal, resource}
	if l.balances[key] > math.MaxInt64-amount {
		return ErrOverflow
	}
	l.balances[key] += amount
	return nil
}

// Debit subtracts amount from the balance, failing if the result would be
// negative. On success a receipt is returned for the event log.
func (l *Ledger) Debit(principal, resource string, amount int64) (*SpendReceipt, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := balanceKey{principal, resource}
	if l.balances[key] < amount {
		return nil, &InsufficientError{
			Principal: principal,
			Resource:  resource,
			Balance:   l.balances[key],
			Requested: amount,
		}
	}
	l.balances[key] -= amount
	return &SpendReceipt{
		ID:        uuid.New().String(),
		From:      principal,
		Resource:  resource,
		Amount:    amount,
		Timestamp: l.clock().UTC(),
	}, nil
}

// Transfer moves amount between principals as one atomic step. A failed
// transfer leaves both balances untouched.
func (l *Ledger) Transfer(from, to, resource string, amount int64) (*SpendReceipt, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromKey := balanceKey{from, resource}
	toKey := balanceKey{to, resource}
	if l.balances[fromKey] < amount {
		return nil, &InsufficientError{
			Principal: from,
			Resource:  resource,
			Balance:   l.balances[fromKey],
			Requested: amount,
		}
	}
	if l.balances[toKey] > math.MaxInt64-amount {
		return nil, ErrOverflow
	}
	l.balances[fromKey] -= amount
	l.balances[toKey] += amount
	return &SpendReceipt{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Resource:  resource,
		Amount:    amount,
		Timestamp: l.clock().UTC(),
	}, nil
}

// Entry is one principal/resource balance in a snapshot.
type Entry struct {
	Principal string `json:"principal"`
	Resource  string `json:"resource"`
	Amount    int64  `json:"amount"`
}

// Snapshot returns a copy of every balance.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make([]Entry, 0, len(l.balances))
	for key, amount := range l.balances {
		entries = append(entries, Entry{Principal: key.Principal, Resource: key.Resource, Amount: amount})
	}
	return entries
}

// Restore replaces all balances with the snapshot contents.
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[balanceKey]int64, len(entries))
	for _, e := range entries {
		l.balances[balanceKey{e.Principal, e.Resource}] = e.Amount
	}
}

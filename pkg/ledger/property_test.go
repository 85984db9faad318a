//go:build property
// +build property

package ledger_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/emergent-labs/agora/pkg/ledger"
)

// TestBalancesNeverNegative verifies that arbitrary interleavings of
// credits, debits, and transfers never observe a negative balance, and that
// transfers conserve the total supply.
func TestBalancesNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	principals := []string{"alice", "bob", "carol"}

	properties.Property("no operation drives a balance below zero", prop.ForAll(
		func(ops []int64) bool {
			l := ledger.New()
			var total int64
			for _, op := range ops {
				from := principals[op%3]
				to := principals[(op/3)%3]
				amount := op % 50
				switch (op / 9) % 3 {
				case 0:
					if l.Credit(from, "scrip", amount) == nil {
						total += amount
					}
				case 1:
					if _, err := l.Debit(from, "scrip", amount); err == nil {
						total -= amount
					}
				case 2:
					_, _ = l.Transfer(from, to, "scrip", amount)
				}
				var sum int64
				for _, p := range principals {
					b := l.Balance(p, "scrip")
					if b < 0 {
						return false
					}
					sum += b
				}
				if sum != total {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

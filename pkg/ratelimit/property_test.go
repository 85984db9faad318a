//go:build property
// +build property

package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/emergent-labs/agora/pkg/ratelimit"
)

// TestWindowNeverOversubscribed verifies that no interleaving of consume
// attempts and clock advances pushes in-window usage past capacity.
func TestWindowNeverOversubscribed(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("in-window usage stays within capacity", prop.ForAll(
		func(amounts []int64, advances []int64) bool {
			var mu sync.Mutex
			now := time.Unix(0, 0)
			tr := ratelimit.NewTracker().WithClock(func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				return now
			})
			const capacity = 100
			tr.ConfigureLimit("r", capacity, 10*time.Second)

			for i, amount := range amounts {
				if amount <= 0 {
					continue
				}
				_ = tr.Consume("p", "r", amount%150)
				if i < len(advances) && advances[i] > 0 {
					mu.Lock()
					now = now.Add(time.Duration(advances[i]%5000) * time.Millisecond)
					mu.Unlock()
				}
				if tr.Remaining("p", "r") < 0 {
					return false
				}
				if capacity-tr.Remaining("p", "r") > capacity {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 149)),
		gen.SliceOf(gen.Int64Range(0, 4999)),
	))

	properties.TestingRun(t)
}

package contract

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/eventlog"
)

func newTestEngine(t *testing.T, opts Options) (*Engine, *artifact.Store, *eventlog.Log) {
	t.Helper()
	log := eventlog.New()
	store := artifact.NewStore(log)
	return NewEngine(store, log, opts), store, log
}

func check(t *testing.T, e *Engine, store *artifact.Store, caller string, action Action, targetID string) (Decision, error) {
	t.Helper()
	target, err := store.Get(targetID)
	require.NoError(t, err)
	return e.Check(context.Background(), CheckContext{
		Caller:           caller,
		Action:           action,
		TargetID:         target.ID,
		TargetState:      target.State,
		CreatedBy:        target.CreatedBy,
		BillingPrincipal: caller,
	}, target)
}

func TestNullContractDefaultsToCreatorOnly(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())
	_, err := store.Write("art1", artifact.Fields{Type: "data"}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "art1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "creator_only denies even reads to non-creators")

	d, err = check(t, e, store, "alice", ActionRead, "art1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = check(t, e, store, "bob", ActionWrite, "art1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestNullContractPolicyConfigurable(t *testing.T) {
	opts := DefaultOptions()
	opts.DefaultWhenNull = "freeware"
	e, store, _ := newTestEngine(t, opts)
	_, err := store.Write("open1", artifact.Fields{Type: "data"}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "open1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = check(t, e, store, "bob", ActionWrite, "open1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestCELContractPricesAccess(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())

	_, err := store.Write("toll", artifact.Fields{
		Type: "contract",
		Content: map[string]any{
			"cel": `action == "read"
				? {"allowed": true, "cost": 5, "recipient": created_by}
				: {"allowed": caller == created_by}`,
		},
	}, "alice")
	require.NoError(t, err)

	_, err = store.Write("paper", artifact.Fields{
		Type:             "data",
		AccessContractID: "toll",
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "paper")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(5), d.Cost)
	assert.Equal(t, "alice", d.Recipient)

	d, err = check(t, e, store, "bob", ActionEdit, "paper")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = check(t, e, store, "alice", ActionEdit, "paper")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Cost)
}

func TestDanglingContractFallsBackToFreeware(t *testing.T) {
	e, store, log := newTestEngine(t, DefaultOptions())

	_, err := store.Write("art2", artifact.Fields{
		Type:             "data",
		AccessContractID: "gone",
	}, "alice")
	require.NoError(t, err)

	// Fallback is the freeware contract: read opens up, write stays with
	// the creator.
	d, err := check(t, e, store, "bob", ActionRead, "art2")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "dangling contract must fail open for reads")

	d, err = check(t, e, store, "bob", ActionWrite, "art2")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "freeware fallback still restricts writes")

	var fallbacks int
	require.NoError(t, log.Replay(0, func(ev *eventlog.Event) error {
		if ev.Type == eventlog.TypeDanglingFallback {
			fallbacks++
			assert.Equal(t, "art2", ev.Data["target"])
			assert.Equal(t, "gone", ev.Data["missing"])
		}
		return nil
	}))
	assert.Equal(t, 2, fallbacks)
}

func TestDepthExceededDenies(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits.MaxDepth = 3
	e, store, _ := newTestEngine(t, opts)
	_, err := store.Write("a1", artifact.Fields{Type: "data"}, "alice")
	require.NoError(t, err)

	target, err := store.Get("a1")
	require.NoError(t, err)
	d, err := e.Check(context.Background(), CheckContext{
		Caller:   "bob",
		Action:   ActionInvoke,
		TargetID: "a1",
		Depth:    4,
	}, target)
	assert.ErrorIs(t, err, ErrDepthExceeded)
	assert.False(t, d.Allowed)
}

func TestSelfReferentialContract(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())

	// A contract governed by itself: reads are open, mutation is not.
	_, err := store.Write("selfgov", artifact.Fields{
		Type:             "contract",
		AccessContractID: "selfgov",
		Content:          map[string]any{"cel": `action == "read"`},
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "selfgov")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = check(t, e, store, "bob", ActionEdit, "selfgov")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMalformedContractDenies(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())

	_, err := store.Write("junk", artifact.Fields{
		Type:    "contract",
		Content: map[string]any{"note": "no body here"},
	}, "alice")
	require.NoError(t, err)
	_, err = store.Write("doc", artifact.Fields{
		Type:             "data",
		AccessContractID: "junk",
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "doc")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, d.Allowed)
}

type stallContract struct{}

func (stallContract) Check(ctx context.Context, _ CheckContext) (Decision, error) {
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return Allow("too late"), nil
}

func TestEvaluationTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.Limits.EvalTimeout = 20 * time.Millisecond
	e, _, _ := newTestEngine(t, opts)

	_, err := e.evaluate(context.Background(), stallContract{}, CheckContext{})
	assert.ErrorIs(t, err, ErrTimeout)
}

type panicContract struct{}

func (panicContract) Check(context.Context, CheckContext) (Decision, error) {
	panic("hostile contract")
}

func TestPanicIsContained(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultOptions())

	_, err := e.evaluate(context.Background(), panicContract{}, CheckContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestDecisionsAreEvented(t *testing.T) {
	e, store, log := newTestEngine(t, DefaultOptions())
	_, err := store.Write("a1", artifact.Fields{
		Type:             "data",
		AccessContractID: GenesisPrivate,
	}, "alice")
	require.NoError(t, err)

	_, err = check(t, e, store, "alice", ActionWrite, "a1")
	require.NoError(t, err)
	_, err = check(t, e, store, "mallory", ActionWrite, "a1")
	require.NoError(t, err)

	var allowed, denied int
	require.NoError(t, log.Replay(0, func(ev *eventlog.Event) error {
		if ev.Type != eventlog.TypePermissionDecision {
			return nil
		}
		if ev.Data["allowed"] == true {
			allowed++
		} else {
			denied++
		}
		return nil
	}))
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, denied)
}

func TestContractCacheInvalidatesOnRewrite(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())

	_, err := store.Write("flip", artifact.Fields{
		Type:    "contract",
		Content: map[string]any{"cel": `false`},
	}, "alice")
	require.NoError(t, err)
	_, err = store.Write("doc", artifact.Fields{
		Type:             "data",
		AccessContractID: "flip",
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "doc")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// UpdatedAt must differ for the cache key to roll over.
	time.Sleep(2 * time.Millisecond)
	_, err = store.Write("flip", artifact.Fields{Content: map[string]any{"cel": `true`}}, "alice")
	require.NoError(t, err)

	d, err = check(t, e, store, "bob", ActionRead, "doc")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type stubLedger map[string]map[string]int64

func (s stubLedger) Balance(principal, resource string) int64 { return s[principal][resource] }
func (s stubLedger) Balances(principal string) map[string]int64 {
	return s[principal]
}

type stubInvoker struct {
	caller string
	depth  int
	out    any
}

func (s *stubInvoker) ContractInvoke(_ context.Context, caller, billing string, depth int, target, method string, args map[string]any) (any, error) {
	s.caller, s.depth = caller, depth
	return s.out, nil
}

func TestBoundContractReadsBalances(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())
	e.Bind(stubLedger{"rich": {"currency": 50}}, nil)

	_, err := store.Write("c_wealth", artifact.Fields{
		Type:    "contract",
		Content: map[string]any{"cel": `balance(caller, "currency") >= 10`},
	}, "alice")
	require.NoError(t, err)
	_, err = store.Write("club", artifact.Fields{
		Type:             "data",
		AccessContractID: "c_wealth",
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "rich", ActionRead, "club")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = check(t, e, store, "poor", ActionRead, "club")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestBoundContractReentersAsItself(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())
	inv := &stubInvoker{out: "ok"}
	e.Bind(stubLedger{}, inv)

	_, err := store.Write("c_vouched", artifact.Fields{
		Type:    "contract",
		Content: map[string]any{"cel": `invoke("oracle", "approve", {"subject": caller}) == "ok"`},
	}, "alice")
	require.NoError(t, err)
	_, err = store.Write("vault", artifact.Fields{
		Type:             "data",
		AccessContractID: "c_vouched",
	}, "alice")
	require.NoError(t, err)

	target, err := store.Get("vault")
	require.NoError(t, err)
	d, err := e.Check(context.Background(), CheckContext{
		Caller:           "bob",
		Action:           ActionRead,
		TargetID:         "vault",
		BillingPrincipal: "bob",
		Depth:            3,
	}, target)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "c_vouched", inv.caller, "the contract artifact is the re-entrant caller")
	assert.Equal(t, 4, inv.depth, "re-entry is one level deeper than the triggering check")
}

func TestUnboundInvokeDenies(t *testing.T) {
	e, store, _ := newTestEngine(t, DefaultOptions())

	_, err := store.Write("c_needy", artifact.Fields{
		Type:    "contract",
		Content: map[string]any{"cel": `invoke("oracle", "approve", {}) == "ok"`},
	}, "alice")
	require.NoError(t, err)
	_, err = store.Write("vault", artifact.Fields{
		Type:             "data",
		AccessContractID: "c_needy",
	}, "alice")
	require.NoError(t, err)

	d, err := check(t, e, store, "bob", ActionRead, "vault")
	require.Error(t, err)
	assert.False(t, d.Allowed)
}

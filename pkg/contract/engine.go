package contract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/eventlog"
)

// Options configures the engine's default policies and limits.
type Options struct {
	Limits Limits
	// DefaultWhenNull names the policy applied when an artifact declares
	// no contract at all: creator_only, freeware, private, self_owned.
	DefaultWhenNull string
	// DefaultOnMissing is the contract id evaluated when the declared
	// contract does not resolve (it was deleted out from under the
	// artifact). Fail-open by design: a deleted contract must not brick
	// the artifacts that referenced it.
	DefaultOnMissing string
}

// DefaultOptions: fresh artifacts belong to their creator; orphaned ones
// degrade to freeware rather than locking out.
func DefaultOptions() Options {
	return Options{
		Limits:           DefaultLimits(),
		DefaultWhenNull:  "creator_only",
		DefaultOnMissing: GenesisFreeware,
	}
}

// ArtifactSource resolves contract artifacts. Satisfied by *artifact.Store.
type ArtifactSource interface {
	Get(id string) (*artifact.Artifact, error)
}

// Engine is the permission engine. Every primitive call routes through
// Check before touching the target. The engine decides; it never mutates.
type Engine struct {
	source ArtifactSource
	log    *eventlog.Log
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]cachedContract
	view    LedgerView
	invoker Invoker
}

type cachedContract struct {
	contract  Contract
	updatedAt time.Time
}

// NewEngine builds an engine over the artifact source.
func NewEngine(source ArtifactSource, log *eventlog.Log, opts Options) *Engine {
	if opts.Limits.MaxDepth <= 0 {
		opts.Limits.MaxDepth = DefaultLimits().MaxDepth
	}
	if opts.Limits.EvalTimeout <= 0 {
		opts.Limits.EvalTimeout = DefaultLimits().EvalTimeout
	}
	if opts.DefaultWhenNull == "" {
		opts.DefaultWhenNull = "creator_only"
	}
	if opts.DefaultOnMissing == "" {
		opts.DefaultOnMissing = GenesisFreeware
	}
	return &Engine{
		source: source,
		log:    log,
		opts:   opts,
		logger: slog.Default().With("component", "contract-engine"),
		cache:  make(map[string]cachedContract),
	}
}

// MaxDepth exposes the configured recursion ceiling.
func (e *Engine) MaxDepth() int { return e.opts.Limits.MaxDepth }

// Bind attaches the capability surface contracts evaluate against: the
// read-only ledger view and the re-entrant invoker. The kernel calls it
// once at construction; the compile cache is flushed so contracts
// resolved earlier pick the capabilities up.
func (e *Engine) Bind(view LedgerView, invoker Invoker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.view = view
	e.invoker = invoker
	e.cache = make(map[string]cachedContract)
}

// Check authorizes one action against the target artifact. The decision,
// allowed or denied, is always evented; callers act only on the return.
func (e *Engine) Check(ctx context.Context, cc CheckContext, target *artifact.Artifact) (Decision, error) {
	if cc.Depth > e.opts.Limits.MaxDepth {
		d := Deny("depth exceeded")
		e.record(cc, d, "depth_exceeded")
		return d, fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, cc.Depth, e.opts.Limits.MaxDepth)
	}

	contractID := target.AccessContractID
	via := "contract"

	var c Contract
	if contractID == "" {
		policy, ok := NativeByPolicy(e.opts.DefaultWhenNull)
		if !ok {
			policy = CreatorOnly
		}
		c = policy
		via = "default_policy"
	} else {
		var err error
		c, err = e.resolve(ctx, contractID)
		if err == errDangling {
			if _, aerr := e.log.Append(eventlog.TypeDanglingFallback, cc.Caller, map[string]any{
				"target":  target.ID,
				"missing": contractID,
			}); aerr != nil {
				return Decision{}, aerr
			}
			c, err = e.resolve(ctx, e.opts.DefaultOnMissing)
			if err != nil {
				// Even the fallback is gone. Open up rather than brick.
				d := Allow("dangling contract, no fallback")
				e.record(cc, d, "dangling_contract")
				return d, nil
			}
			via = "dangling_fallback"
		} else if err != nil {
			d := Deny(err.Error())
			e.record(cc, d, "malformed_contract")
			return d, err
		}
	}

	d, err := e.evaluate(ctx, c, cc)
	if err != nil {
		d = Deny(fmt.Sprintf("contract error: %v", err))
		e.record(cc, d, "eval_error")
		return d, err
	}
	e.record(cc, d, via)
	return d, nil
}

var errDangling = fmt.Errorf("contract: dangling reference")

// resolve turns a contract id into an evaluable Contract, caching the
// compiled form keyed on the artifact's update time.
func (e *Engine) resolve(ctx context.Context, id string) (Contract, error) {
	if c, ok := NativeByID(id); ok {
		return c, nil
	}

	a, err := e.source.Get(id)
	if err != nil {
		return nil, errDangling
	}

	e.mu.Lock()
	cached, hit := e.cache[id]
	view, invoker := e.view, e.invoker
	e.mu.Unlock()
	if hit && cached.updatedAt.Equal(a.UpdatedAt) {
		return cached.contract, nil
	}

	var c Contract
	switch {
	case a.Content["cel"] != nil:
		expr, ok := a.Content["cel"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s cel body is not a string", ErrMalformed, id)
		}
		var cc *CELContract
		cc, err = CompileCEL(expr)
		if err == nil {
			c = cc.WithCaps(id, view, invoker)
		}
	case a.Content["wasm_base64"] != nil:
		blob, ok := a.Content["wasm_base64"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s wasm body is not a string", ErrMalformed, id)
		}
		var wc *WASMContract
		wc, err = CompileWASM(ctx, blob)
		if err == nil {
			c = wc.WithLedger(view)
		}
	default:
		return nil, fmt.Errorf("%w: %s has no cel or wasm body", ErrMalformed, id)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[id] = cachedContract{contract: c, updatedAt: a.UpdatedAt}
	e.mu.Unlock()
	return c, nil
}

// evaluate runs the contract under the timeout, isolated from panics. A
// contract that panics or stalls denies; it never takes the kernel down.
func (e *Engine) evaluate(ctx context.Context, c Contract, cc CheckContext) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Limits.EvalTimeout)
	defer cancel()

	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("contract: panic during evaluation: %v", r)}
			}
		}()
		d, err := c.Check(ctx, cc)
		ch <- result{d: d, err: err}
	}()

	select {
	case r := <-ch:
		return r.d, r.err
	case <-ctx.Done():
		return Decision{}, fmt.Errorf("%w after %s", ErrTimeout, e.opts.Limits.EvalTimeout)
	}
}

func (e *Engine) record(cc CheckContext, d Decision, via string) {
	if _, err := e.log.Append(eventlog.TypePermissionDecision, cc.Caller, map[string]any{
		"action":  string(cc.Action),
		"target":  cc.TargetID,
		"allowed": d.Allowed,
		"reason":  d.Reason,
		"via":     via,
	}); err != nil {
		e.logger.Warn("failed to record permission decision", "target", cc.TargetID, "error", err)
	}
}

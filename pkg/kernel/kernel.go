// Package kernel composes the store, ledger, rate tracker, permission
// engine, and event log into the five primitives every caller uses:
// Read, Write, Edit, Invoke, Delete. The kernel is a plain value handed
// by reference to its collaborators; there are no package-level globals.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/contract"
	"github.com/emergent-labs/agora/pkg/eventlog"
	"github.com/emergent-labs/agora/pkg/ledger"
	"github.com/emergent-labs/agora/pkg/ratelimit"
)

// ResourceCurrency is the depletable scrip resource.
const ResourceCurrency = "currency"

// ResourceActions is the renewable resource consumed per primitive when a
// limit is configured for it.
const ResourceActions = "actions"

// Options configures the kernel at construction.
type Options struct {
	Contracts contract.Options
	// Costs maps operation name (read, write, edit, invoke, delete,
	// transfer) to a flat scrip cost collected by the mint on success.
	Costs map[string]int64
}

// MethodHandler implements one method of an executable artifact. The
// handler receives a capability scoped to the invoked artifact: nested
// primitives issued through it carry the artifact as the immediate
// caller, with the billing principal unchanged and depth increased.
type MethodHandler func(ctx context.Context, caps *Caps, args map[string]any) (any, error)

type handlerKey struct {
	artifactID string
	method     string
}

// Kernel is the coordinator. Construct with New; all fields are owned.
type Kernel struct {
	store   *artifact.Store
	ledgers *ledger.Ledger
	tracker *ratelimit.Tracker
	engine  *contract.Engine
	log     *eventlog.Log
	opts    Options
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[handlerKey]MethodHandler
}

// New bootstraps a kernel: genesis artifacts are created with permission
// checks disabled, then the bootstrap window closes before New returns.
func New(opts Options) (*Kernel, error) {
	log := eventlog.New()
	store := artifact.NewStore(log)
	k := &Kernel{
		store:    store,
		ledgers:  ledger.New(),
		tracker:  ratelimit.NewTracker(),
		engine:   contract.NewEngine(store, log, opts.Contracts),
		log:      log,
		opts:     opts,
		logger:   slog.Default().With("component", "kernel"),
		handlers: make(map[handlerKey]MethodHandler),
	}
	k.engine.Bind(k.ledgers, k)
	if err := k.bootstrap(); err != nil {
		return nil, fmt.Errorf("kernel: bootstrap: %w", err)
	}
	store.CloseBootstrap()
	return k, nil
}

// ContractInvoke lets a contract under evaluation re-enter the kernel.
// The contract artifact is the immediate caller; depth arrives already
// incremented, so recursive chains terminate at the engine's ceiling.
func (k *Kernel) ContractInvoke(ctx context.Context, caller, billing string, depth int, target, method string, args map[string]any) (any, error) {
	return k.invoke(ctx, caller, billing, depth, target, method, args)
}

// Store exposes read-only store access for observations and tests.
func (k *Kernel) Store() *artifact.Store { return k.store }

// Ledger exposes the balance book.
func (k *Kernel) Ledger() *ledger.Ledger { return k.ledgers }

// Tracker exposes the rate tracker.
func (k *Kernel) Tracker() *ratelimit.Tracker { return k.tracker }

// Log exposes the event log for subscribe/replay.
func (k *Kernel) Log() *eventlog.Log { return k.log }

// Engine exposes the permission engine.
func (k *Kernel) Engine() *contract.Engine { return k.engine }

// RegisterHandler binds a Go function to (artifact id, method). Invoke
// dispatches to it after the permission check passes.
func (k *Kernel) RegisterHandler(artifactID, method string, h MethodHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.handlers[handlerKey{artifactID, method}] = h
}

func (k *Kernel) handler(artifactID, method string) (MethodHandler, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	h, ok := k.handlers[handlerKey{artifactID, method}]
	return h, ok
}

// Read returns the artifact after a permission check. Fees directed by
// the contract are settled after the read succeeds.
func (k *Kernel) Read(ctx context.Context, caller, id string) (*artifact.Artifact, error) {
	return k.read(ctx, caller, caller, 0, id)
}

func (k *Kernel) read(ctx context.Context, caller, billing string, depth int, id string) (*artifact.Artifact, error) {
	target, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	d, err := k.check(ctx, caller, billing, depth, contract.ActionRead, target, "", nil)
	if err != nil {
		return nil, err
	}
	if err := k.settle(caller, billing, target, d, "read"); err != nil {
		return nil, err
	}
	return target, nil
}

// Write creates or rewrites an artifact. Creating a fresh id needs no
// permission (anyone may mint new artifacts); rewriting an existing one
// is authorized by its contract.
func (k *Kernel) Write(ctx context.Context, caller, id string, fields artifact.Fields) (*artifact.Artifact, error) {
	return k.write(ctx, caller, caller, 0, id, fields)
}

func (k *Kernel) write(ctx context.Context, caller, billing string, depth int, id string, fields artifact.Fields) (*artifact.Artifact, error) {
	if err := k.charge(ctx, billing, "write"); err != nil {
		return nil, err
	}
	// Fresh creation needs no permission. Create is atomic, so when two
	// callers race the same id exactly one wins; the loser conflicts and
	// falls through to the rewrite path, where the winner's contract rules.
	a, err := k.store.Create(id, fields, caller)
	if err == nil {
		if perr := k.payBase(billing, "write"); perr != nil {
			return a, perr
		}
		return a, nil
	}
	if !errors.Is(err, artifact.ErrIDConflict) {
		return nil, err
	}
	existing, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	d, err := k.check(ctx, caller, billing, depth, contract.ActionWrite, existing, "", nil)
	if err != nil {
		return nil, err
	}
	a, err = k.store.Write(id, fields, caller)
	if err != nil {
		return nil, err
	}
	if serr := k.settle(caller, billing, existing, d, "write"); serr != nil {
		return a, serr
	}
	return a, nil
}

// Edit patches an artifact's content after its contract allows it.
func (k *Kernel) Edit(ctx context.Context, caller, id string, patch map[string]any) (*artifact.Artifact, error) {
	return k.edit(ctx, caller, caller, 0, id, patch)
}

func (k *Kernel) edit(ctx context.Context, caller, billing string, depth int, id string, patch map[string]any) (*artifact.Artifact, error) {
	if err := k.charge(ctx, billing, "edit"); err != nil {
		return nil, err
	}
	target, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	d, err := k.check(ctx, caller, billing, depth, contract.ActionEdit, target, "", nil)
	if err != nil {
		return nil, err
	}
	a, err := k.store.Edit(id, patch, caller)
	if err != nil {
		return nil, err
	}
	if err := k.settle(caller, billing, target, d, "edit"); err != nil {
		return a, err
	}
	return a, nil
}

// Delete removes an artifact after its contract allows it.
func (k *Kernel) Delete(ctx context.Context, caller, id string) error {
	return k.delete(ctx, caller, caller, 0, id)
}

func (k *Kernel) delete(ctx context.Context, caller, billing string, depth int, id string) error {
	if err := k.charge(ctx, billing, "delete"); err != nil {
		return err
	}
	target, err := k.store.Get(id)
	if err != nil {
		return err
	}
	d, err := k.check(ctx, caller, billing, depth, contract.ActionDelete, target, "", nil)
	if err != nil {
		return err
	}
	if err := k.store.Delete(id, caller); err != nil {
		return err
	}
	return k.settle(caller, billing, target, d, "delete")
}

// Invoke runs a method of an executable artifact. The registered handler
// receives a capability that keeps the immediate-caller model honest:
// primitives issued from inside the handler name the invoked artifact as
// caller while billing stays with the originator.
func (k *Kernel) Invoke(ctx context.Context, caller, id, method string, args map[string]any) (any, error) {
	return k.invoke(ctx, caller, caller, 0, id, method, args)
}

func (k *Kernel) invoke(ctx context.Context, caller, billing string, depth int, id, method string, args map[string]any) (any, error) {
	if depth > k.engine.MaxDepth() {
		return nil, fmt.Errorf("%w: invoke depth %d", contract.ErrDepthExceeded, depth)
	}
	if err := k.charge(ctx, billing, "invoke"); err != nil {
		return nil, err
	}
	target, err := k.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !target.CanExecute {
		return nil, fmt.Errorf("%w: %s", ErrNotExecutable, id)
	}
	if !target.HasMethod(method) {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, id, method)
	}
	d, err := k.check(ctx, caller, billing, depth, contract.ActionInvoke, target, method, args)
	if err != nil {
		return nil, err
	}

	h, ok := k.handler(id, method)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNoHandler, id, method)
	}
	caps := &Caps{kernel: k, caller: id, billing: billing, depth: depth + 1}
	out, err := h(ctx, caps, args)
	if err != nil {
		return nil, fmt.Errorf("kernel: invoke %s.%s: %w", id, method, err)
	}
	if err := k.settle(caller, billing, target, d, "invoke"); err != nil {
		return out, err
	}
	return out, nil
}

// Transfer moves scrip between principals and events the movement. The
// caller must be the debited principal; richer arrangements go through
// contracts.
func (k *Kernel) Transfer(ctx context.Context, caller, to, resource string, amount int64) error {
	if caller == "" || to == "" {
		return fmt.Errorf("%w: transfer endpoints", ErrInvalidArgument)
	}
	receipt, err := k.ledgers.Transfer(caller, to, resource, amount)
	if err != nil {
		return err
	}
	_, err = k.log.Append(eventlog.TypeTransfer, caller, map[string]any{
		"to":       to,
		"resource": resource,
		"amount":   amount,
		"receipt":  receipt.ID,
	})
	return err
}

// ConsumeResource spends renewable capacity on behalf of a principal and
// events the consumption. Used by the scheduler to charge decision costs
// before the activity runs.
func (k *Kernel) ConsumeResource(ctx context.Context, principal, resource string, amount int64) error {
	if err := k.tracker.Consume(principal, resource, amount); err != nil {
		return err
	}
	_, err := k.log.Append(eventlog.TypeResourceConsumed, principal, map[string]any{
		"resource": resource,
		"amount":   amount,
	})
	return err
}

// Grant credits a principal with depletable resource and events the
// allocation. Bootstrap and faucet paths use it.
func (k *Kernel) Grant(principal, resource string, amount int64) error {
	if err := k.ledgers.Credit(principal, resource, amount); err != nil {
		return err
	}
	_, err := k.log.Append(eventlog.TypeResourceAllocated, principal, map[string]any{
		"resource": resource,
		"amount":   amount,
	})
	return err
}

// check builds the minimal contract context and asks the engine.
func (k *Kernel) check(ctx context.Context, caller, billing string, depth int, action contract.Action, target *artifact.Artifact, method string, args map[string]any) (contract.Decision, error) {
	d, err := k.engine.Check(ctx, contract.CheckContext{
		Caller:           caller,
		Action:           action,
		TargetID:         target.ID,
		TargetState:      target.State,
		CreatedBy:        target.CreatedBy,
		Method:           method,
		Args:             args,
		BillingPrincipal: billing,
		Depth:            depth,
	}, target)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &PermissionError{Caller: caller, Action: string(action), Target: target.ID, Reason: d.Reason}
	}
	return d, nil
}

// charge is the first phase of the cost asymmetry: renewable capacity is
// consumed before the activity. A failure afterwards does not refund it.
func (k *Kernel) charge(ctx context.Context, billing, op string) error {
	if !k.tracker.Configured(ResourceActions) {
		return nil
	}
	if err := k.tracker.Consume(billing, ResourceActions, 1); err != nil {
		return err
	}
	_, err := k.log.Append(eventlog.TypeResourceConsumed, billing, map[string]any{
		"resource": ResourceActions,
		"amount":   int64(1),
		"op":       op,
	})
	return err
}

// settle is the second phase: scrip moves only after the action is known
// to have succeeded. The base operation cost goes to the mint; a
// contract-directed fee goes to its recipient.
func (k *Kernel) settle(caller, billing string, target *artifact.Artifact, d contract.Decision, op string) error {
	if err := k.payBase(billing, op); err != nil {
		return err
	}
	if d.Cost <= 0 {
		return nil
	}
	payer := billing
	if d.ResourcePayer == "self" {
		payer = target.ID
	}
	recipient := d.Recipient
	if recipient == "" {
		recipient = GenesisMint
	}
	receipt, err := k.ledgers.Transfer(payer, recipient, ResourceCurrency, d.Cost)
	if err != nil {
		return err
	}
	_, err = k.log.Append(eventlog.TypeResourceSpent, payer, map[string]any{
		"resource":  ResourceCurrency,
		"amount":    d.Cost,
		"recipient": recipient,
		"op":        op,
		"receipt":   receipt.ID,
	})
	return err
}

func (k *Kernel) payBase(billing, op string) error {
	cost := k.opts.Costs[op]
	if cost <= 0 {
		return nil
	}
	receipt, err := k.ledgers.Transfer(billing, GenesisMint, ResourceCurrency, cost)
	if err != nil {
		return err
	}
	_, err = k.log.Append(eventlog.TypeResourceSpent, billing, map[string]any{
		"resource":  ResourceCurrency,
		"amount":    cost,
		"recipient": GenesisMint,
		"op":        op,
		"receipt":   receipt.ID,
	})
	return err
}

// Caps is the capability handed to method handlers. Primitives issued
// through it carry the invoked artifact as the immediate caller; billing
// and depth thread through unchanged except depth+1 per hop.
type Caps struct {
	kernel  *Kernel
	caller  string
	billing string
	depth   int
}

// Caller is the artifact this capability acts as.
func (c *Caps) Caller() string { return c.caller }

// BillingPrincipal is the originator paying for the whole chain.
func (c *Caps) BillingPrincipal() string { return c.billing }

// Depth is the current nesting depth.
func (c *Caps) Depth() int { return c.depth }

func (c *Caps) Read(ctx context.Context, id string) (*artifact.Artifact, error) {
	return c.kernel.read(ctx, c.caller, c.billing, c.depth, id)
}

func (c *Caps) Write(ctx context.Context, id string, fields artifact.Fields) (*artifact.Artifact, error) {
	return c.kernel.write(ctx, c.caller, c.billing, c.depth, id, fields)
}

func (c *Caps) Edit(ctx context.Context, id string, patch map[string]any) (*artifact.Artifact, error) {
	return c.kernel.edit(ctx, c.caller, c.billing, c.depth, id, patch)
}

func (c *Caps) Delete(ctx context.Context, id string) error {
	return c.kernel.delete(ctx, c.caller, c.billing, c.depth, id)
}

func (c *Caps) Invoke(ctx context.Context, id, method string, args map[string]any) (any, error) {
	return c.kernel.invoke(ctx, c.caller, c.billing, c.depth, id, method, args)
}

// Balance exposes a read-only ledger view to handlers. Mutation flows
// only through decisions (cost, recipient) or explicit Transfer by the
// owning principal.
func (c *Caps) Balance(principal, resource string) int64 {
	return c.kernel.ledgers.Balance(principal, resource)
}

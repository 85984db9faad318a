package contract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WASMContract runs a WebAssembly module as a contract. The module reads
// a JSON check payload from stdin (the check context plus a read-only
// balance snapshot for the principals in play) and writes a JSON Decision
// to stdout. Deny-by-default: no filesystem, no network, no env vars, no
// clock.
type WASMContract struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	view     LedgerView
}

// wasmInput is the stdin payload.
type wasmInput struct {
	CheckContext
	Balances map[string]map[string]int64 `json:"balances,omitempty"`
}

// memoryLimitPages caps guest memory at 16 MiB (wazero pages are 64 KiB).
const memoryLimitPages = 256

// CompileWASM decodes the base64 module bytes and compiles them. The
// returned contract is safe for concurrent Check calls; Close releases
// the runtime.
func CompileWASM(ctx context.Context, wasmBase64 string) (*WASMContract, error) {
	wasmBytes, err := base64.StdEncoding.DecodeString(wasmBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wasm: %v", ErrMalformed, err)
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(memoryLimitPages)
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: compile wasm: %v", ErrMalformed, err)
	}
	return &WASMContract{runtime: r, compiled: compiled}, nil
}

// WithLedger grants the module a read-only balance snapshot in its input.
func (w *WASMContract) WithLedger(view LedgerView) *WASMContract {
	w.view = view
	return w
}

// stdinPayload builds the check payload. Balances cover the caller and
// the billing principal; anything else stays invisible to the guest.
func (w *WASMContract) stdinPayload(cc CheckContext) ([]byte, error) {
	in := wasmInput{CheckContext: cc}
	if w.view != nil {
		in.Balances = map[string]map[string]int64{
			cc.Caller: w.view.Balances(cc.Caller),
		}
		if cc.BillingPrincipal != "" && cc.BillingPrincipal != cc.Caller {
			in.Balances[cc.BillingPrincipal] = w.view.Balances(cc.BillingPrincipal)
		}
	}
	return json.Marshal(in)
}

// Check instantiates the module with the check payload on stdin. Any
// failure to produce a well-formed decision denies.
func (w *WASMContract) Check(ctx context.Context, cc CheckContext) (Decision, error) {
	input, err := w.stdinPayload(cc)
	if err != nil {
		return Decision{}, fmt.Errorf("contract: marshal check payload: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// No WithFSConfig, WithSysNanotime, or WithRandSource: the guest gets
	// no ambient authority.

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return Decision{}, fmt.Errorf("contract: wasm run: %w", err)
	}
	_ = mod.Close(ctx)

	var d Decision
	if err := json.Unmarshal(stdout.Bytes(), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: wasm output is not a decision: %v", ErrMalformed, err)
	}
	return d, nil
}

// Close releases the wazero runtime.
func (w *WASMContract) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

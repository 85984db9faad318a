package contract

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter/functions"
)

// CELContract evaluates a CEL expression stored in a contract artifact's
// content under the "cel" key. The expression may yield a bool (plain
// allow/deny) or a map shaped like Decision for priced permits.
//
// Beyond the check variables, contracts get two functions:
//
//	balance(principal, resource)  read-only ledger lookup
//	invoke(target, method, args)  re-enters the kernel as the contract
//	                              artifact, at depth + 1
type CELContract struct {
	expr string
	env  *cel.Env
	ast  *cel.Ast

	id      string
	view    LedgerView
	invoker Invoker
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func contractEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("caller", cel.StringType),
			cel.Variable("action", cel.StringType),
			cel.Variable("target_id", cel.StringType),
			cel.Variable("target_state", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("created_by", cel.StringType),
			cel.Variable("method", cel.StringType),
			cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("billing_principal", cel.StringType),
			// Declarations only; the bindings close over the live check
			// context and are attached per evaluation.
			cel.Function("balance",
				cel.Overload("balance_string_string",
					[]*cel.Type{cel.StringType, cel.StringType}, cel.IntType)),
			cel.Function("invoke",
				cel.Overload("invoke_string_string_map",
					[]*cel.Type{cel.StringType, cel.StringType, cel.MapType(cel.StringType, cel.DynType)},
					cel.DynType)),
		)
	})
	return celEnv, celEnvErr
}

// CompileCEL parses and type-checks the expression once; the resulting
// contract is safe for concurrent Check calls.
func CompileCEL(expr string) (*CELContract, error) {
	env, err := contractEnv()
	if err != nil {
		return nil, fmt.Errorf("contract: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile: %v", ErrMalformed, issues.Err())
	}
	return &CELContract{expr: expr, env: env, ast: ast}, nil
}

// WithCaps attaches the capability surface: the contract's own artifact
// id (it is the caller of any re-entrant invoke), the ledger view, and
// the invoker. Unbound contracts still evaluate; balance and invoke then
// error, which denies.
func (c *CELContract) WithCaps(id string, view LedgerView, invoker Invoker) *CELContract {
	c.id = id
	c.view = view
	c.invoker = invoker
	return c
}

// Check evaluates the expression against the check context.
func (c *CELContract) Check(ctx context.Context, cc CheckContext) (Decision, error) {
	state := cc.TargetState
	if state == nil {
		state = map[string]any{}
	}
	args := cc.Args
	if args == nil {
		args = map[string]any{}
	}
	prg, err := c.env.Program(c.ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(100000),
		cel.Functions(c.bindings(ctx, cc)...),
	)
	if err != nil {
		return Decision{}, fmt.Errorf("contract: cel program: %w", err)
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"caller":            cc.Caller,
		"action":            string(cc.Action),
		"target_id":         cc.TargetID,
		"target_state":      state,
		"created_by":        cc.CreatedBy,
		"method":            cc.Method,
		"args":              args,
		"billing_principal": cc.BillingPrincipal,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("contract: cel eval: %w", err)
	}
	return decisionFromCEL(out)
}

// bindings builds the per-evaluation function implementations. They close
// over the check context so a re-entrant invoke carries the right billing
// principal and an incremented depth.
func (c *CELContract) bindings(ctx context.Context, cc CheckContext) []*functions.Overload {
	return []*functions.Overload{
		{
			Operator: "balance_string_string",
			Binary: func(lhs, rhs ref.Val) ref.Val {
				principal, pok := lhs.Value().(string)
				resource, rok := rhs.Value().(string)
				if !pok || !rok {
					return types.NewErr("balance: arguments must be strings")
				}
				if c.view == nil {
					return types.NewErr("balance: no ledger bound")
				}
				return types.Int(c.view.Balance(principal, resource))
			},
		},
		{
			Operator: "invoke_string_string_map",
			Function: func(vals ...ref.Val) ref.Val {
				if len(vals) != 3 {
					return types.NewErr("invoke: want 3 arguments, got %d", len(vals))
				}
				target, tok := vals[0].Value().(string)
				method, mok := vals[1].Value().(string)
				if !tok || !mok {
					return types.NewErr("invoke: target and method must be strings")
				}
				if c.invoker == nil {
					return types.NewErr("invoke: no kernel bound")
				}
				native, err := vals[2].ConvertToNative(mapStringAnyType)
				if err != nil {
					return types.NewErr("invoke: args: %v", err)
				}
				args, _ := native.(map[string]any)
				out, err := c.invoker.ContractInvoke(ctx, c.id, cc.BillingPrincipal, cc.Depth+1, target, method, args)
				if err != nil {
					return types.NewErr("invoke %s.%s: %v", target, method, err)
				}
				return types.DefaultTypeAdapter.NativeToValue(out)
			},
		},
	}
}

func decisionFromCEL(out ref.Val) (Decision, error) {
	switch v := out.Value().(type) {
	case bool:
		if v {
			return Allow("cel"), nil
		}
		return Deny("cel"), nil
	}
	// Map-shaped result: {"allowed": bool, "cost": int, ...}.
	native, err := out.ConvertToNative(mapStringAnyType)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: result is neither bool nor map: %v", ErrMalformed, err)
	}
	m, ok := native.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("%w: unexpected cel result %T", ErrMalformed, native)
	}
	var d Decision
	if allowed, ok := m["allowed"].(bool); ok {
		d.Allowed = allowed
	}
	if reason, ok := m["reason"].(string); ok {
		d.Reason = reason
	}
	if cost, ok := m["cost"]; ok {
		d.Cost = toInt64(cost)
	}
	if recipient, ok := m["recipient"].(string); ok {
		d.Recipient = recipient
	}
	if payer, ok := m["resource_payer"].(string); ok {
		d.ResourcePayer = payer
	}
	return d, nil
}

var mapStringAnyType = reflect.TypeOf(map[string]any{})

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case types.Int:
		return int64(n)
	}
	return 0
}

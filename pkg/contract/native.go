package contract

import "context"

// Genesis contract ids. These are seeded at bootstrap so every artifact
// can reference a stock policy without writing its own contract.
const (
	GenesisFreeware    = "genesis_contract_freeware"
	GenesisPrivate     = "genesis_contract_private"
	GenesisCreatorOnly = "genesis_contract_creator_only"
	GenesisSelfOwned   = "genesis_contract_self_owned"
)

// NativeFunc adapts a plain function into a Contract.
type NativeFunc func(cc CheckContext) Decision

func (f NativeFunc) Check(_ context.Context, cc CheckContext) (Decision, error) {
	return f(cc), nil
}

// Freeware permits read and invoke for anyone; mutation stays with the
// creator. The default policy for published tools.
var Freeware = NativeFunc(func(cc CheckContext) Decision {
	switch cc.Action {
	case ActionRead, ActionInvoke:
		return Allow("freeware")
	default:
		if cc.Caller == cc.CreatedBy {
			return Allow("freeware: creator")
		}
		return Deny("freeware: mutation is creator-only")
	}
})

// CreatorOnly permits every action to the creator and nothing to anyone
// else, reads included. The stock default for fresh artifacts.
var CreatorOnly = NativeFunc(func(cc CheckContext) Decision {
	if cc.Caller == cc.CreatedBy {
		return Allow("creator_only: creator")
	}
	return Deny("creator_only")
})

// Private is CreatorOnly with invocation closed too: the artifact is the
// creator's alone and is never executable on behalf of others, or at all.
var Private = NativeFunc(func(cc CheckContext) Decision {
	if cc.Action == ActionInvoke {
		return Deny("private: not invokable")
	}
	if cc.Caller == cc.CreatedBy {
		return Allow("private: creator")
	}
	return Deny("private")
})

// SelfOwned grants the artifact authority over itself: only the artifact
// acting as its own caller (or its recorded writer) may mutate it. Used
// by agents to own their own definition.
var SelfOwned = NativeFunc(func(cc CheckContext) Decision {
	if cc.Action == ActionRead {
		return Allow("self_owned: read is open")
	}
	if cc.Caller == cc.TargetID {
		return Allow("self_owned: self")
	}
	if w, ok := cc.TargetState["writer"].(string); ok && w == cc.Caller {
		return Allow("self_owned: writer")
	}
	return Deny("self_owned")
})

// NativeByID resolves a genesis contract id to its built-in policy. The
// result is identical to evaluating the equivalent contract artifact; the
// short-circuit only skips the sandbox.
func NativeByID(id string) (Contract, bool) {
	switch id {
	case GenesisFreeware:
		return Freeware, true
	case GenesisPrivate:
		return Private, true
	case GenesisCreatorOnly:
		return CreatorOnly, true
	case GenesisSelfOwned:
		return SelfOwned, true
	}
	return nil, false
}

// NativeByPolicy resolves a policy name from configuration
// (contracts.default_when_null) to its built-in contract.
func NativeByPolicy(name string) (Contract, bool) {
	switch name {
	case "freeware":
		return Freeware, true
	case "private":
		return Private, true
	case "creator_only":
		return CreatorOnly, true
	case "self_owned":
		return SelfOwned, true
	}
	return nil, false
}

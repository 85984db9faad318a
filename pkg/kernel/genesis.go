package kernel

import (
	"fmt"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/contract"
)

// Genesis artifact ids. Created once during bootstrap, attributed to the
// synthetic kernel creator, never writable again.
const (
	GenesisKernel   = "genesis_kernel"
	GenesisLedger   = "genesis_ledger"
	GenesisEventLog = "genesis_event_log"
	GenesisStore    = "genesis_store"
	GenesisMint     = "genesis_mint"
)

// bootstrap runs inside New with the store's bootstrap window open, so
// permission checks are skipped and genesis_ ids are writable. Everything
// after New goes through the primitives like any other caller.
func (k *Kernel) bootstrap() error {
	type seed struct {
		id     string
		typ    string
		access string
		desc   string
	}
	system := []seed{
		{GenesisKernel, "system", contract.GenesisPrivate, "the kernel itself"},
		{GenesisLedger, "system", contract.GenesisPrivate, "balance book interface"},
		{GenesisEventLog, "system", contract.GenesisFreeware, "append-only history"},
		{GenesisStore, "system", contract.GenesisPrivate, "artifact index interface"},
		{GenesisMint, "system", contract.GenesisFreeware, "scrip sink and faucet"},
	}
	for _, s := range system {
		if _, err := k.store.Write(s.id, artifact.Fields{
			Type:             s.typ,
			Content:          map[string]any{"description": s.desc},
			AccessContractID: s.access,
			HasStanding:      s.id == GenesisMint,
		}, GenesisKernel); err != nil {
			return fmt.Errorf("seed %s: %w", s.id, err)
		}
	}

	// The stock contracts also exist as artifacts, so agents can read and
	// reference them; the engine short-circuits their ids to native code.
	contracts := []struct {
		id     string
		policy string
	}{
		{contract.GenesisFreeware, "freeware"},
		{contract.GenesisPrivate, "private"},
		{contract.GenesisCreatorOnly, "creator_only"},
		{contract.GenesisSelfOwned, "self_owned"},
	}
	for _, c := range contracts {
		if _, err := k.store.Write(c.id, artifact.Fields{
			Type:             "contract",
			Content:          map[string]any{"native": c.policy},
			AccessContractID: contract.GenesisFreeware,
		}, GenesisKernel); err != nil {
			return fmt.Errorf("seed %s: %w", c.id, err)
		}
	}
	return nil
}

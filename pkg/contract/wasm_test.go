package contract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileWASMRejectsBadBase64(t *testing.T) {
	_, err := CompileWASM(context.Background(), "not-base64!!!")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCompileWASMRejectsNonWasmBytes(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte("definitely not wasm"))
	_, err := CompileWASM(context.Background(), blob)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWASMPayloadCarriesBalanceSnapshot(t *testing.T) {
	w := (&WASMContract{}).WithLedger(stubLedger{
		"alice": {"currency": 7},
		"bob":   {"currency": 3},
	})
	raw, err := w.stdinPayload(CheckContext{
		Caller:           "alice",
		Action:           ActionRead,
		TargetID:         "doc",
		BillingPrincipal: "bob",
	})
	require.NoError(t, err)

	var in map[string]any
	require.NoError(t, json.Unmarshal(raw, &in))
	assert.Equal(t, "alice", in["caller"])
	balances, ok := in["balances"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, balances, "alice")
	assert.Contains(t, balances, "bob")
}

func TestWASMPayloadWithoutLedgerOmitsBalances(t *testing.T) {
	w := &WASMContract{}
	raw, err := w.stdinPayload(CheckContext{Caller: "alice", Action: ActionRead})
	require.NoError(t, err)

	var in map[string]any
	require.NoError(t, json.Unmarshal(raw, &in))
	_, present := in["balances"]
	assert.False(t, present)
}

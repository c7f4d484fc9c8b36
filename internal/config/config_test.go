package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.Equal(t, "IntentEscrow", cfg.Escrow.Name)
	require.EqualValues(t, DefaultChainID, cfg.Escrow.ChainID)
	require.Equal(t, cfg.VerifyingContract(), cfg.EscrowAccount())
	require.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := map[string]string{
		"chain":    "escrow: {name: E, version: '1', chain_id: 0, verifying_contract: '0x00000000000000000000000000000000000000aa'}",
		"contract": "escrow: {name: E, version: '1', chain_id: 1, verifying_contract: 'nope'}",
		"name":     "escrow: {version: '1', chain_id: 1, verifying_contract: '0x00000000000000000000000000000000000000aa'}",
		"level": `escrow: {name: E, version: '1', chain_id: 1, verifying_contract: '0x00000000000000000000000000000000000000aa'}
log: {level: loud}`,
		"webhook": `escrow: {name: E, version: '1', chain_id: 1, verifying_contract: '0x00000000000000000000000000000000000000aa'}
webhooks: [{events: [intent.created]}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadOptionalMissing(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = Load(t.TempDir())
	require.ErrorContains(t, err, "escrow init")
}

func TestLoadWebhooks(t *testing.T) {
	ws := t.TempDir()
	doc := `escrow: {name: E, version: '2', chain_id: 5, verifying_contract: '0x00000000000000000000000000000000000000aa'}
ledger: {escrow_account: '0x00000000000000000000000000000000000000bb'}
webhooks:
  - url: http://example.test/hook
    events: [intent.finalized]
    enabled: false
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "escrow.yml"), []byte(doc), 0o644))
	cfg, err := Load(ws)
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 1)
	require.False(t, cfg.Webhooks[0].IsEnabled())
	require.NotEqual(t, cfg.VerifyingContract(), cfg.EscrowAccount())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/colorfulnotion/settle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	def := engine.DefaultConfig()
	assert.Equal(t, def.MaxPending, ec.MaxPending)
	assert.Equal(t, def.BatchTimeout, ec.BatchTimeout)
	assert.Equal(t, def.SettlementInterval, ec.SettlementInterval)
	assert.True(t, def.PriorityGasPrice.Eq(ec.PriorityGasPrice))
	assert.Equal(t, batch.DefaultValidators(), ec.Batch.Validators)
	assert.Equal(t, types.Economic, ec.Finality.MinTier)
	assert.True(t, rollup.Tokens(1000).Eq(ec.OperatorStake))

	dev0, _ := common.DevAccount(0)
	assert.Equal(t, dev0, ec.Rollup.Submitter)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  batch_timeout: 250ms
  proof_mode: inline
batch:
  max_batch_size: 50
  validators: [signature, nonce]
finality:
  min_tier: absolute
genesis:
  dev_accounts: 2
  dev_balance: "1_000"
  accounts:
    - address: "0x00000000000000000000000000000000000000aa"
      token: USD
      balance: "42"
`))
	require.NoError(t, err)

	ec, err := cfg.EngineConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, ec.BatchTimeout)
	assert.Equal(t, engine.ProofInline, ec.ProofMode)
	assert.Equal(t, 50, ec.Batch.MaxBatchSize)
	assert.Equal(t, []batch.ValidatorKind{batch.ValidateSignature, batch.ValidateNonce}, ec.Batch.Validators)
	assert.Equal(t, types.Absolute, ec.Finality.MinTier)
	assert.Equal(t, 10*time.Second, ec.SettlementInterval, "untouched keys keep defaults")

	allocs, err := cfg.GenesisAllocs()
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	assert.Equal(t, uint64(1000), allocs[0].Balance.Uint64())
	assert.Equal(t, types.NativeToken, allocs[1].Token)
	assert.Equal(t, types.TokenType("USD"), allocs[2].Token)
	assert.Equal(t, common.HexToAddress("0xaa"), allocs[2].Address)
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "engine:\n  bogus: 1\n",
		"bad duration":    "engine:\n  batch_timeout: soon\n",
		"bad validator":   "batch:\n  validators: [signature, vibes]\n",
		"bad tier":        "finality:\n  min_tier: eventual\n",
		"bad amount":      "genesis:\n  dev_accounts: 1\n  dev_balance: lots\n",
		"bad address":     "rollup:\n  submitter: nobody\n",
		"bad proof mode":  "engine:\n  proof_mode: sometimes\n",
		"aggregate":       "engine:\n  aggregate_every: -1\n",
		"tier ordering":   "finality:\n  fast_confirmations: 20\n",
		"anchor":          "l1:\n  anchor: mainnet\n",
		"zero interval":   "engine:\n  cleanup_interval: 0s\n",
		"basis points":    "rollup:\n  slash_bps: 20000\n",
		"log level":       "log:\n  level: chatty\n",
		"sample ratio":    "telemetry:\n  sample_ratio: 2\n",
		"negative dev id": "rollup:\n  submitter: \"dev:-1\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxPending = 1234
	cfg.Rollup.ChallengePeriod = common.Duration(90 * time.Minute)
	data, err := cfg.Marshal()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Engine.MaxPending)
	assert.Equal(t, 90*time.Minute, loaded.Rollup.ChallengePeriod.Std())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, []string{"dev", "testnet"}, Presets())
	for _, id := range Presets() {
		cfg, err := ReadConfig(id)
		require.NoError(t, err, id)
		allocs, err := cfg.GenesisAllocs()
		require.NoError(t, err)
		assert.NotEmpty(t, allocs, id)
	}
	dev, err := ReadConfig("dev")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, dev.Rollup.ChallengePeriod.Std())
	assert.Equal(t, time.Second, dev.L1.BlockTime.Std())
}

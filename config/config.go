package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/finality"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/proof"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/telemetry"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v2"
)

const (
	AnchorSimulated = "simulated"

	RuntimeNone = "none"
	RuntimeKV   = "kv"
)

// Config is the settlenode configuration file. Durations are strings
// ("100ms"), amounts are decimal strings in the token's smallest unit.
type Config struct {
	Engine    EngineConfig     `yaml:"engine"`
	State     StateConfig      `yaml:"state"`
	Batch     BatchConfig      `yaml:"batch"`
	Rollup    RollupConfig     `yaml:"rollup"`
	Finality  FinalityConfig   `yaml:"finality"`
	Proof     ProofConfig      `yaml:"proof"`
	L1        L1Config         `yaml:"l1"`
	RPC       RPCConfig        `yaml:"rpc"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Genesis   GenesisConfig    `yaml:"genesis"`
}

type EngineConfig struct {
	MaxPending           int             `yaml:"max_pending"`
	PoolShards           int             `yaml:"pool_shards"`
	PriorityGasPrice     string          `yaml:"priority_gas_price"`
	MaxConcurrentBatches int             `yaml:"max_concurrent_batches"`
	SettlePerTick        int             `yaml:"settle_per_tick"`
	MaxSubmitRetries     int             `yaml:"max_submit_retries"`
	FinalizedRetention   int             `yaml:"finalized_retention"`
	ProofMode            string          `yaml:"proof_mode"`
	AggregateEvery       int             `yaml:"aggregate_every"`
	BatchTimeout         common.Duration `yaml:"batch_timeout"`
	SettlementInterval   common.Duration `yaml:"l1_settlement_interval"`
	FinalityInterval     common.Duration `yaml:"finality_interval"`
	MetricsInterval      common.Duration `yaml:"metrics_interval"`
	CleanupInterval      common.Duration `yaml:"cleanup_interval"`
	ProcessingTTL        common.Duration `yaml:"processing_ttl"`
	FailureTTL           common.Duration `yaml:"failure_ttl"`
	FailureCacheSize     int             `yaml:"failure_cache_size"`
	EventBuffer          int             `yaml:"event_buffer"`
}

type StateConfig struct {
	// DataDir holds the leveldb snapshot store; empty keeps snapshots in memory.
	DataDir          string `yaml:"data_dir"`
	MaxSnapshots     int    `yaml:"max_snapshots"`
	AccountCacheSize int    `yaml:"account_cache_size"`
	StorageCacheSize int    `yaml:"storage_cache_size"`
}

type BatchConfig struct {
	MaxBatchSize          int               `yaml:"max_batch_size"`
	Validators            []string          `yaml:"validators"`
	ValidationConcurrency int               `yaml:"validation_concurrency"`
	ValidationCacheSize   int               `yaml:"validation_cache_size"`
	ValidationCacheTTL    common.Duration   `yaml:"validation_cache_ttl"`
	Gas                   batch.GasSchedule `yaml:"gas"`
	// Runtime executes payload-carrying transactions: "none" or "kv".
	Runtime            string `yaml:"runtime"`
	RuntimeGasPerWrite uint64 `yaml:"runtime_gas_per_write"`
}

type RollupConfig struct {
	ChallengePeriod   common.Duration `yaml:"challenge_period"`
	FraudProofWindow  common.Duration `yaml:"fraud_proof_window"`
	MinChallengeStake string          `yaml:"min_challenge_stake"`
	MinValidatorStake string          `yaml:"min_validator_stake"`
	SlashBps          uint64          `yaml:"slash_bps"`
	RewardBps         uint64          `yaml:"reward_bps"`
	// Submitter is a hex address, or "dev:<n>" for a deterministic dev account.
	Submitter     string `yaml:"submitter"`
	OperatorStake string `yaml:"operator_stake"`
}

type FinalityConfig struct {
	FastConfirmations       uint64          `yaml:"fast_confirmations"`
	EconomicConfirmations   uint64          `yaml:"economic_confirmations"`
	AbsoluteConfirmations   uint64          `yaml:"absolute_confirmations"`
	AbsoluteMinAge          common.Duration `yaml:"absolute_min_age"`
	MinTier                 string          `yaml:"min_tier"`
	MinAggregateStake       string          `yaml:"min_aggregate_stake"`
	RequireProofForAbsolute bool            `yaml:"require_proof_for_absolute"`
	ReorgThreshold          uint64          `yaml:"reorg_threshold"`
	ResubmitAfter           common.Duration `yaml:"resubmit_after"`
	MaxResubmits            int             `yaml:"max_resubmits"`
}

type ProofConfig struct {
	Backend         string `yaml:"backend"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	CacheSize       int    `yaml:"cache_size"`
	AttestationSeed string `yaml:"attestation_seed"`
}

type L1Config struct {
	Anchor    string          `yaml:"anchor"`
	BlockTime common.Duration `yaml:"block_time"`
}

type RPCConfig struct {
	Addr         string          `yaml:"addr"`
	EnableWS     bool            `yaml:"enable_ws"`
	ReadTimeout  common.Duration `yaml:"read_timeout"`
	WriteTimeout common.Duration `yaml:"write_timeout"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Modules string `yaml:"modules"`
	JSON    bool   `yaml:"json"`
}

type GenesisConfig struct {
	// DevAccounts funds dev:0 .. dev:n-1 with DevBalance each.
	DevAccounts int              `yaml:"dev_accounts"`
	DevBalance  string           `yaml:"dev_balance"`
	Accounts    []GenesisAccount `yaml:"accounts"`
}

type GenesisAccount struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Balance string `yaml:"balance"`
}

func Default() *Config {
	ec := engine.DefaultConfig()
	bc := batch.DefaultConfig()
	rc := rollup.DefaultConfig()
	fc := finality.DefaultConfig()
	pc := proof.DefaultConfig()
	sc := statedb.DefaultConfig()

	validators := make([]string, len(bc.Validators))
	for i, v := range bc.Validators {
		validators[i] = v.String()
	}
	return &Config{
		Engine: EngineConfig{
			MaxPending:           ec.MaxPending,
			PoolShards:           ec.PoolShards,
			PriorityGasPrice:     ec.PriorityGasPrice.Dec(),
			MaxConcurrentBatches: ec.MaxConcurrentBatches,
			SettlePerTick:        ec.SettlePerTick,
			MaxSubmitRetries:     ec.MaxSubmitRetries,
			FinalizedRetention:   ec.FinalizedRetention,
			ProofMode:            ec.ProofMode,
			AggregateEvery:       ec.AggregateEvery,
			BatchTimeout:         common.Duration(ec.BatchTimeout),
			SettlementInterval:   common.Duration(ec.SettlementInterval),
			FinalityInterval:     common.Duration(ec.FinalityInterval),
			MetricsInterval:      common.Duration(ec.MetricsInterval),
			CleanupInterval:      common.Duration(ec.CleanupInterval),
			ProcessingTTL:        common.Duration(ec.ProcessingTTL),
			FailureTTL:           common.Duration(ec.FailureTTL),
			FailureCacheSize:     ec.FailureCacheSize,
			EventBuffer:          ec.EventBuffer,
		},
		State: StateConfig{
			MaxSnapshots:     sc.MaxSnapshots,
			AccountCacheSize: sc.AccountCacheSize,
			StorageCacheSize: sc.StorageCacheSize,
		},
		Batch: BatchConfig{
			MaxBatchSize:          bc.MaxBatchSize,
			Validators:            validators,
			ValidationConcurrency: bc.ValidationConcurrency,
			ValidationCacheSize:   bc.ValidationCacheSize,
			ValidationCacheTTL:    common.Duration(bc.ValidationCacheTTL),
			Gas:                   bc.Gas,
			Runtime:               RuntimeKV,
			RuntimeGasPerWrite:    20_000,
		},
		Rollup: RollupConfig{
			ChallengePeriod:   common.Duration(rc.ChallengePeriod),
			FraudProofWindow:  common.Duration(rc.FraudProofWindow),
			MinChallengeStake: rc.MinChallengeStake.Dec(),
			MinValidatorStake: rc.MinValidatorStake.Dec(),
			SlashBps:          rc.SlashBps,
			RewardBps:         rc.RewardBps,
			Submitter:         "dev:0",
			OperatorStake:     rc.MinValidatorStake.Dec(),
		},
		Finality: FinalityConfig{
			FastConfirmations:       fc.FastConfirmations,
			EconomicConfirmations:   fc.EconomicConfirmations,
			AbsoluteConfirmations:   fc.AbsoluteConfirmations,
			AbsoluteMinAge:          common.Duration(fc.AbsoluteMinAge),
			MinTier:                 fc.MinTier.String(),
			MinAggregateStake:       fc.MinAggregateStake.Dec(),
			RequireProofForAbsolute: fc.RequireProofForAbsolute,
			ReorgThreshold:          fc.ReorgThreshold,
			ResubmitAfter:           common.Duration(fc.ResubmitAfter),
			MaxResubmits:            fc.MaxResubmits,
		},
		Proof: ProofConfig{
			Backend:       pc.Backend,
			MaxConcurrent: pc.MaxConcurrent,
			CacheSize:     pc.CacheSize,
		},
		L1: L1Config{
			Anchor:    AnchorSimulated,
			BlockTime: common.Duration(12 * time.Second),
		},
		RPC: RPCConfig{
			Addr:         "127.0.0.1:8645",
			EnableWS:     true,
			ReadTimeout:  common.Duration(10 * time.Second),
			WriteTimeout: common.Duration(10 * time.Second),
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads path over the defaults; keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate converts every section once and reports all problems together.
func (c *Config) Validate() error {
	var errs []error
	ec, err := c.EngineConfig()
	if err != nil {
		errs = append(errs, err)
	} else if err := ec.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if _, err := c.GenesisAllocs(); err != nil {
		errs = append(errs, err)
	}
	if c.Batch.Runtime != RuntimeNone && c.Batch.Runtime != RuntimeKV {
		errs = append(errs, fmt.Errorf("batch: unknown runtime %q", c.Batch.Runtime))
	}
	if c.L1.Anchor != AnchorSimulated {
		errs = append(errs, fmt.Errorf("l1: unsupported anchor %q", c.L1.Anchor))
	}
	if c.L1.BlockTime <= 0 {
		errs = append(errs, fmt.Errorf("l1: block_time must be positive"))
	}
	if c.Rollup.SlashBps > 10_000 || c.Rollup.RewardBps > 10_000 {
		errs = append(errs, fmt.Errorf("rollup: basis points above 10000"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry: sample_ratio %v outside [0,1]", c.Telemetry.SampleRatio))
	}
	return errors.Join(errs...)
}

func (c *Config) StateConfig() statedb.Config {
	return statedb.Config{
		MaxSnapshots:     c.State.MaxSnapshots,
		AccountCacheSize: c.State.AccountCacheSize,
		StorageCacheSize: c.State.StorageCacheSize,
	}
}

func (c *Config) BatchConfig() (batch.Config, error) {
	kinds, err := batch.ParseValidators(c.Batch.Validators)
	if err != nil {
		return batch.Config{}, fmt.Errorf("batch: %w", err)
	}
	return batch.Config{
		MaxBatchSize:          c.Batch.MaxBatchSize,
		Validators:            kinds,
		ValidationConcurrency: c.Batch.ValidationConcurrency,
		ValidationCacheSize:   c.Batch.ValidationCacheSize,
		ValidationCacheTTL:    c.Batch.ValidationCacheTTL.Std(),
		Gas:                   c.Batch.Gas,
	}, nil
}

func (c *Config) RollupConfig() (rollup.Config, error) {
	r := c.Rollup
	submitter, err := ParseAddress(r.Submitter)
	if err != nil {
		return rollup.Config{}, fmt.Errorf("rollup.submitter: %w", err)
	}
	challengeStake, err := ParseAmount(r.MinChallengeStake)
	if err != nil {
		return rollup.Config{}, fmt.Errorf("rollup.min_challenge_stake: %w", err)
	}
	validatorStake, err := ParseAmount(r.MinValidatorStake)
	if err != nil {
		return rollup.Config{}, fmt.Errorf("rollup.min_validator_stake: %w", err)
	}
	return rollup.Config{
		ChallengePeriod:   r.ChallengePeriod.Std(),
		FraudProofWindow:  r.FraudProofWindow.Std(),
		MinChallengeStake: challengeStake,
		MinValidatorStake: validatorStake,
		SlashBps:          r.SlashBps,
		RewardBps:         r.RewardBps,
		Submitter:         submitter,
	}, nil
}

func (c *Config) FinalityConfig() (finality.Config, error) {
	f := c.Finality
	tier, err := types.ParseFinalityTier(f.MinTier)
	if err != nil {
		return finality.Config{}, fmt.Errorf("finality.min_tier: %w", err)
	}
	stake, err := ParseAmount(f.MinAggregateStake)
	if err != nil {
		return finality.Config{}, fmt.Errorf("finality.min_aggregate_stake: %w", err)
	}
	if f.FastConfirmations > f.EconomicConfirmations || f.EconomicConfirmations > f.AbsoluteConfirmations {
		return finality.Config{}, fmt.Errorf("finality: confirmations must satisfy fast <= economic <= absolute")
	}
	return finality.Config{
		FastConfirmations:       f.FastConfirmations,
		EconomicConfirmations:   f.EconomicConfirmations,
		AbsoluteConfirmations:   f.AbsoluteConfirmations,
		AbsoluteMinAge:          f.AbsoluteMinAge.Std(),
		MinTier:                 tier,
		MinAggregateStake:       stake,
		RequireProofForAbsolute: f.RequireProofForAbsolute,
		ReorgThreshold:          f.ReorgThreshold,
		ResubmitAfter:           f.ResubmitAfter.Std(),
		MaxResubmits:            f.MaxResubmits,
	}, nil
}

func (c *Config) ProofConfig() proof.Config {
	return proof.Config{
		Backend:         c.Proof.Backend,
		MaxConcurrent:   c.Proof.MaxConcurrent,
		CacheSize:       c.Proof.CacheSize,
		AttestationSeed: c.Proof.AttestationSeed,
	}
}

// EngineConfig assembles the full engine configuration, nested component
// configs included.
func (c *Config) EngineConfig() (engine.Config, error) {
	e := c.Engine
	priority, err := ParseAmount(e.PriorityGasPrice)
	if err != nil {
		return engine.Config{}, fmt.Errorf("engine.priority_gas_price: %w", err)
	}
	bc, err := c.BatchConfig()
	if err != nil {
		return engine.Config{}, err
	}
	rc, err := c.RollupConfig()
	if err != nil {
		return engine.Config{}, err
	}
	fc, err := c.FinalityConfig()
	if err != nil {
		return engine.Config{}, err
	}
	var operatorStake *uint256.Int
	if c.Rollup.OperatorStake != "" {
		if operatorStake, err = ParseAmount(c.Rollup.OperatorStake); err != nil {
			return engine.Config{}, fmt.Errorf("rollup.operator_stake: %w", err)
		}
	}
	return engine.Config{
		MaxPending:           e.MaxPending,
		PoolShards:           e.PoolShards,
		PriorityGasPrice:     priority,
		MaxConcurrentBatches: e.MaxConcurrentBatches,
		SettlePerTick:        e.SettlePerTick,
		MaxSubmitRetries:     e.MaxSubmitRetries,
		FinalizedRetention:   e.FinalizedRetention,
		ProofMode:            e.ProofMode,
		AggregateEvery:       e.AggregateEvery,
		BatchTimeout:         e.BatchTimeout.Std(),
		SettlementInterval:   e.SettlementInterval.Std(),
		FinalityInterval:     e.FinalityInterval.Std(),
		MetricsInterval:      e.MetricsInterval.Std(),
		CleanupInterval:      e.CleanupInterval.Std(),
		ProcessingTTL:        e.ProcessingTTL.Std(),
		FailureTTL:           e.FailureTTL.Std(),
		FailureCacheSize:     e.FailureCacheSize,
		EventBuffer:          e.EventBuffer,
		OperatorStake:        operatorStake,
		Batch:                bc,
		Rollup:               rc,
		Finality:             fc,
		Proof:                c.ProofConfig(),
	}, nil
}

// GenesisAllocs lists dev accounts first, then the explicit accounts.
func (c *Config) GenesisAllocs() ([]statedb.GenesisAlloc, error) {
	g := c.Genesis
	var allocs []statedb.GenesisAlloc
	if g.DevAccounts > 0 {
		bal, err := ParseAmount(g.DevBalance)
		if err != nil {
			return nil, fmt.Errorf("genesis.dev_balance: %w", err)
		}
		for i := 0; i < g.DevAccounts; i++ {
			addr, _ := common.DevAccount(i)
			allocs = append(allocs, statedb.GenesisAlloc{Address: addr, Token: types.NativeToken, Balance: bal.Clone()})
		}
	}
	for i, a := range g.Accounts {
		addr, err := ParseAddress(a.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis.accounts[%d].address: %w", i, err)
		}
		bal, err := ParseAmount(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("genesis.accounts[%d].balance: %w", i, err)
		}
		token := types.NativeToken
		if a.Token != "" {
			token = types.TokenType(a.Token)
		}
		allocs = append(allocs, statedb.GenesisAlloc{Address: addr, Token: token, Balance: bal})
	}
	return allocs, nil
}

// ParseAmount reads a decimal string; empty means zero.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// ParseAddress accepts a 0x hex address or "dev:<n>".
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if idx, ok := strings.CutPrefix(s, "dev:"); ok {
		var n int
		if _, err := fmt.Sscanf(idx, "%d", &n); err != nil || n < 0 {
			return common.Address{}, fmt.Errorf("invalid dev account %q", s)
		}
		addr, _ := common.DevAccount(n)
		return addr, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

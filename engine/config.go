package engine

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/finality"
	"github.com/colorfulnotion/settle/proof"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/holiman/uint256"
)

// Proof modes of the settlement tick.
const (
	ProofOff      = "off"
	ProofInline   = "inline"
	ProofDeferred = "deferred"
)

const (
	DefaultMaxPending           = 100_000
	DefaultPoolShards           = 16
	DefaultMaxConcurrentBatches = 20
	DefaultBatchTimeout         = 100 * time.Millisecond
	DefaultSettlementInterval   = 10 * time.Second
	DefaultFinalityInterval     = 30 * time.Second
	DefaultMetricsInterval      = 5 * time.Second
	DefaultCleanupInterval      = 5 * time.Minute
	DefaultProcessingTTL        = time.Hour
	DefaultFailureTTL           = time.Hour
	DefaultFailureCacheSize     = 100_000
	DefaultEventBuffer          = 256
	DefaultAggregateEvery       = 8

	// healthy while the pool is below this share of its capacity
	healthyPoolRatio = 0.9
)

// DefaultPriorityGasPrice is 50 gwei.
var DefaultPriorityGasPrice = uint256.NewInt(50_000_000_000)

type Config struct {
	MaxPending           int
	PoolShards           int
	PriorityGasPrice     *uint256.Int
	MaxConcurrentBatches int
	SettlePerTick        int
	MaxSubmitRetries     int
	FinalizedRetention   int
	ProofMode            string
	AggregateEvery       int // finalized proofs per aggregate, 0 disables

	BatchTimeout       time.Duration
	SettlementInterval time.Duration
	FinalityInterval   time.Duration
	MetricsInterval    time.Duration
	CleanupInterval    time.Duration

	ProcessingTTL    time.Duration
	FailureTTL       time.Duration
	FailureCacheSize int
	EventBuffer      int

	// OperatorStake registers Rollup.Submitter as a validator on New when
	// non-zero.
	OperatorStake *uint256.Int

	Batch    batch.Config
	Rollup   rollup.Config
	Finality finality.Config
	Proof    proof.Config
}

func DefaultConfig() Config {
	return Config{
		MaxPending:           DefaultMaxPending,
		PoolShards:           DefaultPoolShards,
		PriorityGasPrice:     new(uint256.Int).Set(DefaultPriorityGasPrice),
		MaxConcurrentBatches: DefaultMaxConcurrentBatches,
		SettlePerTick:        DefaultSettlePerTick,
		MaxSubmitRetries:     DefaultMaxSubmitRetries,
		FinalizedRetention:   DefaultFinalizedRetention,
		ProofMode:            ProofOff,
		AggregateEvery:       DefaultAggregateEvery,
		BatchTimeout:         DefaultBatchTimeout,
		SettlementInterval:   DefaultSettlementInterval,
		FinalityInterval:     DefaultFinalityInterval,
		MetricsInterval:      DefaultMetricsInterval,
		CleanupInterval:      DefaultCleanupInterval,
		ProcessingTTL:        DefaultProcessingTTL,
		FailureTTL:           DefaultFailureTTL,
		FailureCacheSize:     DefaultFailureCacheSize,
		EventBuffer:          DefaultEventBuffer,
		Batch:                batch.DefaultConfig(),
		Rollup:               rollup.DefaultConfig(),
		Finality:             finality.DefaultConfig(),
		Proof:                proof.DefaultConfig(),
	}
}

func (c Config) queueConfig() QueueConfig {
	return QueueConfig{
		SettlePerTick:    c.SettlePerTick,
		MaxSubmitRetries: c.MaxSubmitRetries,
		RetentionWindow:  c.FinalizedRetention,
	}
}

func (c Config) Validate() error {
	switch c.ProofMode {
	case ProofOff, ProofInline, ProofDeferred:
	default:
		return fmt.Errorf("unknown proof mode %q", c.ProofMode)
	}
	if c.AggregateEvery < 0 {
		return fmt.Errorf("aggregate every must not be negative, got %d", c.AggregateEvery)
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("max pending must be positive, got %d", c.MaxPending)
	}
	if c.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("max concurrent batches must be positive, got %d", c.MaxConcurrentBatches)
	}
	for name, d := range map[string]time.Duration{
		"batch timeout":       c.BatchTimeout,
		"settlement interval": c.SettlementInterval,
		"finality interval":   c.FinalityInterval,
		"metrics interval":    c.MetricsInterval,
		"cleanup interval":    c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

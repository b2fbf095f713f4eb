package rollup

import (
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

var ether = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))

// Tokens scales n whole tokens to base units.
func Tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), ether)
}

type Config struct {
	ChallengePeriod   time.Duration
	FraudProofWindow  time.Duration
	MinChallengeStake *uint256.Int
	MinValidatorStake *uint256.Int
	// SlashBps is the share of the submitter's stake taken on proven fraud;
	// RewardBps is the challenger's share of that slash.
	SlashBps  uint64
	RewardBps uint64
	// Submitter is the validator address batches are submitted under.
	Submitter common.Address
}

func DefaultConfig() Config {
	return Config{
		ChallengePeriod:   7 * 24 * time.Hour,
		FraudProofWindow:  24 * time.Hour,
		MinChallengeStake: Tokens(100),
		MinValidatorStake: Tokens(1000),
		SlashBps:          5000,
		RewardBps:         5000,
	}
}

// Record is the rollup's history entry for one submitted batch.
type Record struct {
	Seq         int                       `json:"seq"`
	Batch       *types.SettlementBatch    `json:"batch"`
	Submission  *types.L1Submission       `json:"submission"`
	Submitter   common.Address            `json:"submitter"`
	PreSnapshot *types.StateSnapshot      `json:"-"`
	Trace       *types.ExecutionTrace     `json:"trace"`
	Status      types.BatchFinalityStatus `json:"status"`
	SubmittedAt time.Time                 `json:"submittedAt"`
	// ChallengeDeadline ends the challenge period; FraudProofDeadline ends
	// the window in which new challenges are accepted.
	ChallengeDeadline  time.Time `json:"challengeDeadline"`
	FraudProofDeadline time.Time `json:"fraudProofDeadline"`
	Resubmits          int       `json:"resubmits"`
	RevertedAt         time.Time `json:"revertedAt,omitempty"`
	RevertReason       string    `json:"revertReason,omitempty"`
}

type Validator struct {
	Address      common.Address `json:"address"`
	Stake        *uint256.Int   `json:"stake"`
	Slashed      *uint256.Int   `json:"slashed"`
	RegisteredAt time.Time      `json:"registeredAt"`
}

func (v *Validator) copy() *Validator {
	c := *v
	c.Stake = new(uint256.Int).Set(v.Stake)
	c.Slashed = new(uint256.Int).Set(v.Slashed)
	return &c
}

// Resolution is the result of processing one challenge.
type Resolution struct {
	ChallengeID string                 `json:"challengeId"`
	BatchID     string                 `json:"batchId"`
	Outcome     types.ChallengeOutcome `json:"outcome"`
	// Reverted lists every batch undone by this resolution, target first.
	Reverted []string `json:"reverted,omitempty"`
}

type Stats struct {
	Submitted          int          `json:"submitted"`
	Pending            int          `json:"pending"`
	Challenged         int          `json:"challenged"`
	Finalized          int          `json:"finalized"`
	Reverted           int          `json:"reverted"`
	OpenChallenges     int          `json:"openChallenges"`
	ResolvedChallenges int          `json:"resolvedChallenges"`
	Escrowed           *uint256.Int `json:"escrowed"`
	Burned             *uint256.Int `json:"burned"`
}

// RevertFunc is notified after batches were reverted.
type RevertFunc func(batchIDs []string, reason types.RollbackReason)

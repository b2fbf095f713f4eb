// Package services defines the collaborators the settlement engine talks to
// at its boundary, with in-memory implementations for standalone nodes and
// tests.
package services

import (
	"context"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

// BalanceDelta is a confirmed balance movement reported to the ledger.
type BalanceDelta struct {
	Address common.Address
	Token   types.TokenType
	Balance *uint256.Int
	BatchID string
}

// BalanceLedger is the authoritative external balance source.
type BalanceLedger interface {
	Balance(ctx context.Context, addr common.Address, token types.TokenType) (*uint256.Int, error)
	ApplyDeltas(ctx context.Context, deltas []BalanceDelta) error
}

type PolicyDecision struct {
	Approved   bool
	TrustScore float64
	// Flagged routes the transaction to the priority lane.
	Flagged bool
	Reason  string
}

// PolicyGate is consulted once per transaction before admission.
type PolicyGate interface {
	Check(ctx context.Context, tx *types.Transaction) (PolicyDecision, error)
}

type StorageWrite struct {
	Slot  common.Hash
	Value common.Hash
}

// CallResult is what the runtime reports for one contract call.
type CallResult struct {
	GasUsed       uint64
	StorageWrites []StorageWrite
}

// ExecutionRuntime performs contract-level execution for transactions that
// carry a payload. Implementations must be deterministic.
type ExecutionRuntime interface {
	Execute(ctx context.Context, tx *types.Transaction) (*CallResult, error)
}

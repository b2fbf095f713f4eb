package batch

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

// GasSchedule prices a transaction as Base + len(payload)*PerByte, plus
// Transfer when it moves a non-zero amount. The total is capped at the
// transaction's gas limit.
type GasSchedule struct {
	Base     uint64 `yaml:"base"`
	PerByte  uint64 `yaml:"per_byte"`
	Transfer uint64 `yaml:"transfer"`
}

func DefaultGasSchedule() GasSchedule {
	return GasSchedule{Base: 21_000, PerByte: 16, Transfer: 2_300}
}

func (g GasSchedule) Cost(tx *types.Transaction) uint64 {
	gas := g.Base + uint64(len(tx.Payload))*g.PerByte
	if tx.Amount != nil && !tx.Amount.IsZero() {
		gas += g.Transfer
	}
	return min(gas, tx.GasLimit)
}

type DroppedTx struct {
	Tx  *types.Transaction
	Err error
}

// ExecutionResult is everything one sequential pass produced.
type ExecutionResult struct {
	Included []*types.Transaction
	Dropped  []DroppedTx
	Changes  []types.StateChange
	Receipts []types.Receipt
	GasUsed  uint64
	Fee      *uint256.Int
	PreRoot  common.Hash
	PostRoot common.Hash
}

// Trace packages the result the way batch history stores it.
func (r *ExecutionResult) Trace() *types.ExecutionTrace {
	return &types.ExecutionTrace{
		Receipts:     r.Receipts,
		Changes:      r.Changes,
		ReplayedRoot: r.PostRoot,
		GasUsed:      r.GasUsed,
	}
}

// Executor applies value transfers (and runtime calls for payload-carrying
// transactions) one at a time. It is deterministic: the same ordered list
// against the same starting state always yields the same root.
type Executor struct {
	Gas     GasSchedule
	Runtime services.ExecutionRuntime
}

func NewExecutor(gas GasSchedule, runtime services.ExecutionRuntime) *Executor {
	return &Executor{Gas: gas, Runtime: runtime}
}

// Execute mutates st in place. Transactions that cannot run are dropped and
// leave st untouched.
func (e *Executor) Execute(ctx context.Context, st *statedb.L2State, txs []*types.Transaction) (*ExecutionResult, error) {
	res := &ExecutionResult{Fee: new(uint256.Int), PreRoot: st.StateRoot}
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		changes, gas, err := e.executeOne(ctx, st, tx)
		if err != nil {
			log.Debug(log.Batch, "Dropped transaction", "tx", tx.ID(), "err", err)
			res.Dropped = append(res.Dropped, DroppedTx{Tx: tx, Err: err})
			res.Receipts = append(res.Receipts, types.Receipt{TxID: tx.ID(), Error: err.Error()})
			continue
		}
		for _, ch := range changes {
			if err := st.ApplyChange(ch); err != nil {
				return nil, fmt.Errorf("apply %s change for %s: %w", ch.Kind, tx.ID(), err)
			}
		}
		res.Changes = append(res.Changes, changes...)
		res.Included = append(res.Included, tx)
		res.Receipts = append(res.Receipts, types.Receipt{TxID: tx.ID(), GasUsed: gas, Success: true})
		res.GasUsed += gas
		res.Fee.Add(res.Fee, tx.Fee(gas))
	}
	st.TxCount += uint64(len(res.Included))
	st.GasUsed += res.GasUsed
	st.StateRoot = statedb.ComputeRoot(st)
	res.PostRoot = st.StateRoot
	return res, nil
}

func (e *Executor) executeOne(ctx context.Context, st *statedb.L2State, tx *types.Transaction) ([]types.StateChange, uint64, error) {
	if expected := st.Nonce(tx.Sender) + 1; tx.Nonce != expected {
		return nil, 0, fmt.Errorf("%w: nonce %d, expected %d", settleerrors.ErrXNonceGap, tx.Nonce, expected)
	}
	amount := tx.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	fromBal := st.Balance(tx.Sender, tx.Token)
	if fromBal.Lt(amount) {
		return nil, 0, fmt.Errorf("%w: have %s, need %s", settleerrors.ErrXBalanceDrained, fromBal.Dec(), amount.Dec())
	}
	gas := e.Gas.Cost(tx)

	var changes []types.StateChange
	if len(tx.Payload) > 0 && e.Runtime != nil {
		call, err := e.Runtime.Execute(ctx, tx)
		if err != nil {
			// runtime detail stays at this layer
			log.Debug(log.Batch, "Runtime call failed", "tx", tx.ID(), "err", err)
			return nil, 0, settleerrors.ErrXRuntimeFailure
		}
		gas = min(gas+call.GasUsed, tx.GasLimit)
		for _, w := range call.StorageWrites {
			changes = append(changes, types.StorageChange(tx.Recipient, w.Slot, w.Value))
		}
	}

	newFrom := new(uint256.Int).Sub(fromBal, amount)
	changes = append(changes, types.BalanceChange(tx.Sender, tx.Token, newFrom))
	// read after the sender debit so self-transfers net to zero
	toBal := newFrom
	if tx.Recipient != tx.Sender {
		toBal = st.Balance(tx.Recipient, tx.Token)
	}
	changes = append(changes,
		types.BalanceChange(tx.Recipient, tx.Token, new(uint256.Int).Add(toBal, amount)),
		types.NonceChange(tx.Sender, tx.Nonce),
	)
	return changes, gas, nil
}

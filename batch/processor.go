// Package batch turns an ordered slice of admitted transactions into a
// SettlementBatch: parallel validation, sequential execution on a working
// copy of state, root computation and the transaction merkle root.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/merkle"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
)

type Config struct {
	MaxBatchSize          int
	Validators            []ValidatorKind
	ValidationConcurrency int
	ValidationCacheSize   int
	ValidationCacheTTL    time.Duration
	Gas                   GasSchedule
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:          1000,
		Validators:            DefaultValidators(),
		ValidationConcurrency: 16,
		ValidationCacheSize:   100_000,
		ValidationCacheTTL:    30 * time.Second,
		Gas:                   DefaultGasSchedule(),
	}
}

// StateSource hands out deep copies of the canonical state.
type StateSource interface {
	Copy(ctx context.Context) (*statedb.L2State, error)
}

// Result of one ProcessBatch call. Batch is nil when nothing survived.
type Result struct {
	Batch     *types.SettlementBatch
	Execution *ExecutionResult
	Dropped   []DroppedTx
	Duration  time.Duration
}

// Processor keeps the post-state of the last batch it produced as its head,
// so batch N+1 always executes on top of batch N even before N has been
// applied canonically.
type Processor struct {
	cfg       Config
	source    StateSource
	validator *Validator
	executor  *Executor

	mu         sync.Mutex
	head       *statedb.L2State
	nextNumber uint64
}

func NewProcessor(cfg Config, source StateSource, ledger services.BalanceLedger, runtime services.ExecutionRuntime) *Processor {
	return &Processor{
		cfg:        cfg,
		source:     source,
		validator:  NewValidator(cfg.Validators, ledger, cfg.ValidationConcurrency, cfg.ValidationCacheSize, cfg.ValidationCacheTTL),
		executor:   NewExecutor(cfg.Gas, runtime),
		nextNumber: 1,
	}
}

func (p *Processor) Executor() *Executor {
	return p.executor
}

func (p *Processor) Validator() *Validator {
	return p.validator
}

// ResetHead drops the local head; the next batch starts from canonical state.
func (p *Processor) ResetHead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = nil
}

// HeadRoot is the root the next batch will be built on. ok is false until
// the head has been loaded.
func (p *Processor) HeadRoot() (common.Hash, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		return common.Hash{}, false
	}
	return p.head.StateRoot, true
}

func (p *Processor) ProcessBatch(ctx context.Context, txs []*types.Transaction) (*Result, error) {
	start := time.Now()
	if len(txs) > p.cfg.MaxBatchSize && p.cfg.MaxBatchSize > 0 {
		return nil, fmt.Errorf("batch of %d exceeds max size %d", len(txs), p.cfg.MaxBatchSize)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		head, err := p.source.Copy(ctx)
		if err != nil {
			return nil, fmt.Errorf("load head state: %w", err)
		}
		p.head = head
	}

	verdicts, err := p.validator.CheckAll(ctx, p.head, txs)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	valid := make([]*types.Transaction, 0, len(txs))
	for i, tx := range txs {
		if verdicts[i] != nil {
			res.Dropped = append(res.Dropped, DroppedTx{Tx: tx, Err: verdicts[i]})
			continue
		}
		valid = append(valid, tx)
	}

	working := p.head.Copy()
	exec, err := p.executor.Execute(ctx, working, valid)
	if err != nil {
		return nil, err
	}
	res.Execution = exec
	res.Dropped = append(res.Dropped, exec.Dropped...)
	res.Duration = time.Since(start)
	if len(exec.Included) == 0 {
		log.Debug(log.Batch, "No transactions survived", "in", len(txs), "dropped", len(res.Dropped))
		return res, nil
	}

	merkleRoot, err := merkle.RootOf(types.TxHashes(exec.Included))
	if err != nil {
		return nil, err
	}
	working.BlockNumber = p.head.BlockNumber + 1
	working.Timestamp = start
	b := &types.SettlementBatch{
		ID:                types.BatchID(p.nextNumber),
		Number:            p.nextNumber,
		BlockNumber:       working.BlockNumber,
		Transactions:      exec.Included,
		StateRoot:         exec.PostRoot,
		PreviousStateRoot: exec.PreRoot,
		MerkleRoot:        merkleRoot,
		GasUsed:           exec.GasUsed,
		FeePaid:           exec.Fee,
		CreatedAt:         start,
	}
	p.head = working
	p.nextNumber++
	res.Batch = b
	res.Duration = time.Since(start)
	log.Info(log.Batch, "Batch created", "batch", b.ID, "txs", len(b.Transactions), "dropped", len(res.Dropped), "gas", b.GasUsed, "root", b.StateRoot.Hex(), "took", res.Duration)
	return res, nil
}

// Replay re-executes txs on top of st without validation and reports the
// trace. Used to re-derive a batch during submission and disputes.
func (p *Processor) Replay(ctx context.Context, st *statedb.L2State, txs []*types.Transaction) (*ExecutionResult, error) {
	return p.executor.Execute(ctx, st, txs)
}

// VerifyMerkleRoot recomputes the transaction merkle root of b.
func VerifyMerkleRoot(b *types.SettlementBatch) error {
	root, err := merkle.RootOf(b.TxHashes())
	if err != nil {
		return settleerrors.ErrREmptyBatch
	}
	if root != b.MerkleRoot {
		return fmt.Errorf("%w: have %s, computed %s", settleerrors.ErrRBadMerkleRoot, b.MerkleRoot.Hex(), root.Hex())
	}
	return nil
}

// InclusionProof returns the merkle path of the transaction at index.
func InclusionProof(b *types.SettlementBatch, index int) ([]common.Hash, error) {
	tree, err := merkle.NewHashTree(b.TxHashes())
	if err != nil {
		return nil, err
	}
	return tree.Justify(index)
}

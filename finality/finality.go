// Package finality watches anchored batches on L1 and moves them into the
// append-only finalized set once a finality tier is reached.
package finality

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

type Config struct {
	FastConfirmations       uint64
	EconomicConfirmations   uint64
	AbsoluteConfirmations   uint64
	AbsoluteMinAge          time.Duration
	MinTier                 types.FinalityTier
	MinAggregateStake       *uint256.Int
	RequireProofForAbsolute bool
	ReorgThreshold          uint64
	ResubmitAfter           time.Duration
	MaxResubmits            int
}

func DefaultConfig() Config {
	return Config{
		FastConfirmations:     6,
		EconomicConfirmations: 12,
		AbsoluteConfirmations: 64,
		AbsoluteMinAge:        2 * time.Hour,
		MinTier:               types.Economic,
		MinAggregateStake:     new(uint256.Int),
		ReorgThreshold:        6,
		ResubmitAfter:         10 * time.Minute,
		MaxResubmits:          3,
	}
}

// Settlement is the rollup surface finality depends on.
type Settlement interface {
	HasOpenChallenge(batchID string) bool
	Status(batchID string) (types.BatchFinalityStatus, bool)
	MarkFinalized(batchID string) error
	AggregateStake() *uint256.Int
	HandleReorg(ctx context.Context, batchIDs []string) (map[string]*types.L1Submission, error)
	Resubmit(ctx context.Context, batchID string) (*types.L1Submission, error)
}

type ProofOracle interface {
	HasVerifiedProof(batchID string) bool
}

type tracked struct {
	batch        *types.SettlementBatch
	sub          *types.L1Submission
	submittedAt  time.Time
	lastSubmitAt time.Time
	challengeEnd time.Time

	included       bool
	inclusionBlock uint64
	inclusionHash  common.Hash
	confirmations  uint64

	resubmits int
	stalled   bool
	reorgs    int
}

type Stats struct {
	Tracked   int `json:"tracked"`
	Finalized int `json:"finalized"`
	Stalled   int `json:"stalled"`
	Reorgs    int `json:"reorgs"`
	DeepReorg int `json:"deepReorgs"`
	Resubmits int `json:"resubmits"`
}

type Engine struct {
	cfg    Config
	anchor l1.Anchor
	rollup Settlement
	proofs ProofOracle
	now    func() time.Time

	mu        sync.RWMutex
	tracked   map[string]*tracked
	finalized map[string]types.FinalizedBatch
	order     []string
	lastRoot  common.Hash
	reorgs    int
	deep      int
	resubmits int
}

func New(cfg Config, anchor l1.Anchor, rollup Settlement, proofs ProofOracle) *Engine {
	return &Engine{
		cfg:       cfg,
		anchor:    anchor,
		rollup:    rollup,
		proofs:    proofs,
		now:       time.Now,
		tracked:   make(map[string]*tracked),
		finalized: make(map[string]types.FinalizedBatch),
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Track starts monitoring a submitted batch. challengeEnd is when its
// challenge period expires.
func (e *Engine) Track(b *types.SettlementBatch, sub *types.L1Submission, challengeEnd time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.tracked[b.ID] = &tracked{
		batch:        b,
		sub:          sub,
		submittedAt:  now,
		lastSubmitAt: now,
		challengeEnd: challengeEnd,
	}
}

func (e *Engine) Untrack(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.tracked, id)
	}
}

func (e *Engine) IsTracked(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tracked[id]
	return ok
}

// sortedLocked returns tracked entries in batch order.
func (e *Engine) sortedLocked() []*tracked {
	out := make([]*tracked, 0, len(e.tracked))
	for _, t := range e.tracked {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].batch.Number < out[j].batch.Number })
	return out
}

// Poll refreshes confirmations, detects reorgs and resubmits submissions
// that were never included.
func (e *Engine) Poll(ctx context.Context) error {
	e.mu.RLock()
	entries := e.sortedLocked()
	e.mu.RUnlock()

	var deep []string
	for _, t := range entries {
		if status, ok := e.rollup.Status(t.batch.ID); ok && status == types.BatchReverted {
			e.Untrack(t.batch.ID)
			continue
		}
		reorged, err := e.refresh(ctx, t)
		if err != nil {
			return err
		}
		if reorged {
			deep = append(deep, t.batch.ID)
		}
	}
	if len(deep) == 0 {
		return nil
	}

	log.Warn(log.Finality, "Deep reorg detected", "batches", deep, "threshold", e.cfg.ReorgThreshold)
	subs, err := e.rollup.HandleReorg(ctx, deep)
	e.mu.Lock()
	e.deep++
	now := e.now()
	for id, sub := range subs {
		if t, ok := e.tracked[id]; ok {
			t.sub = sub
			t.lastSubmitAt = now
			t.included = false
			t.confirmations = 0
		}
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("handle reorg: %w", err)
	}
	return nil
}

// refresh updates one entry. It reports true when the entry's inclusion
// block was reorged out deeper than the threshold.
func (e *Engine) refresh(ctx context.Context, t *tracked) (bool, error) {
	e.mu.RLock()
	sub, included, block, hash, seen := t.sub, t.included, t.inclusionBlock, t.inclusionHash, t.confirmations
	e.mu.RUnlock()

	if included {
		current, ok, err := e.anchor.BlockHash(ctx, block)
		if err != nil {
			return false, err
		}
		if !ok || current != hash {
			e.mu.Lock()
			e.reorgs++
			t.reorgs++
			t.included = false
			t.confirmations = 0
			e.mu.Unlock()
			if seen > e.cfg.ReorgThreshold {
				return true, nil
			}
			log.Info(log.Finality, "Shallow reorg, confirmations reset", "batch", t.batch.ID, "block", block, "depth", seen)
		}
	}

	conf, err := e.anchor.Confirmation(ctx, sub)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if conf.Included {
		t.included = true
		t.inclusionBlock = conf.BlockNumber
		t.inclusionHash = conf.BlockHash
		t.confirmations = conf.Confirmations
		return false, nil
	}
	t.included = false
	t.confirmations = 0
	if e.cfg.ResubmitAfter <= 0 || e.now().Sub(t.lastSubmitAt) < e.cfg.ResubmitAfter {
		return false, nil
	}
	if t.resubmits >= e.cfg.MaxResubmits {
		if !t.stalled {
			t.stalled = true
			log.Error(log.Finality, "Batch stalled", "batch", t.batch.ID, "resubmits", t.resubmits, "err", settleerrors.ErrFStalled)
		}
		return false, nil
	}
	e.mu.Unlock()
	newSub, err := e.rollup.Resubmit(ctx, t.batch.ID)
	e.mu.Lock()
	if err != nil {
		log.Warn(log.Finality, "Resubmission failed", "batch", t.batch.ID, "err", err)
		return false, nil
	}
	t.sub = newSub
	t.lastSubmitAt = e.now()
	t.resubmits++
	e.resubmits++
	return false, nil
}

package finality

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
)

type Requirement struct {
	Name   string `json:"name"`
	Met    bool   `json:"met"`
	Detail string `json:"detail,omitempty"`
}

type TierReport struct {
	Tier         types.FinalityTier `json:"tier"`
	Met          bool               `json:"met"`
	Requirements []Requirement      `json:"requirements"`
}

// Report is the finality view of one tracked batch. Highest is the highest
// tier whose requirements are all met.
type Report struct {
	BatchID       string             `json:"batchId"`
	BatchNumber   uint64             `json:"batchNumber"`
	Included      bool               `json:"included"`
	Confirmations uint64             `json:"confirmations"`
	Highest       types.FinalityTier `json:"highest"`
	Tiers         []TierReport       `json:"tiers"`
	Resubmits     int                `json:"resubmits"`
	Stalled       bool               `json:"stalled"`
	Finalized     bool               `json:"finalized"`
}

func tier(t types.FinalityTier, reqs ...Requirement) TierReport {
	met := true
	for _, r := range reqs {
		met = met && r.Met
	}
	return TierReport{Tier: t, Met: met, Requirements: reqs}
}

func confirmations(have, need uint64) Requirement {
	return Requirement{Name: "confirmations", Met: have >= need, Detail: fmt.Sprintf("%d/%d", have, need)}
}

// Evaluate reports the tiers a tracked batch currently satisfies.
func (e *Engine) Evaluate(batchID string) (*Report, error) {
	e.mu.RLock()
	t, ok := e.tracked[batchID]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrFNotTracked, batchID)
	}
	now := e.now()
	conf := t.confirmations
	rep := &Report{
		BatchID:       batchID,
		BatchNumber:   t.batch.Number,
		Included:      t.included,
		Confirmations: conf,
		Resubmits:     t.resubmits,
		Stalled:       t.stalled,
	}
	challengeEnd, submittedAt := t.challengeEnd, t.submittedAt
	e.mu.RUnlock()

	noDispute := Requirement{Name: "no_open_challenge", Met: !e.rollup.HasOpenChallenge(batchID)}
	stake := e.rollup.AggregateStake()
	floor := e.cfg.MinAggregateStake
	stakeReq := Requirement{Name: "validator_stake", Met: floor == nil || !stake.Lt(floor), Detail: stake.Dec()}
	periodReq := Requirement{Name: "challenge_period_expired", Met: !now.Before(challengeEnd)}
	age := now.Sub(submittedAt)
	ageReq := Requirement{Name: "age", Met: age >= e.cfg.AbsoluteMinAge, Detail: age.Truncate(1e9).String()}

	absolute := []Requirement{confirmations(conf, e.cfg.AbsoluteConfirmations), ageReq, noDispute}
	if e.cfg.RequireProofForAbsolute {
		absolute = append(absolute, Requirement{Name: "verified_proof", Met: e.proofs != nil && e.proofs.HasVerifiedProof(batchID)})
	}
	rep.Tiers = []TierReport{
		tier(types.Probabilistic, confirmations(conf, e.cfg.FastConfirmations), noDispute),
		tier(types.Economic, confirmations(conf, e.cfg.EconomicConfirmations), periodReq, stakeReq, noDispute),
		tier(types.Absolute, absolute...),
	}
	for _, tr := range rep.Tiers {
		if tr.Met {
			rep.Highest = tr.Tier
		}
	}
	return rep, nil
}

// CheckFinalized finalizes tracked batches in batch order. A batch is only
// finalized once every earlier tracked batch has been, and it reaches the
// configured minimum tier.
func (e *Engine) CheckFinalized(ctx context.Context) ([]types.FinalizedBatch, error) {
	e.mu.RLock()
	entries := e.sortedLocked()
	e.mu.RUnlock()

	var out []types.FinalizedBatch
	for _, t := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		id := t.batch.ID
		if status, ok := e.rollup.Status(id); ok && status == types.BatchReverted {
			e.Untrack(id)
			continue
		}
		rep, err := e.Evaluate(id)
		if err != nil {
			return out, err
		}
		if rep.Highest < e.cfg.MinTier {
			break
		}
		e.mu.RLock()
		last := e.lastRoot
		chained := len(e.order) == 0 || t.batch.PreviousStateRoot == last
		e.mu.RUnlock()
		if !chained {
			log.Error(log.Finality, "Batch does not extend the finalized chain", "batch", id, "prev", t.batch.PreviousStateRoot, "finalized", last)
			break
		}
		if err := e.rollup.MarkFinalized(id); err != nil {
			return out, err
		}

		e.mu.Lock()
		fb := types.FinalizedBatch{
			BatchID:       id,
			BatchNumber:   t.batch.Number,
			StateRoot:     t.batch.StateRoot,
			L1BlockNumber: t.inclusionBlock,
			L1TxHash:      t.sub.TxHash,
			Confirmations: t.confirmations,
			Tier:          rep.Highest,
			FinalizedAt:   e.now(),
		}
		e.finalized[id] = fb
		e.order = append(e.order, id)
		e.lastRoot = fb.StateRoot
		delete(e.tracked, id)
		e.mu.Unlock()

		log.Info(log.Finality, "Batch finalized", "batch", id, "tier", fb.Tier, "confirmations", fb.Confirmations, "l1Block", fb.L1BlockNumber)
		out = append(out, fb)
	}
	return out, nil
}

// Status is Evaluate for tracked batches and a terminal report for finalized
// ones.
func (e *Engine) Status(batchID string) (*Report, error) {
	if fb, ok := e.Finalized(batchID); ok {
		return &Report{
			BatchID:       batchID,
			BatchNumber:   fb.BatchNumber,
			Included:      true,
			Confirmations: fb.Confirmations,
			Highest:       fb.Tier,
			Finalized:     true,
		}, nil
	}
	return e.Evaluate(batchID)
}

func (e *Engine) Finalized(batchID string) (types.FinalizedBatch, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fb, ok := e.finalized[batchID]
	return fb, ok
}

// FinalizedBatches returns the finalized set in finalization order.
func (e *Engine) FinalizedBatches() []types.FinalizedBatch {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.FinalizedBatch, len(e.order))
	for i, id := range e.order {
		out[i] = e.finalized[id]
	}
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Stats{
		Tracked:   len(e.tracked),
		Finalized: len(e.order),
		Reorgs:    e.reorgs,
		DeepReorg: e.deep,
		Resubmits: e.resubmits,
	}
	for _, t := range e.tracked {
		if t.stalled {
			s.Stalled++
		}
	}
	return s
}

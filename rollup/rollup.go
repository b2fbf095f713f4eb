// Package rollup is the optimistic settlement layer: batches are applied
// and anchored on their claimed roots, and stay open to fraud challenges
// until finality. A proven challenge reverts the batch and everything built
// on it, slashes the submitter and rewards the challenger.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

// StateStore is the part of the state manager the rollup drives.
type StateStore interface {
	Copy(ctx context.Context) (*statedb.L2State, error)
	ApplyStateUpdate(ctx context.Context, u *types.StateUpdate) error
	CreateSnapshot(ctx context.Context) (*types.StateSnapshot, error)
	RollbackToBlock(ctx context.Context, target uint64, reason types.RollbackReason) (*types.RollbackRecord, error)
	RollbackToSnapshot(ctx context.Context, snap *types.StateSnapshot, reason types.RollbackReason) (*types.RollbackRecord, error)
	RestoreFromSnapshot(ctx context.Context, snap *types.StateSnapshot) error
	Snapshot(ctx context.Context, block uint64) (*types.StateSnapshot, bool, error)
}

type Rollup struct {
	cfg    Config
	state  StateStore
	anchor l1.Anchor
	exec   *batch.Executor
	now    func() time.Time

	// opMu serializes everything that moves canonical state.
	opMu sync.Mutex

	mu             sync.RWMutex
	records        map[string]*Record
	order          []string
	challenges     map[string]*types.Challenge
	challengeOrder []string
	validators     map[common.Address]*Validator
	credits        map[common.Address]*uint256.Int
	escrowed       *uint256.Int
	burned         *uint256.Int
	onRevert       RevertFunc
}

func New(cfg Config, state StateStore, anchor l1.Anchor, exec *batch.Executor) *Rollup {
	return &Rollup{
		cfg:        cfg,
		state:      state,
		anchor:     anchor,
		exec:       exec,
		now:        time.Now,
		records:    make(map[string]*Record),
		challenges: make(map[string]*types.Challenge),
		validators: make(map[common.Address]*Validator),
		credits:    make(map[common.Address]*uint256.Int),
		escrowed:   new(uint256.Int),
		burned:     new(uint256.Int),
	}
}

// SetClock replaces the time source.
func (r *Rollup) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Rollup) SetOnRevert(fn RevertFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRevert = fn
}

func (r *Rollup) clock() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now()
}

func (r *Rollup) notifyRevert(ids []string, reason types.RollbackReason) {
	if len(ids) == 0 {
		return
	}
	r.mu.RLock()
	fn := r.onRevert
	r.mu.RUnlock()
	if fn != nil {
		fn(ids, reason)
	}
}

func checkWellFormed(b *types.SettlementBatch) error {
	if len(b.Transactions) == 0 {
		return settleerrors.ErrREmptyBatch
	}
	if b.StateRoot.IsZero() {
		return settleerrors.ErrRZeroStateRoot
	}
	return batch.VerifyMerkleRoot(b)
}

// SubmitBatch snapshots the pre-state, replays the batch from canonical
// state to derive its deltas, applies them under the batch's claimed roots
// and anchors the batch on L1. If anchoring fails the state is rolled back.
func (r *Rollup) SubmitBatch(ctx context.Context, b *types.SettlementBatch) (*types.L1Submission, error) {
	if err := checkWellFormed(b); err != nil {
		return nil, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	_, dup := r.records[b.ID]
	r.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrRDuplicateBatch, b.ID)
	}

	trace, snap, err := r.applyBatch(ctx, b)
	if err != nil {
		return nil, err
	}
	sub, err := r.anchor.Submit(ctx, b)
	if err != nil {
		if _, rbErr := r.state.RollbackToSnapshot(context.WithoutCancel(ctx), snap, types.RollbackSystemError); rbErr != nil {
			log.Crit(log.Rollup, "Rollback after failed anchor submission", "batch", b.ID, "err", rbErr)
		}
		return nil, fmt.Errorf("%w: %s: %v", settleerrors.ErrRAnchorUnavailable, b.ID, err)
	}

	now := r.clock()
	r.mu.Lock()
	rec := &Record{
		Seq:                len(r.order),
		Batch:              b,
		Submission:         sub,
		Submitter:          r.cfg.Submitter,
		PreSnapshot:        snap,
		Trace:              trace,
		Status:             types.BatchPending,
		SubmittedAt:        now,
		ChallengeDeadline:  now.Add(r.cfg.ChallengePeriod),
		FraudProofDeadline: now.Add(r.cfg.FraudProofWindow),
	}
	r.records[b.ID] = rec
	r.order = append(r.order, b.ID)
	r.mu.Unlock()

	log.Info(log.Rollup, "Batch submitted", "batch", b.ID, "l1tx", sub.TxHash.Hex(), "root", b.StateRoot.Hex(), "txs", len(b.Transactions))
	return sub, nil
}

// applyBatch must be called with opMu held.
func (r *Rollup) applyBatch(ctx context.Context, b *types.SettlementBatch) (*types.ExecutionTrace, *types.StateSnapshot, error) {
	working, err := r.state.Copy(ctx)
	if err != nil {
		return nil, nil, err
	}
	if working.StateRoot != b.PreviousStateRoot {
		return nil, nil, fmt.Errorf("%w: batch %s builds on %s, canonical %s", settleerrors.ErrCStateRootMismatch, b.ID, b.PreviousStateRoot.Hex(), working.StateRoot.Hex())
	}
	if b.BlockNumber != working.BlockNumber+1 {
		return nil, nil, fmt.Errorf("%w: batch %s targets block %d, canonical %d", settleerrors.ErrCBlockNumberMismatch, b.ID, b.BlockNumber, working.BlockNumber)
	}
	snap, err := r.state.CreateSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("pre-state snapshot for %s: %w", b.ID, err)
	}
	res, err := r.exec.Execute(ctx, working, b.Transactions)
	if err != nil {
		return nil, nil, fmt.Errorf("replay %s: %w", b.ID, err)
	}
	if len(res.Dropped) > 0 {
		log.Warn(log.Rollup, "Replay dropped transactions", "batch", b.ID, "dropped", len(res.Dropped))
	}
	if res.PostRoot != b.StateRoot {
		// optimistic: the claimed root stands until a challenge proves otherwise
		log.Warn(log.Rollup, "Claimed root differs from replay", "batch", b.ID, "claimed", b.StateRoot.Hex(), "replayed", res.PostRoot.Hex())
	}
	update := &types.StateUpdate{
		BatchID:         b.ID,
		BlockNumber:     b.BlockNumber,
		Changes:         res.Changes,
		StateRootBefore: b.PreviousStateRoot,
		StateRootAfter:  b.StateRoot,
		TxCount:         uint64(len(res.Included)),
		GasUsed:         res.GasUsed,
		Timestamp:       b.CreatedAt,
	}
	if err := r.state.ApplyStateUpdate(ctx, update); err != nil {
		return nil, nil, err
	}
	return res.Trace(), snap, nil
}

// Resubmit anchors a batch again, typically because its previous
// submission was never included.
func (r *Rollup) Resubmit(ctx context.Context, batchID string) (*types.L1Submission, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.RLock()
	rec, ok := r.records[batchID]
	var status types.BatchFinalityStatus
	if ok {
		status = rec.Status
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrRBatchNotFound, batchID)
	}
	switch status {
	case types.BatchReverted:
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrRBatchReverted, batchID)
	case types.BatchFinalized:
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrDBatchFinalized, batchID)
	}
	sub, err := r.anchor.Submit(ctx, rec.Batch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", settleerrors.ErrRAnchorUnavailable, batchID, err)
	}
	r.mu.Lock()
	rec.Submission = sub
	rec.Resubmits++
	r.mu.Unlock()
	log.Info(log.Rollup, "Batch resubmitted", "batch", batchID, "l1tx", sub.TxHash.Hex(), "attempt", sub.Attempt)
	return sub, nil
}

// MarkFinalized closes a batch. Finalized batches can no longer be
// challenged or reverted.
func (r *Rollup) MarkFinalized(batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", settleerrors.ErrRBatchNotFound, batchID)
	}
	if rec.Status == types.BatchReverted {
		return fmt.Errorf("%w: %s", settleerrors.ErrRBatchReverted, batchID)
	}
	rec.Status = types.BatchFinalized
	return nil
}

// rollbackToPreState returns canonical state to the block before rec. The
// retained snapshot window is used when it still covers that block,
// otherwise the record's own pre-state snapshot.
func (r *Rollup) rollbackToPreState(ctx context.Context, rec *Record, reason types.RollbackReason) error {
	preBlock := rec.Batch.BlockNumber - 1
	if _, ok, err := r.state.Snapshot(ctx, preBlock); err == nil && ok {
		_, err = r.state.RollbackToBlock(ctx, preBlock, reason)
		return err
	}
	log.Debug(log.Rollup, "Pre-block snapshot evicted, restoring from record", "batch", rec.Batch.ID, "block", preBlock)
	_, err := r.state.RollbackToSnapshot(ctx, rec.PreSnapshot, reason)
	return err
}

// revertFrom must be called with opMu held. It reverts target and every
// later live batch, rolling canonical state back to target's pre-state.
func (r *Rollup) revertFrom(ctx context.Context, target *Record, reason types.RollbackReason) ([]string, error) {
	if err := r.rollbackToPreState(ctx, target, reason); err != nil {
		return nil, fmt.Errorf("revert %s: %w", target.Batch.ID, err)
	}

	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	var reverted []string
	for _, id := range r.order[target.Seq:] {
		rec := r.records[id]
		if rec.Status == types.BatchReverted || rec.Status == types.BatchFinalized {
			continue
		}
		rec.Status = types.BatchReverted
		rec.RevertedAt = now
		rec.RevertReason = reason.String()
		reverted = append(reverted, id)
		if id != target.Batch.ID {
			r.closeChallengesLocked(id, now, "batch reverted with "+target.Batch.ID)
		}
	}
	log.Warn(log.Rollup, "Batches reverted", "from", target.Batch.ID, "count", len(reverted), "reason", reason, "root", target.Batch.PreviousStateRoot.Hex())
	return reverted, nil
}

// closeChallengesLocked resolves every open challenge on batchID as
// NoContest and returns the stakes.
func (r *Rollup) closeChallengesLocked(batchID string, now time.Time, detail string) {
	for _, cid := range r.challengeOrder {
		ch := r.challenges[cid]
		if ch.BatchID != batchID || ch.Status != types.ChallengeOpen {
			continue
		}
		r.settleLocked(ch, types.NoContest, now, detail)
		r.creditLocked(ch.Challenger, ch.Stake)
	}
}

func (r *Rollup) creditLocked(addr common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	c, ok := r.credits[addr]
	if !ok {
		c = new(uint256.Int)
		r.credits[addr] = c
	}
	c.Add(c, amount)
}

func (r *Rollup) settleLocked(ch *types.Challenge, outcome types.ChallengeOutcome, now time.Time, detail string) {
	ch.Status = types.ChallengeResolved
	ch.Outcome = outcome
	ch.ResolvedAt = now
	ch.Detail = detail
	r.escrowed.Sub(r.escrowed, ch.Stake)
}

// HandleReorg rolls canonical state back to the pre-state of the earliest
// affected batch, then replays and re-anchors every live batch from there
// on, in order. It returns the new submissions keyed by batch id. If a
// replay or re-anchor fails, canonical state is restored to the pre-reorg
// head so it still matches every live record; submissions already made are
// returned alongside the error.
func (r *Rollup) HandleReorg(ctx context.Context, batchIDs []string) (map[string]*types.L1Submission, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	var earliest *Record
	for _, id := range batchIDs {
		rec, ok := r.records[id]
		if !ok || rec.Status == types.BatchReverted || rec.Status == types.BatchFinalized {
			continue
		}
		if earliest == nil || rec.Seq < earliest.Seq {
			earliest = rec
		}
	}
	var replay []*Record
	if earliest != nil {
		for _, id := range r.order[earliest.Seq:] {
			if rec := r.records[id]; rec.Status != types.BatchReverted && rec.Status != types.BatchFinalized {
				replay = append(replay, rec)
			}
		}
	}
	r.mu.RUnlock()
	if earliest == nil {
		return nil, nil
	}

	current, err := r.state.Copy(ctx)
	if err != nil {
		return nil, err
	}
	head, err := statedb.NewSnapshot(current)
	if err != nil {
		return nil, fmt.Errorf("reorg head snapshot: %w", err)
	}
	if err := r.rollbackToPreState(ctx, earliest, types.RollbackChainReorg); err != nil {
		return nil, fmt.Errorf("reorg rollback to %s: %w", earliest.Batch.ID, err)
	}

	subs := make(map[string]*types.L1Submission, len(replay))
	abort := func(cause error) (map[string]*types.L1Submission, error) {
		if err := r.state.RestoreFromSnapshot(context.WithoutCancel(ctx), head); err != nil {
			log.Crit(log.Rollup, "Restore after failed reorg replay", "block", head.BlockNumber, "err", err)
			return subs, fmt.Errorf("%w (restore failed: %v)", cause, err)
		}
		log.Warn(log.Rollup, "Reorg replay aborted, head restored", "from", earliest.Batch.ID, "replayed", len(subs), "block", head.BlockNumber, "root", head.StateRoot.Hex(), "err", cause)
		return subs, cause
	}
	for _, rec := range replay {
		trace, snap, err := r.applyBatch(ctx, rec.Batch)
		if err != nil {
			return abort(fmt.Errorf("reorg replay %s: %w", rec.Batch.ID, err))
		}
		sub, err := r.anchor.Submit(ctx, rec.Batch)
		if err != nil {
			return abort(fmt.Errorf("%w: reorg re-anchor %s: %v", settleerrors.ErrRAnchorUnavailable, rec.Batch.ID, err))
		}
		r.mu.Lock()
		rec.Trace = trace
		rec.PreSnapshot = snap
		rec.Submission = sub
		r.mu.Unlock()
		subs[rec.Batch.ID] = sub
	}
	log.Warn(log.Rollup, "Reorg handled", "from", earliest.Batch.ID, "replayed", len(subs))
	return subs, nil
}

func (r *Rollup) Record(batchID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[batchID]
	if !ok {
		return nil, false
	}
	c := *rec
	return &c, true
}

// Records lists history in submission order.
func (r *Rollup) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		c := *r.records[id]
		out = append(out, &c)
	}
	return out
}

func (r *Rollup) Status(batchID string) (types.BatchFinalityStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[batchID]
	if !ok {
		return 0, false
	}
	return rec.Status, true
}

// Credits is what the rollup owes addr from returned stakes, rewards and
// forfeits.
func (r *Rollup) Credits(addr common.Address) *uint256.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.credits[addr]; ok {
		return new(uint256.Int).Set(c)
	}
	return new(uint256.Int)
}

func (r *Rollup) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Submitted: len(r.order),
		Escrowed:  new(uint256.Int).Set(r.escrowed),
		Burned:    new(uint256.Int).Set(r.burned),
	}
	for _, rec := range r.records {
		switch rec.Status {
		case types.BatchPending:
			s.Pending++
		case types.BatchChallenged:
			s.Challenged++
		case types.BatchFinalized:
			s.Finalized++
		case types.BatchReverted:
			s.Reverted++
		}
	}
	for _, ch := range r.challenges {
		if ch.Status == types.ChallengeOpen {
			s.OpenChallenges++
		} else {
			s.ResolvedChallenges++
		}
	}
	return s
}

func sortedAddrs(m map[common.Address]*Validator) []common.Address {
	out := make([]common.Address, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

package rollup

import (
	"context"
	"errors"
	"fmt"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

const bpsDenominator = 10_000

// SubmitChallenge opens a dispute against a submitted batch and escrows the
// challenger's stake.
func (r *Rollup) SubmitChallenge(batchID string, challenger common.Address, stake *uint256.Int, kind types.ChallengeType, evidence []byte) (string, error) {
	if stake == nil || stake.Lt(r.cfg.MinChallengeStake) {
		return "", fmt.Errorf("%w: minimum %s", settleerrors.ErrDInsufficientStake, r.cfg.MinChallengeStake.Dec())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[batchID]
	if !ok {
		return "", fmt.Errorf("%w: %s", settleerrors.ErrRBatchNotFound, batchID)
	}
	switch rec.Status {
	case types.BatchFinalized:
		return "", fmt.Errorf("%w: %s", settleerrors.ErrDBatchFinalized, batchID)
	case types.BatchReverted:
		return "", fmt.Errorf("%w: %s", settleerrors.ErrRBatchReverted, batchID)
	}
	now := r.now()
	if now.After(rec.FraudProofDeadline) {
		return "", fmt.Errorf("%w: %s closed at %s", settleerrors.ErrDWindowClosed, batchID, rec.FraudProofDeadline.Format("2006-01-02T15:04:05Z07:00"))
	}
	ch := &types.Challenge{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Challenger: challenger,
		Stake:      new(uint256.Int).Set(stake),
		Type:       kind,
		Evidence:   append([]byte(nil), evidence...),
		CreatedAt:  now,
		Deadline:   now.Add(r.cfg.FraudProofWindow),
		Status:     types.ChallengeOpen,
	}
	r.challenges[ch.ID] = ch
	r.challengeOrder = append(r.challengeOrder, ch.ID)
	r.escrowed.Add(r.escrowed, ch.Stake)
	rec.Status = types.BatchChallenged
	log.Info(log.Rollup, "Challenge opened", "challenge", ch.ID, "batch", batchID, "challenger", challenger.Hex(), "type", kind, "stake", stake.Dec())
	return ch.ID, nil
}

// ProcessChallenge re-executes the challenged batch from its pre-state and
// settles the dispute. A root mismatch reverts the batch (and every batch
// built on it), slashes the submitter and rewards the challenger; a match
// forfeits the challenger's stake to the submitter.
func (r *Rollup) ProcessChallenge(ctx context.Context, id string) (*Resolution, error) {
	res, err := r.processChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	r.notifyRevert(res.Reverted, types.RollbackFraudProof)
	return res, nil
}

func (r *Rollup) processChallenge(ctx context.Context, id string) (*Resolution, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.RLock()
	ch, ok := r.challenges[id]
	var (
		rec         *Record
		open        bool
		batchStatus types.BatchFinalityStatus
	)
	if ok {
		rec = r.records[ch.BatchID]
		open = ch.Status == types.ChallengeOpen
		batchStatus = rec.Status
	}
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrDChallengeNotFound, id)
	}
	if !open {
		return nil, fmt.Errorf("%w: %s", settleerrors.ErrDChallengeResolved, id)
	}
	res := &Resolution{ChallengeID: id, BatchID: ch.BatchID}
	now := r.clock()

	if batchStatus == types.BatchReverted || now.After(ch.Deadline) {
		detail := "batch already reverted"
		if batchStatus != types.BatchReverted {
			detail = "processed after deadline"
		}
		r.mu.Lock()
		r.settleLocked(ch, types.NoContest, now, detail)
		r.creditLocked(ch.Challenger, ch.Stake)
		r.restoreStatusLocked(rec)
		r.mu.Unlock()
		res.Outcome = types.NoContest
		log.Info(log.Rollup, "Challenge resolved", "challenge", id, "batch", ch.BatchID, "outcome", res.Outcome, "detail", detail)
		return res, nil
	}

	correct, verified, err := r.rederive(ctx, rec, ch)
	if err != nil {
		return nil, err
	}

	if correct != rec.Batch.StateRoot {
		reverted, err := r.revertFrom(ctx, rec, types.RollbackFraudProof)
		if err != nil {
			return nil, err
		}
		res.Reverted = reverted
		res.Outcome = types.ChallengeSuccessful

		r.mu.Lock()
		ch.EvidenceVerified = verified
		slash := r.slashLocked(rec.Submitter)
		reward := new(uint256.Int).Mul(slash, uint256.NewInt(r.cfg.RewardBps))
		reward.Div(reward, uint256.NewInt(bpsDenominator))
		r.burned.Add(r.burned, new(uint256.Int).Sub(slash, reward))
		r.settleLocked(ch, types.ChallengeSuccessful, now, fmt.Sprintf("claimed %s, re-derived %s", rec.Batch.StateRoot.Hex(), correct.Hex()))
		r.creditLocked(ch.Challenger, ch.Stake)
		r.creditLocked(ch.Challenger, reward)
		r.mu.Unlock()
		log.Warn(log.Rollup, "Fraud proven", "challenge", id, "batch", ch.BatchID, "slashed", slash.Dec(), "reward", reward.Dec(), "reverted", len(reverted))
		return res, nil
	}

	r.mu.Lock()
	ch.EvidenceVerified = verified
	r.settleLocked(ch, types.ChallengeFailed, now, "re-derived root matches claim")
	r.creditLocked(rec.Submitter, ch.Stake)
	r.restoreStatusLocked(rec)
	r.mu.Unlock()
	res.Outcome = types.ChallengeFailed
	log.Info(log.Rollup, "Challenge failed", "challenge", id, "batch", ch.BatchID, "forfeit", ch.Stake.Dec())
	return res, nil
}

// rederive replays the batch from its pre-state snapshot and checks the
// evidence's balance claims against the result.
func (r *Rollup) rederive(ctx context.Context, rec *Record, ch *types.Challenge) (common.Hash, bool, error) {
	pre, err := statedb.StateFromSnapshot(rec.PreSnapshot)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("load pre-state of %s: %w", rec.Batch.ID, err)
	}
	out, err := r.exec.Execute(ctx, pre, rec.Batch.Transactions)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("re-execute %s: %w", rec.Batch.ID, err)
	}
	evidence := types.DecodeEvidence(ch.Evidence)
	verified := len(evidence.Claims) > 0
	for _, c := range evidence.Claims {
		if c.Balance == nil || !pre.Balance(c.Address, c.Token).Eq(c.Balance) {
			verified = false
			break
		}
	}
	return out.PostRoot, verified, nil
}

// restoreStatusLocked returns a challenged batch to Pending once no open
// challenge remains against it.
func (r *Rollup) restoreStatusLocked(rec *Record) {
	if rec.Status != types.BatchChallenged {
		return
	}
	if r.hasOpenChallengeLocked(rec.Batch.ID) {
		return
	}
	rec.Status = types.BatchPending
}

func (r *Rollup) hasOpenChallengeLocked(batchID string) bool {
	for _, ch := range r.challenges {
		if ch.BatchID == batchID && ch.Status == types.ChallengeOpen {
			return true
		}
	}
	return false
}

func (r *Rollup) HasOpenChallenge(batchID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasOpenChallengeLocked(batchID)
}

// ProcessOpenChallenges resolves every open challenge in the order they
// were opened.
func (r *Rollup) ProcessOpenChallenges(ctx context.Context) ([]*Resolution, error) {
	var out []*Resolution
	for _, id := range r.OpenChallenges() {
		res, err := r.ProcessChallenge(ctx, id)
		if err != nil {
			// a revert earlier in this pass may have closed it
			if errors.Is(err, settleerrors.ErrDChallengeResolved) {
				continue
			}
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// OpenChallenges lists open challenge ids, oldest first.
func (r *Rollup) OpenChallenges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for _, id := range r.challengeOrder {
		if r.challenges[id].Status == types.ChallengeOpen {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Rollup) Challenge(id string) (*types.Challenge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.challenges[id]
	if !ok {
		return nil, false
	}
	return ch.Copy(), true
}

func (r *Rollup) Challenges(batchID string) []*types.Challenge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.Challenge
	for _, id := range r.challengeOrder {
		if ch := r.challenges[id]; ch.BatchID == batchID {
			out = append(out, ch.Copy())
		}
	}
	return out
}

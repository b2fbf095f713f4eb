package engine

import (
	"context"
	"testing"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/merkle"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startBalance = 1_000_000

type harness struct {
	t      *testing.T
	engine *Engine
	state  *statedb.Manager
	anchor *l1.SimulatedAnchor
	ledger *services.MemoryLedger
	policy *services.StaticPolicy
	now    time.Time
}

func newHarness(t *testing.T, accounts int, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		anchor: l1.NewSimulatedAnchor(),
		ledger: services.NewMemoryLedger(),
		policy: services.NewStaticPolicy(),
		now:    time.Unix(1_700_000_000, 0),
	}
	allocs := make([]statedb.GenesisAlloc, accounts)
	for i := range allocs {
		addr, _ := common.DevAccount(i)
		allocs[i] = statedb.GenesisAlloc{Address: addr, Token: types.NativeToken, Balance: uint256.NewInt(startBalance)}
		h.ledger.Set(addr, types.NativeToken, uint256.NewInt(startBalance))
	}
	state, err := statedb.NewManager(statedb.DefaultConfig(), statedb.NewGenesisState(allocs), nil)
	require.NoError(t, err)
	t.Cleanup(state.Close)
	h.state = state

	cfg := DefaultConfig()
	cfg.Rollup.Submitter, _ = common.DevAccount(5000)
	cfg.Rollup.ChallengePeriod = time.Hour
	cfg.OperatorStake = rollup.Tokens(1000)
	if tweak != nil {
		tweak(&cfg)
	}
	h.engine, err = New(cfg, state, h.anchor, Services{Ledger: h.ledger, Policy: h.policy, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	h.engine.SetClock(func() time.Time { return h.now })
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) transfer(from, to int, amount, nonce, gasPrice uint64) *types.Transaction {
	h.t.Helper()
	fromAddr, key := common.DevAccount(from)
	toAddr, _ := common.DevAccount(to)
	tx := types.NewTransfer(fromAddr, toAddr, amount, nonce, 100_000, gasPrice)
	require.NoError(h.t, tx.Sign(key))
	return tx
}

func (h *harness) submit(tx *types.Transaction) string {
	h.t.Helper()
	id, err := h.engine.SubmitTransaction(context.Background(), tx)
	require.NoError(h.t, err)
	return id
}

func (h *harness) status(id string) types.SettlementStatus {
	h.t.Helper()
	st, err := h.engine.SettlementStatus(id)
	require.NoError(h.t, err)
	return st
}

func (h *harness) produce() {
	h.t.Helper()
	require.NoError(h.t, h.engine.ProduceBatch(context.Background()))
}

func (h *harness) settle() {
	h.t.Helper()
	require.NoError(h.t, h.engine.SettlePending(context.Background()))
}

func (h *harness) monitor() {
	h.t.Helper()
	require.NoError(h.t, h.engine.MonitorFinality(context.Background()))
}

func TestAdmissionNonceRules(t *testing.T) {
	h := newHarness(t, 2, nil)
	ctx := context.Background()

	first := h.transfer(0, 1, 10, 1, 1)
	h.submit(first)

	_, err := h.engine.SubmitTransaction(ctx, first)
	assert.ErrorIs(t, err, settleerrors.ErrADuplicateTransaction)

	_, err = h.engine.SubmitTransaction(ctx, h.transfer(0, 1, 11, 1, 1))
	assert.ErrorIs(t, err, settleerrors.ErrANonceMismatch, "same nonce, different tx")

	_, err = h.engine.SubmitTransaction(ctx, h.transfer(0, 1, 10, 3, 1))
	assert.ErrorIs(t, err, settleerrors.ErrANonceMismatch, "gap")

	h.submit(h.transfer(0, 1, 10, 2, 1))
	sender, _ := common.DevAccount(0)
	tracked, ok := h.engine.pool.TrackedNonce(sender)
	require.True(t, ok)
	assert.Equal(t, uint64(2), tracked)
	assert.Equal(t, 2, h.engine.pool.Size())
}

func TestPoolCapacity(t *testing.T) {
	h := newHarness(t, 3, func(c *Config) { c.MaxPending = 2 })
	h.submit(h.transfer(0, 1, 1, 1, 1))
	h.submit(h.transfer(1, 2, 1, 1, 1))
	_, err := h.engine.SubmitTransaction(context.Background(), h.transfer(2, 0, 1, 1, 1))
	assert.ErrorIs(t, err, settleerrors.ErrAPoolFull)
}

func TestPolicyGate(t *testing.T) {
	h := newHarness(t, 3, nil)
	denied, _ := common.DevAccount(1)
	flagged, _ := common.DevAccount(2)
	h.policy.Deny(denied, "sanctioned")
	h.policy.Prioritize(flagged)

	_, err := h.engine.SubmitTransaction(context.Background(), h.transfer(1, 0, 1, 1, 1))
	assert.ErrorIs(t, err, settleerrors.ErrAPolicyRejected)

	h.submit(h.transfer(2, 0, 1, 1, 1))
	h.submit(h.transfer(0, 1, 1, 1, 1))
	st := h.engine.pool.Stats()
	assert.Equal(t, 1, st.Priority)
	assert.Equal(t, 1, st.FIFO)
}

func TestPriorityPromotion(t *testing.T) {
	h := newHarness(t, 2, nil)
	gwei := uint64(1_000_000_000)
	h.submit(h.transfer(0, 1, 1, 1, 1))
	h.submit(h.transfer(1, 0, 1, 1, 1))
	assert.Equal(t, 2, h.engine.pool.Stats().FIFO)

	h.submit(h.transfer(0, 1, 1, 2, 60*gwei))
	st := h.engine.pool.Stats()
	assert.Equal(t, 2, st.Priority, "earlier nonce follows its sender into the priority lane")
	assert.Equal(t, 1, st.FIFO)

	drained := h.engine.pool.Drain(2)
	require.Len(t, drained, 2)
	assert.Equal(t, uint64(1), drained[0].Nonce)
	assert.Equal(t, uint64(2), drained[1].Nonce)
}

func TestThousandSenderBatch(t *testing.T) {
	const senders = 1000
	h := newHarness(t, senders, nil)
	ids := make([]string, senders)
	for i := 0; i < senders; i++ {
		ids[i] = h.submit(h.transfer(i, 2000+i, 10, 1, 1))
	}
	assert.Equal(t, types.StatusPending, h.status(ids[0]).State)

	h.produce()
	qs := h.engine.queue.GetStats()
	require.Equal(t, 1, qs.QueuedCount)
	b, state, err := h.engine.Batch(types.BatchID(1))
	require.NoError(t, err)
	assert.Equal(t, BatchQueued, state)
	require.Len(t, b.Transactions, senders)
	assert.Equal(t, uint64(senders*23_300), b.GasUsed)
	assert.Equal(t, types.StatusBatchedForSettlement, h.status(ids[senders-1]).State)

	genesis := h.state.StateRoot()
	h.settle()
	assert.Equal(t, b.StateRoot, h.state.StateRoot())
	assert.NotEqual(t, genesis, h.state.StateRoot())
	assert.Equal(t, types.StatusSubmittedToL1, h.status(ids[0]).State)

	h.anchor.Mine(1)
	h.monitor()
	st := h.status(ids[0])
	assert.Equal(t, types.StatusChallengePhase, st.State)
	assert.Equal(t, b.ID, st.BatchID)

	h.anchor.Mine(11)
	h.now = h.now.Add(2 * time.Hour)
	h.monitor()
	assert.Equal(t, types.StatusFinalized, h.status(ids[0]).State)
	fb, ok := h.engine.FinalizedBatch(b.ID)
	require.True(t, ok)
	assert.Equal(t, types.Economic, fb.Tier)
	assert.Equal(t, b.StateRoot, fb.StateRoot)

	assert.Equal(t, 2*senders, h.ledger.Applied())
	sender, _ := common.DevAccount(0)
	recipient, _ := common.DevAccount(2000)
	bal, _ := h.ledger.Balance(context.Background(), sender, types.NativeToken)
	assert.Equal(t, uint64(startBalance-10), bal.Uint64())
	bal, _ = h.ledger.Balance(context.Background(), recipient, types.NativeToken)
	assert.Equal(t, uint64(10), bal.Uint64())

	stats := h.engine.Statistics()
	assert.Equal(t, uint64(senders), stats.Finalized)
	assert.Equal(t, 1, stats.Queue.FinalizedCount)
	m := h.engine.Metrics()
	assert.Equal(t, uint64(1), m.BatchesCreated)
	assert.Equal(t, 1.0, m.SuccessRate)
}

func TestInsufficientBalanceRejectedAtValidation(t *testing.T) {
	h := newHarness(t, 2, nil)
	poor := h.submit(h.transfer(0, 1, startBalance+1, 1, 1))
	gapped := h.submit(h.transfer(0, 1, 5, 2, 1))

	h.produce()
	assert.Equal(t, 0, h.engine.queue.GetStats().QueuedCount)
	st := h.status(poor)
	assert.Equal(t, types.StatusFailed, st.State)
	assert.Equal(t, "InsufficientBalance", st.Reason)
	assert.Equal(t, types.StatusFailed, h.status(gapped).State)

	sender, _ := common.DevAccount(0)
	tracked, _ := h.engine.pool.TrackedNonce(sender)
	assert.Equal(t, uint64(0), tracked)
	h.submit(h.transfer(0, 1, 5, 1, 1))

	// the permit of the empty attempt was released
	h.produce()
	assert.Equal(t, 1, h.engine.queue.GetStats().QueuedCount)
}

func TestLaterNoncesEvictedAfterDrop(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) { c.Batch.MaxBatchSize = 1 })
	poor := h.submit(h.transfer(0, 1, startBalance+1, 1, 1))
	later := h.submit(h.transfer(0, 1, 5, 2, 1))

	h.produce()
	assert.Equal(t, "InsufficientBalance", h.status(poor).Reason)
	st := h.status(later)
	assert.Equal(t, types.StatusFailed, st.State)
	assert.Equal(t, reasonNonceGap, st.Reason)
	assert.Equal(t, 0, h.engine.pool.Size())
}

func TestFinalizedStatusOutlivesRetention(t *testing.T) {
	h := newHarness(t, 4, func(c *Config) { c.FinalizedRetention = 1 })
	first := h.submit(h.transfer(0, 2, 10, 1, 1))
	h.produce()
	h.settle()
	second := h.submit(h.transfer(1, 3, 10, 1, 1))
	h.produce()
	h.settle()
	assert.Equal(t, 2, h.engine.pool.Stats().Senders)

	h.anchor.Mine(12)
	h.now = h.now.Add(2 * time.Hour)
	h.monitor()

	require.Equal(t, 1, h.engine.queue.GetStats().FinalizedCount)
	st := h.status(first)
	assert.Equal(t, types.StatusFinalized, st.State)
	assert.Equal(t, types.BatchID(1), st.BatchID)
	assert.Equal(t, types.StatusFinalized, h.status(second).State)

	// both senders are settled and idle
	require.NoError(t, h.engine.cleanup(context.Background()))
	assert.Equal(t, 0, h.engine.pool.Stats().Senders)
	h.submit(h.transfer(0, 2, 10, 2, 1))
}

func TestUnknownTransaction(t *testing.T) {
	h := newHarness(t, 1, nil)
	_, err := h.engine.SettlementStatus("0xdeadbeef")
	assert.ErrorIs(t, err, settleerrors.ErrAUnknownTransaction)
}

func TestFraudulentBatchReverted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3, nil)
	genesis := h.state.StateRoot()

	bad := []string{
		h.submit(h.transfer(0, 1, 500, 1, 1)),
		h.submit(h.transfer(1, 2, 300, 1, 1)),
	}
	h.produce()
	item := h.engine.queue.Queued[1]
	require.NotNil(t, item)
	honest := item.Batch
	forged := *honest
	forged.StateRoot = common.Blake2Hash([]byte("forged"))
	item.Batch = &forged
	h.settle()
	require.Equal(t, forged.StateRoot, h.state.StateRoot())

	// built on the honest head, queued behind the forged batch
	follower := h.submit(h.transfer(2, 0, 1, 1, 1))
	h.produce()
	assert.Equal(t, types.StatusBatchedForSettlement, h.status(follower).State)

	recipient, _ := common.DevAccount(1)
	evidence := (&types.FraudEvidence{Claims: []types.BalanceClaim{
		{Address: recipient, Token: types.NativeToken, Balance: uint256.NewInt(startBalance + 500 - 300)},
	}}).Encode()
	challenger, _ := common.DevAccount(7000)
	chID, err := h.engine.SubmitChallenge(forged.ID, challenger, rollup.Tokens(100), types.InvalidStateTransition, evidence)
	require.NoError(t, err)

	res, err := h.engine.ProcessChallenge(ctx, chID)
	require.NoError(t, err)
	assert.Equal(t, types.ChallengeSuccessful, res.Outcome)
	assert.Equal(t, []string{forged.ID}, res.Reverted)

	assert.Equal(t, genesis, h.state.StateRoot())
	for _, id := range bad {
		st := h.status(id)
		assert.Equal(t, types.StatusFailed, st.State)
		assert.Equal(t, "batch reverted: FraudProof", st.Reason)
	}
	assert.Equal(t, types.StatusFailed, h.status(follower).State)
	_, state, err := h.engine.Batch(forged.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchReverted, state)
	assert.False(t, h.engine.finality.IsTracked(forged.ID))

	// senders are back at their canonical nonce and can resubmit
	for i := 0; i < 3; i++ {
		addr, _ := common.DevAccount(i)
		tracked, _ := h.engine.pool.TrackedNonce(addr)
		assert.Equal(t, uint64(0), tracked)
	}
	h.submit(h.transfer(0, 1, 500, 1, 1))
	h.produce()
	h.settle()
	assert.NotEqual(t, genesis, h.state.StateRoot())
	qs := h.engine.queue.GetStats()
	assert.Equal(t, 1, qs.InflightCount)
	assert.Equal(t, 1, qs.RevertedCount)
	assert.Equal(t, 1, qs.FailedCount)
}

func TestAnchorOutageRetriesThenFails(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) { c.MaxSubmitRetries = 2 })
	genesis := h.state.StateRoot()
	id := h.submit(h.transfer(0, 1, 10, 1, 1))
	h.produce()

	h.anchor.SetUnavailable(true)
	h.settle()
	assert.Equal(t, genesis, h.state.StateRoot(), "rolled back after the failed anchor call")
	assert.Equal(t, types.StatusBatchedForSettlement, h.status(id).State)

	h.settle()
	st := h.status(id)
	assert.Equal(t, types.StatusFailed, st.State)
	assert.Equal(t, "AnchorUnavailable", st.Reason)
	assert.Equal(t, 1, h.engine.queue.GetStats().FailedCount)

	h.anchor.SetUnavailable(false)
	again := h.submit(h.transfer(0, 1, 10, 1, 1))
	h.produce()
	h.settle()
	assert.Equal(t, types.StatusSubmittedToL1, h.status(again).State)
}

func TestInclusionProof(t *testing.T) {
	h := newHarness(t, 5, nil)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(h.transfer(i, (i+1)%5, 1, 1, 1)))
	}
	h.produce()
	for _, id := range ids {
		b, index, path, err := h.engine.InclusionProof(id)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(b.MerkleRoot, b.Transactions[index].Hash().Bytes(), index, len(b.Transactions), path))
	}
	_, _, _, err := h.engine.InclusionProof("missing")
	assert.ErrorIs(t, err, settleerrors.ErrAUnknownTransaction)
}

func TestInlineProofAttached(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) { c.ProofMode = ProofInline })
	h.submit(h.transfer(0, 1, 10, 1, 1))
	h.produce()
	h.settle()
	b, state, err := h.engine.Batch(types.BatchID(1))
	require.NoError(t, err)
	assert.Equal(t, BatchSubmitted, state)
	require.NotNil(t, b.Proof)
	assert.True(t, h.engine.Proofs().HasVerifiedProof(b.ID))
}

func TestFinalizedProofsAggregated(t *testing.T) {
	h := newHarness(t, 4, func(c *Config) {
		c.ProofMode = ProofInline
		c.AggregateEvery = 2
	})
	for i := 0; i < 2; i++ {
		h.submit(h.transfer(i, i+2, 10, 1, 1))
		h.produce()
		h.settle()
	}
	_, ok := h.engine.AggregateProof()
	assert.False(t, ok)

	h.anchor.Mine(12)
	h.now = h.now.Add(2 * time.Hour)
	h.monitor()

	agg, ok := h.engine.AggregateProof()
	require.True(t, ok)
	assert.Equal(t, types.ProofAggregate, agg.Kind)
	assert.Equal(t, []string{types.BatchID(1), types.BatchID(2)}, agg.BatchIDs)
	valid, err := h.engine.Proofs().VerifyProof(context.Background(), agg)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestEventFeed(t *testing.T) {
	h := newHarness(t, 2, nil)
	events, cancel := h.engine.Subscribe()
	defer cancel()

	id := h.submit(h.transfer(0, 1, 10, 1, 1))
	h.produce()
	h.settle()

	want := []string{EventTxAdmitted, EventBatchCreated, EventBatchSubmitted}
	for _, typ := range want {
		select {
		case ev := <-events:
			assert.Equal(t, typ, ev.Type)
			if typ == EventTxAdmitted {
				assert.Equal(t, id, ev.TxID)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestSupervisedPipeline(t *testing.T) {
	h := newHarness(t, 2, func(c *Config) {
		c.BatchTimeout = 5 * time.Millisecond
		c.SettlementInterval = 10 * time.Millisecond
		c.FinalityInterval = 20 * time.Millisecond
		c.MetricsInterval = 10 * time.Millisecond
		c.CleanupInterval = 50 * time.Millisecond
	})
	require.NoError(t, h.engine.Start(context.Background()))
	assert.True(t, h.engine.IsHealthy())

	id := h.submit(h.transfer(0, 1, 10, 1, 1))
	require.Eventually(t, func() bool {
		st, err := h.engine.SettlementStatus(id)
		return err == nil && st.State == types.StatusSubmittedToL1
	}, 2*time.Second, 5*time.Millisecond)

	h.engine.Stop()
	select {
	case <-h.engine.Done():
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.False(t, h.engine.IsHealthy())
	_, err := h.engine.SubmitTransaction(context.Background(), h.transfer(1, 0, 1, 1, 1))
	assert.ErrorIs(t, err, settleerrors.ErrAEngineStopped)
}

func TestStateCloseStopsSupervisor(t *testing.T) {
	h := newHarness(t, 1, func(c *Config) { c.MetricsInterval = 5 * time.Millisecond })
	require.NoError(t, h.engine.Start(context.Background()))
	h.state.Close()
	select {
	case <-h.engine.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor kept running without state")
	}
	assert.ErrorIs(t, h.engine.supervisor.Err(), settleerrors.ErrSManagerClosed)
}

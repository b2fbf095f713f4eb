package engine

import (
	"errors"
	"testing"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedBatch(number uint64) *types.SettlementBatch {
	return &types.SettlementBatch{
		ID:           types.BatchID(number),
		Number:       number,
		Transactions: []*types.Transaction{unsigned(int(number), 1, 1)},
	}
}

func TestQueueOrderAndLimit(t *testing.T) {
	q := NewSettlementQueue(QueueConfig{SettlePerTick: 2, MaxSubmitRetries: 3, RetentionWindow: 10})
	for _, n := range []uint64{3, 1, 2} {
		q.Enqueue(queuedBatch(n))
	}
	next := q.Next()
	require.Len(t, next, 2)
	assert.Equal(t, uint64(1), next[0].Number)
	assert.Equal(t, uint64(2), next[1].Number)
	assert.Equal(t, 3, q.GetStats().QueuedCount, "Next does not dequeue")
}

func TestQueueLifecycle(t *testing.T) {
	q := NewSettlementQueue(DefaultQueueConfig())
	var transitions []BatchState
	q.SetStatusChangeCallback(func(_ *QueueItem, _, to BatchState) { transitions = append(transitions, to) })

	b := queuedBatch(1)
	item := q.Enqueue(b)
	txID := b.Transactions[0].ID()
	got, ok := q.ItemByTx(txID)
	require.True(t, ok)
	assert.Equal(t, BatchQueued, got.Status)

	sub := &types.L1Submission{BatchID: b.ID, TxHash: common.Blake2Hash([]byte("l1"))}
	q.MarkSubmitted(item, b, sub)
	assert.Equal(t, []string{b.ID}, q.InflightIDs())

	resub := &types.L1Submission{BatchID: b.ID, TxHash: common.Blake2Hash([]byte("l1-again")), Attempt: 2}
	q.UpdateSubmission(b.ID, resub)
	got, _ = q.ItemByID(b.ID)
	assert.Equal(t, resub.TxHash, got.Submission.TxHash)

	require.NotNil(t, q.MarkFinalized(b.ID))
	assert.Nil(t, q.MarkFinalized(b.ID), "already finalized")
	got, ok = q.ItemByTx(txID)
	require.True(t, ok)
	assert.Equal(t, BatchFinalized, got.Status)
	assert.Equal(t, []BatchState{BatchSubmitted, BatchFinalized}, transitions)
}

func TestQueueRetriesExhaust(t *testing.T) {
	q := NewSettlementQueue(QueueConfig{SettlePerTick: 5, MaxSubmitRetries: 2, RetentionWindow: 10})
	item := q.Enqueue(queuedBatch(1))
	assert.False(t, q.RecordFailure(item, errors.New("down")))
	assert.True(t, q.RecordFailure(item, errors.New("down")))
	assert.Equal(t, "down", item.LastError)
}

func TestQueueFailFromAndRevert(t *testing.T) {
	q := NewSettlementQueue(DefaultQueueConfig())
	first := queuedBatch(1)
	q.MarkSubmitted(q.Enqueue(first), first, &types.L1Submission{BatchID: first.ID})
	for n := uint64(2); n <= 4; n++ {
		q.Enqueue(queuedBatch(n))
	}

	failed := q.FailQueuedFrom(3)
	require.Len(t, failed, 2)
	assert.Equal(t, BatchFailed, failed[0].Status)
	_, ok := q.ItemByID(types.BatchID(3))
	assert.False(t, ok)
	_, ok = q.ItemByID(types.BatchID(2))
	assert.True(t, ok)

	reverted := q.MarkReverted([]string{first.ID, "batch-404"})
	require.Len(t, reverted, 1)
	_, ok = q.ItemByTx(first.Transactions[0].ID())
	assert.False(t, ok)

	st := q.GetStats()
	assert.Equal(t, 1, st.QueuedCount)
	assert.Equal(t, 0, st.InflightCount)
	assert.Equal(t, 2, st.FailedCount)
	assert.Equal(t, 1, st.RevertedCount)
}

func TestQueueRetention(t *testing.T) {
	q := NewSettlementQueue(QueueConfig{SettlePerTick: 5, RetentionWindow: 2})
	for n := uint64(1); n <= 3; n++ {
		b := queuedBatch(n)
		q.MarkSubmitted(q.Enqueue(b), b, &types.L1Submission{BatchID: b.ID})
		q.MarkFinalized(b.ID)
	}
	_, ok := q.ItemByID(types.BatchID(1))
	assert.False(t, ok, "oldest finalized item pruned")
	_, ok = q.ItemByID(types.BatchID(3))
	assert.True(t, ok)
	assert.Equal(t, 2, q.GetStats().FinalizedCount)

	pruned := queuedBatch(1).Transactions[0].ID()
	_, ok = q.ItemByTx(pruned)
	assert.False(t, ok)
	batchID, ok := q.FinalizedBatchOf(pruned)
	require.True(t, ok, "pruned finalized txs stay resolvable")
	assert.Equal(t, types.BatchID(1), batchID)
	_, ok = q.FinalizedBatchOf(queuedBatch(3).Transactions[0].ID())
	assert.False(t, ok, "retained items answer through ItemByTx")
}

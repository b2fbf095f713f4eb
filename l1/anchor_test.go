package l1

import (
	"context"
	"testing"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBatch(n uint64) *types.SettlementBatch {
	from, _ := common.DevAccount(0)
	to, _ := common.DevAccount(1)
	tx := types.NewTransfer(from, to, 1, n, 21_000, 1)
	return &types.SettlementBatch{
		ID:                types.BatchID(n),
		Number:            n,
		Transactions:      []*types.Transaction{tx},
		StateRoot:         common.Blake2Hash([]byte{byte(n)}),
		PreviousStateRoot: common.Blake2Hash([]byte{byte(n - 1)}),
		MerkleRoot:        common.Blake2Hash([]byte("merkle")),
		GasUsed:           23_300,
		FeePaid:           uint256.NewInt(23_300),
	}
}

func TestCalldataRoundTrip(t *testing.T) {
	b := testBatch(3)
	data, err := EncodeCalldata(b)
	require.NoError(t, err)
	cd, err := DecodeCalldata(data)
	require.NoError(t, err)
	assert.Equal(t, b.ID, cd.BatchID)
	assert.Equal(t, b.StateRoot, cd.StateRoot)
	assert.Equal(t, b.PreviousStateRoot, cd.PreviousStateRoot)
	assert.Equal(t, b.TxHashes(), cd.TxHashes)
	assert.Equal(t, uint64(23_300), cd.FeePaid.Uint64())
}

func TestSubmitAndConfirm(t *testing.T) {
	ctx := context.Background()
	a := NewSimulatedAnchor()
	sub, err := a.Submit(ctx, testBatch(1))
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Attempt)

	c, err := a.Confirmation(ctx, sub)
	require.NoError(t, err)
	assert.False(t, c.Included)

	a.Mine(1)
	c, err = a.Confirmation(ctx, sub)
	require.NoError(t, err)
	require.True(t, c.Included)
	assert.Equal(t, uint64(1), c.BlockNumber)
	assert.Equal(t, uint64(1), c.Confirmations)

	a.Mine(11)
	c, err = a.Confirmation(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), c.Confirmations)

	hash, ok, err := a.BlockHash(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.BlockHash, hash)
	_, ok, err = a.BlockHash(ctx, 99)
	require.NoError(t, err)
	assert.False(t, ok)

	data, ok := a.Calldata(sub.TxHash)
	require.True(t, ok)
	cd, err := DecodeCalldata(data)
	require.NoError(t, err)
	assert.Equal(t, "batch-1", cd.BatchID)
}

func TestResubmitGetsNewHash(t *testing.T) {
	ctx := context.Background()
	a := NewSimulatedAnchor()
	b := testBatch(1)
	first, err := a.Submit(ctx, b)
	require.NoError(t, err)
	a.Drop(first.TxHash)
	second, err := a.Submit(ctx, b)
	require.NoError(t, err)
	assert.NotEqual(t, first.TxHash, second.TxHash)
	assert.Equal(t, 2, second.Attempt)

	a.Mine(1)
	c, err := a.Confirmation(ctx, first)
	require.NoError(t, err)
	assert.False(t, c.Included)
	c, err = a.Confirmation(ctx, second)
	require.NoError(t, err)
	assert.True(t, c.Included)
}

func TestReorgReturnsSubmissions(t *testing.T) {
	ctx := context.Background()
	a := NewSimulatedAnchor()
	a.Mine(2)
	sub, err := a.Submit(ctx, testBatch(1))
	require.NoError(t, err)
	a.Mine(5)
	before, err := a.Confirmation(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, uint64(3), before.BlockNumber)

	a.Reorg(5)
	head, err := a.HeadBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), head.Number)
	hash, _, err := a.BlockHash(ctx, 3)
	require.NoError(t, err)
	assert.NotEqual(t, before.BlockHash, hash)

	after, err := a.Confirmation(ctx, sub)
	require.NoError(t, err)
	assert.False(t, after.Included)
	assert.Equal(t, 1, a.MempoolSize())

	a.Mine(1)
	after, err = a.Confirmation(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), after.BlockNumber)
}

func TestUnavailable(t *testing.T) {
	a := NewSimulatedAnchor()
	a.SetUnavailable(true)
	_, err := a.Submit(context.Background(), testBatch(1))
	assert.ErrorIs(t, err, settleerrors.ErrRAnchorUnavailable)
	a.SetUnavailable(false)
	_, err = a.Submit(context.Background(), testBatch(1))
	assert.NoError(t, err)
}

func TestAutoMine(t *testing.T) {
	a := NewSimulatedAnchor()
	a.Start(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		head, _ := a.HeadBlock(context.Background())
		return head.Number >= 3
	}, time.Second, 5*time.Millisecond)
	a.Stop()
}

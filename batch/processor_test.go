package batch

import (
	"context"
	"testing"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/merkle"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	st *statedb.L2State
}

func (f fixedSource) Copy(context.Context) (*statedb.L2State, error) {
	return f.st.Copy(), nil
}

func genesis(n int, balance uint64) *statedb.L2State {
	allocs := make([]statedb.GenesisAlloc, n)
	for i := range allocs {
		addr, _ := common.DevAccount(i)
		allocs[i] = statedb.GenesisAlloc{Address: addr, Token: types.NativeToken, Balance: uint256.NewInt(balance)}
	}
	return statedb.NewGenesisState(allocs)
}

func signedTransfer(t *testing.T, from, to int, amount, nonce uint64) *types.Transaction {
	t.Helper()
	fromAddr, key := common.DevAccount(from)
	toAddr, _ := common.DevAccount(to)
	tx := types.NewTransfer(fromAddr, toAddr, amount, nonce, 100_000, 1)
	require.NoError(t, tx.Sign(key))
	return tx
}

func newProcessor(st *statedb.L2State) *Processor {
	return NewProcessor(DefaultConfig(), fixedSource{st}, nil, nil)
}

func TestProcessBatchDeterministic(t *testing.T) {
	ctx := context.Background()
	st := genesis(8, 1_000_000)
	var txs []*types.Transaction
	for i := 0; i < 8; i++ {
		txs = append(txs, signedTransfer(t, i, (i+3)%8, uint64(100+i), 1))
	}

	r1, err := newProcessor(st).ProcessBatch(ctx, txs)
	require.NoError(t, err)
	r2, err := newProcessor(st).ProcessBatch(ctx, txs)
	require.NoError(t, err)
	require.NotNil(t, r1.Batch)
	assert.Equal(t, r1.Batch.StateRoot, r2.Batch.StateRoot)
	assert.Equal(t, r1.Batch.MerkleRoot, r2.Batch.MerkleRoot)
	assert.Equal(t, st.StateRoot, r1.Batch.PreviousStateRoot)
	assert.Len(t, r1.Batch.Transactions, 8)

	// the source state is never mutated
	assert.Equal(t, statedb.ComputeRoot(st), st.StateRoot)
}

func TestGasUsedIsSumOfCosts(t *testing.T) {
	ctx := context.Background()
	st := genesis(10, 1_000_000)
	var txs []*types.Transaction
	for i := 0; i < 10; i++ {
		txs = append(txs, signedTransfer(t, i, (i+1)%10, 5, 1))
	}
	res, err := newProcessor(st).ProcessBatch(ctx, txs)
	require.NoError(t, err)
	assert.Equal(t, uint64(10*23_300), res.Batch.GasUsed)
	assert.Equal(t, uint64(10*23_300), res.Batch.FeePaid.Uint64())
}

func TestGasCostCappedAtLimit(t *testing.T) {
	g := DefaultGasSchedule()
	tx := types.NewTransfer(common.Address{}, common.Address{}, 1, 1, 22_000, 1)
	tx.Payload = make([]byte, 100)
	assert.Equal(t, uint64(22_000), g.Cost(tx))

	tx = types.NewTransfer(common.Address{}, common.Address{}, 0, 1, 100_000, 1)
	tx.Payload = []byte{1, 2}
	assert.Equal(t, uint64(21_032), g.Cost(tx))
}

func TestInsufficientBalanceRejectedBeforeExecution(t *testing.T) {
	ctx := context.Background()
	st := genesis(2, 1_000)
	tx := signedTransfer(t, 0, 1, 5_000, 1)
	res, err := newProcessor(st).ProcessBatch(ctx, []*types.Transaction{tx})
	require.NoError(t, err)
	assert.Nil(t, res.Batch)
	require.Len(t, res.Dropped, 1)
	assert.ErrorIs(t, res.Dropped[0].Err, settleerrors.ErrVInsufficientBalance)
	assert.Empty(t, res.Execution.Included)
}

func TestBalanceDrainedWithinBatch(t *testing.T) {
	ctx := context.Background()
	st := genesis(2, 1_000)
	first := signedTransfer(t, 0, 1, 600, 1)
	second := signedTransfer(t, 0, 1, 600, 2)
	res, err := newProcessor(st).ProcessBatch(ctx, []*types.Transaction{first, second})
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Len(t, res.Batch.Transactions, 1)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, second.ID(), res.Dropped[0].Tx.ID())
	assert.ErrorIs(t, res.Dropped[0].Err, settleerrors.ErrXBalanceDrained)
}

func TestValidatorRejections(t *testing.T) {
	ctx := context.Background()
	st := genesis(3, 1_000_000)
	from, _ := common.DevAccount(0)
	to, _ := common.DevAccount(1)
	_, otherKey := common.DevAccount(2)

	unsigned := types.NewTransfer(from, to, 1, 1, 100_000, 1)
	forged := types.NewTransfer(from, to, 1, 1, 100_000, 1)
	require.NoError(t, forged.Sign(otherKey))
	lowGas := signedTransfer(t, 1, 0, 1, 1)
	lowGas.GasLimit = 20_000
	_, key1 := common.DevAccount(1)
	require.NoError(t, lowGas.Sign(key1))
	stale := signedTransfer(t, 2, 0, 1, 0)

	v := NewValidator(DefaultValidators(), nil, 4, 16, 0)
	errs, err := v.CheckAll(ctx, st, []*types.Transaction{unsigned, forged, lowGas, stale})
	require.NoError(t, err)
	assert.ErrorIs(t, errs[0], settleerrors.ErrVMissingSignature)
	assert.ErrorIs(t, errs[1], settleerrors.ErrVBadSignature)
	assert.ErrorIs(t, errs[2], settleerrors.ErrVGasLimitOutOfBounds)
	assert.ErrorIs(t, errs[3], settleerrors.ErrVStaleNonce)
}

func TestValidationCacheKeepsStatelessVerdict(t *testing.T) {
	ctx := context.Background()
	st := genesis(2, 1_000_000)
	forged := signedTransfer(t, 0, 1, 1, 1)
	forged.Sender, _ = common.DevAccount(1)

	v := NewValidator([]ValidatorKind{ValidateSignature}, nil, 1, 16, 0)
	first := v.Check(ctx, st, forged)
	assert.ErrorIs(t, first, settleerrors.ErrVBadSignature)
	assert.Equal(t, first, v.Check(ctx, st, forged))
	assert.Equal(t, 1, v.cache.Len())
}

func TestLedgerBalanceConsulted(t *testing.T) {
	ctx := context.Background()
	st := genesis(2, 1_000_000)
	ledger := services.NewMemoryLedger()
	from, _ := common.DevAccount(0)
	ledger.Set(from, types.NativeToken, uint256.NewInt(10))

	v := NewValidator(DefaultValidators(), ledger, 1, 16, 0)
	err := v.Check(ctx, st, signedTransfer(t, 0, 1, 50, 1))
	assert.ErrorIs(t, err, settleerrors.ErrVInsufficientBalance)
}

func TestParseValidators(t *testing.T) {
	kinds, err := ParseValidators([]string{"signature", " Nonce", "gas_limit"})
	require.NoError(t, err)
	assert.Equal(t, []ValidatorKind{ValidateSignature, ValidateNonce, ValidateGasLimit}, kinds)

	_, err = ParseValidators([]string{"kyc"})
	assert.ErrorIs(t, err, settleerrors.ErrVUnknownValidator)
}

func TestHeadChainsBatches(t *testing.T) {
	ctx := context.Background()
	st := genesis(4, 1_000_000)
	p := newProcessor(st)

	r1, err := p.ProcessBatch(ctx, []*types.Transaction{signedTransfer(t, 0, 1, 10, 1)})
	require.NoError(t, err)
	r2, err := p.ProcessBatch(ctx, []*types.Transaction{signedTransfer(t, 0, 1, 10, 2)})
	require.NoError(t, err)
	assert.Equal(t, r1.Batch.StateRoot, r2.Batch.PreviousStateRoot)
	assert.Equal(t, r1.Batch.BlockNumber+1, r2.Batch.BlockNumber)
	assert.Equal(t, "batch-2", r2.Batch.ID)

	// after a reset the next batch starts from canonical state again
	p.ResetHead()
	_, ok := p.HeadRoot()
	assert.False(t, ok)
	r3, err := p.ProcessBatch(ctx, []*types.Transaction{signedTransfer(t, 2, 3, 10, 1)})
	require.NoError(t, err)
	assert.Equal(t, st.StateRoot, r3.Batch.PreviousStateRoot)
	assert.Equal(t, uint64(3), r3.Batch.Number)
}

func TestRuntimeCallsAndFailures(t *testing.T) {
	ctx := context.Background()
	st := genesis(2, 1_000_000)
	p := NewProcessor(DefaultConfig(), fixedSource{st}, nil, services.KVRuntime{GasPerWrite: 5_000})

	call := signedTransfer(t, 0, 1, 0, 1)
	call.Payload = []byte("set:0x01=0x02")
	_, key0 := common.DevAccount(0)
	require.NoError(t, call.Sign(key0))
	bad := signedTransfer(t, 1, 0, 0, 1)
	bad.Payload = []byte("selfdestruct")
	_, key1 := common.DevAccount(1)
	require.NoError(t, bad.Sign(key1))

	res, err := p.ProcessBatch(ctx, []*types.Transaction{call, bad})
	require.NoError(t, err)
	require.NotNil(t, res.Batch)
	assert.Equal(t, uint64(21_000+13*16+5_000), res.Batch.GasUsed)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, settleerrors.ErrXRuntimeFailure, res.Dropped[0].Err)

	recipient, _ := common.DevAccount(1)
	found := false
	for _, ch := range res.Execution.Changes {
		if ch.Kind == types.ChangeStorage && ch.Address == recipient {
			found = true
			assert.Equal(t, common.HexToHash("0x02"), ch.Value)
		}
	}
	assert.True(t, found)
}

func TestInclusionProof(t *testing.T) {
	ctx := context.Background()
	st := genesis(5, 1_000_000)
	var txs []*types.Transaction
	for i := 0; i < 5; i++ {
		txs = append(txs, signedTransfer(t, i, (i+1)%5, 1, 1))
	}
	res, err := newProcessor(st).ProcessBatch(ctx, txs)
	require.NoError(t, err)
	b := res.Batch
	require.NoError(t, VerifyMerkleRoot(b))

	for i, tx := range b.Transactions {
		path, err := InclusionProof(b, i)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(b.MerkleRoot, tx.Hash().Bytes(), i, len(b.Transactions), path))
	}

	tampered := *b
	tampered.Transactions = b.Transactions[1:]
	assert.ErrorIs(t, VerifyMerkleRoot(&tampered), settleerrors.ErrRBadMerkleRoot)
}

func TestReplayMatchesBatch(t *testing.T) {
	ctx := context.Background()
	st := genesis(4, 1_000_000)
	p := newProcessor(st)
	res, err := p.ProcessBatch(ctx, []*types.Transaction{signedTransfer(t, 0, 1, 77, 1), signedTransfer(t, 2, 3, 5, 1)})
	require.NoError(t, err)

	replayed, err := p.Replay(ctx, st.Copy(), res.Batch.Transactions)
	require.NoError(t, err)
	assert.Equal(t, res.Batch.StateRoot, replayed.PostRoot)
	assert.Equal(t, res.Batch.GasUsed, replayed.Trace().GasUsed)
}

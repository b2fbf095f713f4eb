package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func zeroNonces(context.Context, common.Address) (uint64, error) { return 0, nil }

func unsigned(sender int, nonce, gasPrice uint64) *types.Transaction {
	from, _ := common.DevAccount(sender)
	to, _ := common.DevAccount(sender + 1)
	return types.NewTransfer(from, to, 1, nonce, 21_000, gasPrice)
}

func TestPoolSeedsFromNonceSource(t *testing.T) {
	ctx := context.Background()
	p := NewPool(4, 10, uint256.NewInt(100), func(context.Context, common.Address) (uint64, error) { return 7, nil })
	_, err := p.Admit(ctx, unsigned(0, 1, 1), false)
	assert.ErrorIs(t, err, settleerrors.ErrANonceMismatch)
	_, err = p.Admit(ctx, unsigned(0, 8, 1), false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())

	failing := NewPool(4, 10, nil, func(context.Context, common.Address) (uint64, error) { return 0, errors.New("state down") })
	_, err = failing.Admit(ctx, unsigned(0, 1, 1), false)
	assert.Error(t, err)
	assert.Equal(t, 0, failing.Size(), "failed admission releases its slot")
}

func TestPoolLanes(t *testing.T) {
	ctx := context.Background()
	p := NewPool(16, 0, uint256.NewInt(100), zeroNonces)
	lane, err := p.Admit(ctx, unsigned(0, 1, 99), false)
	require.NoError(t, err)
	assert.Equal(t, LaneFIFO, lane)
	lane, err = p.Admit(ctx, unsigned(2, 1, 100), false)
	require.NoError(t, err)
	assert.Equal(t, LanePriority, lane)
	lane, err = p.Admit(ctx, unsigned(4, 1, 1), true)
	require.NoError(t, err)
	assert.Equal(t, LanePriority, lane)

	out := p.Drain(10)
	require.Len(t, out, 3)
	assert.Equal(t, uint64(99), out[2].GasPrice.Uint64(), "FIFO drains after every priority lane")
	assert.Equal(t, 0, p.Size())
}

func TestPoolDrainRespectsMax(t *testing.T) {
	ctx := context.Background()
	p := NewPool(4, 0, nil, zeroNonces)
	for n := uint64(1); n <= 5; n++ {
		_, err := p.Admit(ctx, unsigned(0, n, 1), false)
		require.NoError(t, err)
	}
	first := p.Drain(3)
	require.Len(t, first, 3)
	for i, tx := range first {
		assert.Equal(t, uint64(i+1), tx.Nonce)
	}
	assert.Equal(t, 2, p.Size())
	assert.Len(t, p.Drain(10), 2)
	assert.Nil(t, p.Drain(0))
}

func TestPoolRewind(t *testing.T) {
	ctx := context.Background()
	p := NewPool(4, 0, nil, zeroNonces)
	var ids []string
	for n := uint64(1); n <= 4; n++ {
		tx := unsigned(0, n, 1)
		ids = append(ids, tx.ID())
		_, err := p.Admit(ctx, tx, false)
		require.NoError(t, err)
	}
	sender := unsigned(0, 1, 1).Sender

	evicted := p.Rewind(sender, 3)
	require.Len(t, evicted, 2)
	assert.True(t, p.Contains(ids[1]))
	assert.False(t, p.Contains(ids[2]))
	tracked, _ := p.TrackedNonce(sender)
	assert.Equal(t, uint64(2), tracked)

	// never moves the tracked nonce forward
	assert.Empty(t, p.Rewind(sender, 10))
	tracked, _ = p.TrackedNonce(sender)
	assert.Equal(t, uint64(2), tracked)

	_, err := p.Admit(ctx, unsigned(0, 3, 1), false)
	require.NoError(t, err)
	assert.Nil(t, p.Rewind(common.Address{}, 1), "unknown sender")
}

func TestPoolPruneIdleSenders(t *testing.T) {
	ctx := context.Background()
	settled, waiting, pooled := unsigned(0, 1, 1), unsigned(2, 1, 1), unsigned(4, 1, 1)
	// only settled has reached canonical state
	canonical := func(_ context.Context, addr common.Address) (uint64, error) {
		if addr == settled.Sender {
			return 1, nil
		}
		return 0, nil
	}
	p := NewPool(4, 0, nil, zeroNonces)
	for _, tx := range []*types.Transaction{settled, waiting} {
		_, err := p.Admit(ctx, tx, false)
		require.NoError(t, err)
	}
	require.Len(t, p.Drain(10), 2)
	_, err := p.Admit(ctx, pooled, false)
	require.NoError(t, err)

	n, err := p.Prune(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := p.TrackedNonce(settled.Sender)
	assert.False(t, ok, "idle sender caught up with state is forgotten")
	_, ok = p.TrackedNonce(waiting.Sender)
	assert.True(t, ok, "sender ahead of canonical state is kept")
	_, ok = p.TrackedNonce(pooled.Sender)
	assert.True(t, ok, "sender with pooled txs is kept")
	assert.Equal(t, 2, p.Stats().Senders)

	_, err = p.Prune(ctx, func(context.Context, common.Address) (uint64, error) { return 0, errors.New("state down") })
	assert.Error(t, err)
}

func TestPoolConcurrentSenders(t *testing.T) {
	ctx := context.Background()
	const senders, perSender = 32, 20
	p := NewPool(16, senders*perSender, nil, zeroNonces)
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for n := uint64(1); n <= perSender; n++ {
				if _, err := p.Admit(ctx, unsigned(s*2, n, 1), false); err != nil {
					errs <- fmt.Errorf("sender %d nonce %d: %w", s, n, err)
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, senders*perSender, p.Size())
	assert.True(t, p.Full())
	_, err := p.Admit(ctx, unsigned(500, 1, 1), false)
	assert.ErrorIs(t, err, settleerrors.ErrAPoolFull)

	st := p.Stats()
	assert.Equal(t, senders, st.Senders)
	assert.Equal(t, senders*perSender, st.FIFO)
}

package services

import (
	"context"
	"testing"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	addr, _ := common.DevAccount(1)

	b, err := l.Balance(ctx, addr, types.NativeToken)
	require.NoError(t, err)
	assert.True(t, b.IsZero())

	require.NoError(t, l.ApplyDeltas(ctx, []BalanceDelta{{Address: addr, Token: types.NativeToken, Balance: uint256.NewInt(9)}}))
	b, err = l.Balance(ctx, addr, types.NativeToken)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), b.Uint64())
	assert.Equal(t, 1, l.Applied())
}

func TestStaticPolicy(t *testing.T) {
	ctx := context.Background()
	p := NewStaticPolicy()
	bad, _ := common.DevAccount(1)
	vip, _ := common.DevAccount(2)
	p.Deny(bad, "sanctioned")
	p.Prioritize(vip)

	d, err := p.Check(ctx, &types.Transaction{Sender: bad})
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "sanctioned", d.Reason)

	d, err = p.Check(ctx, &types.Transaction{Sender: vip})
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.True(t, d.Flagged)
}

func TestKVRuntime(t *testing.T) {
	r := KVRuntime{GasPerWrite: 5000}
	res, err := r.Execute(context.Background(), &types.Transaction{Payload: []byte("set:0x01=0x02,0x03=0x04")})
	require.NoError(t, err)
	require.Len(t, res.StorageWrites, 2)
	assert.Equal(t, uint64(10000), res.GasUsed)
	assert.Equal(t, common.HexToHash("0x02"), res.StorageWrites[0].Value)

	_, err = r.Execute(context.Background(), &types.Transaction{Payload: []byte("call:transfer")})
	assert.Error(t, err)
}

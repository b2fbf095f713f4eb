package storage

import (
	"testing"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotStore(t *testing.T) {
	ps, err := NewMemoryPersistenceStore()
	require.NoError(t, err)
	defer ps.Close()
	store := NewSnapshotStore(ps)

	for _, block := range []uint64{300, 2, 17} {
		snap := &types.StateSnapshot{
			ID:          "snap",
			BlockNumber: block,
			StateRoot:   common.Blake2Hash(common.Uint64ToBytes(block)),
			Data:        []byte{1, 2, 3},
			RawSize:     3,
			CreatedAt:   time.Unix(1700000000, 0).UTC(),
		}
		require.NoError(t, store.Put(snap))
	}

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []uint64{2, 17, 300}, []uint64{list[0].BlockNumber, list[1].BlockNumber, list[2].BlockNumber})

	got, found, err := store.Get(17)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, common.Blake2Hash(common.Uint64ToBytes(17)), got.StateRoot)
	assert.Equal(t, []byte{1, 2, 3}, got.Data)

	require.NoError(t, store.Delete(17))
	_, found, err = store.Get(17)
	require.NoError(t, err)
	assert.False(t, found)
}

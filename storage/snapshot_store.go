package storage

import (
	"encoding/json"
	"fmt"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/types"
)

var snapshotPrefix = []byte("snap/")

func snapshotKey(blockNumber uint64) []byte {
	return append(append([]byte(nil), snapshotPrefix...), common.Uint64ToBytes(blockNumber)...)
}

// SnapshotStore persists state snapshots keyed by block number. Keys are
// big-endian so iteration order is block order.
type SnapshotStore struct {
	ps *PersistenceStore
}

func NewSnapshotStore(ps *PersistenceStore) *SnapshotStore {
	return &SnapshotStore{ps: ps}
}

func (s *SnapshotStore) Put(snap *types.StateSnapshot) error {
	enc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.BlockNumber, err)
	}
	if err := s.ps.PutSync(snapshotKey(snap.BlockNumber), enc); err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.BlockNumber, err)
	}
	log.Trace(log.Storage, "Stored snapshot", "block", snap.BlockNumber, "root", snap.StateRoot.Hex(), "bytes", len(snap.Data))
	return nil
}

// Get returns (nil, false, nil) if no snapshot exists at blockNumber.
func (s *SnapshotStore) Get(blockNumber uint64) (*types.StateSnapshot, bool, error) {
	data, found, err := s.ps.Get(snapshotKey(blockNumber))
	if err != nil || !found {
		return nil, false, err
	}
	var snap types.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode snapshot %d: %w", blockNumber, err)
	}
	return &snap, true, nil
}

func (s *SnapshotStore) Delete(blockNumber uint64) error {
	return s.ps.Delete(snapshotKey(blockNumber))
}

// List returns every stored snapshot in ascending block order.
func (s *SnapshotStore) List() ([]*types.StateSnapshot, error) {
	kvs, err := s.ps.GetWithPrefix(snapshotPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*types.StateSnapshot, 0, len(kvs))
	for _, kv := range kvs {
		var snap types.StateSnapshot
		if err := json.Unmarshal(kv[1], &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %x: %w", kv[0], err)
		}
		out = append(out, &snap)
	}
	return out, nil
}

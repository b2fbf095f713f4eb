package statedb

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/klauspost/compress/zstd"
)

type storageEntry struct {
	Address common.Address `json:"address"`
	Slot    common.Hash    `json:"slot"`
	Value   common.Hash    `json:"value"`
}

type supplyEntry struct {
	Token  types.TokenType `json:"token"`
	Amount *uint256.Int    `json:"amount"`
}

// stateEncoding is the serialized layout of L2State. Every collection is a
// sorted slice so encoding the same state twice yields the same bytes.
type stateEncoding struct {
	StateRoot   common.Hash      `json:"stateRoot"`
	BlockNumber uint64           `json:"blockNumber"`
	Timestamp   time.Time        `json:"timestamp"`
	TxCount     uint64           `json:"txCount"`
	GasUsed     uint64           `json:"gasUsed"`
	Accounts    []*types.Account `json:"accounts"`
	Storage     []storageEntry   `json:"storage"`
	Supply      []supplyEntry    `json:"supply"`
}

func EncodeState(s *L2State) ([]byte, error) {
	enc := stateEncoding{
		StateRoot:   s.StateRoot,
		BlockNumber: s.BlockNumber,
		Timestamp:   s.Timestamp,
		TxCount:     s.TxCount,
		GasUsed:     s.GasUsed,
		Accounts:    make([]*types.Account, 0, len(s.Accounts)),
	}
	for _, addr := range sortedAddresses(s.Accounts) {
		enc.Accounts = append(enc.Accounts, s.Accounts[addr])
		slots := s.Storage[addr]
		for _, slot := range sortedSlots(slots) {
			enc.Storage = append(enc.Storage, storageEntry{Address: addr, Slot: slot, Value: slots[slot]})
		}
	}
	for t, v := range s.TotalSupply {
		enc.Supply = append(enc.Supply, supplyEntry{Token: t, Amount: v})
	}
	sort.Slice(enc.Supply, func(i, j int) bool { return enc.Supply[i].Token < enc.Supply[j].Token })
	return json.Marshal(&enc)
}

func DecodeState(data []byte) (*L2State, error) {
	var enc stateEncoding
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	s := &L2State{
		StateRoot:   enc.StateRoot,
		BlockNumber: enc.BlockNumber,
		Timestamp:   enc.Timestamp,
		TxCount:     enc.TxCount,
		GasUsed:     enc.GasUsed,
		Accounts:    make(map[common.Address]*types.Account, len(enc.Accounts)),
		Storage:     make(map[common.Address]map[common.Hash]common.Hash),
		TotalSupply: make(map[types.TokenType]*uint256.Int, len(enc.Supply)),
	}
	for _, acct := range enc.Accounts {
		if acct.Balances == nil {
			acct.Balances = make(map[types.TokenType]*uint256.Int)
		}
		s.Accounts[acct.Address] = acct
	}
	for _, e := range enc.Storage {
		slots := s.Storage[e.Address]
		if slots == nil {
			slots = make(map[common.Hash]common.Hash)
			s.Storage[e.Address] = slots
		}
		slots[e.Slot] = e.Value
	}
	for _, e := range enc.Supply {
		s.TotalSupply[e.Token] = e.Amount
	}
	return s, nil
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// NewSnapshot serializes and compresses s.
func NewSnapshot(s *L2State) (*types.StateSnapshot, error) {
	raw, err := EncodeState(s)
	if err != nil {
		return nil, err
	}
	return &types.StateSnapshot{
		ID:          uuid.NewString(),
		BlockNumber: s.BlockNumber,
		StateRoot:   s.StateRoot,
		Data:        zstdEncoder.EncodeAll(raw, nil),
		RawSize:     len(raw),
		CreatedAt:   time.Now(),
	}, nil
}

// StateFromSnapshot decompresses snap and checks the decoded header against
// the snapshot's recorded block and root.
func StateFromSnapshot(snap *types.StateSnapshot) (*L2State, error) {
	raw, err := zstdDecoder.DecodeAll(snap.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot %d: %w", snap.BlockNumber, err)
	}
	s, err := DecodeState(raw)
	if err != nil {
		return nil, err
	}
	if s.StateRoot != snap.StateRoot || s.BlockNumber != snap.BlockNumber {
		return nil, fmt.Errorf("%w: snapshot %d root %s, decoded block %d root %s", settleerrors.ErrSSnapshotCorrupt,
			snap.BlockNumber, snap.StateRoot.Hex(), s.BlockNumber, s.StateRoot.Hex())
	}
	return s, nil
}

// Package l1 is the boundary to the anchor chain: batches go out as RLP
// calldata and come back as submission handles whose confirmation depth the
// finality engine polls.
package l1

import (
	"context"
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type BlockInfo struct {
	Number     uint64      `json:"number"`
	Hash       common.Hash `json:"hash"`
	ParentHash common.Hash `json:"parentHash"`
	Timestamp  time.Time   `json:"timestamp"`
	TxCount    int         `json:"txCount"`
}

// Confirmation is the anchor's view of one submission.
type Confirmation struct {
	Included      bool        `json:"included"`
	BlockNumber   uint64      `json:"blockNumber"`
	BlockHash     common.Hash `json:"blockHash"`
	Confirmations uint64      `json:"confirmations"`
}

type Anchor interface {
	Submit(ctx context.Context, batch *types.SettlementBatch) (*types.L1Submission, error)
	Confirmation(ctx context.Context, sub *types.L1Submission) (*Confirmation, error)
	HeadBlock(ctx context.Context) (*BlockInfo, error)
	// BlockHash reports ok=false when number is above the head.
	BlockHash(ctx context.Context, number uint64) (hash common.Hash, ok bool, err error)
}

// Calldata is the only batch data that crosses to L1.
type Calldata struct {
	BatchID           string
	Number            uint64
	PreviousStateRoot common.Hash
	StateRoot         common.Hash
	MerkleRoot        common.Hash
	GasUsed           uint64
	FeePaid           *uint256.Int
	TxHashes          []common.Hash
	Proof             []byte
}

func EncodeCalldata(b *types.SettlementBatch) ([]byte, error) {
	fee := b.FeePaid
	if fee == nil {
		fee = new(uint256.Int)
	}
	cd := Calldata{
		BatchID:           b.ID,
		Number:            b.Number,
		PreviousStateRoot: b.PreviousStateRoot,
		StateRoot:         b.StateRoot,
		MerkleRoot:        b.MerkleRoot,
		GasUsed:           b.GasUsed,
		FeePaid:           fee,
		TxHashes:          b.TxHashes(),
	}
	if b.Proof != nil {
		cd.Proof = b.Proof.Data
	}
	enc, err := rlp.EncodeToBytes(&cd)
	if err != nil {
		return nil, fmt.Errorf("encode calldata for %s: %w", b.ID, err)
	}
	return enc, nil
}

func DecodeCalldata(data []byte) (*Calldata, error) {
	var cd Calldata
	if err := rlp.DecodeBytes(data, &cd); err != nil {
		return nil, err
	}
	return &cd, nil
}

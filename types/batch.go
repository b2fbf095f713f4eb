package types

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/holiman/uint256"
)

func BatchID(number uint64) string {
	return fmt.Sprintf("batch-%d", number)
}

// SettlementBatch is produced once by the batch processor and never mutated
// after it has been submitted.
type SettlementBatch struct {
	ID                string         `json:"id"`
	Number            uint64         `json:"number"`
	BlockNumber       uint64         `json:"blockNumber"`
	Transactions      []*Transaction `json:"transactions"`
	StateRoot         common.Hash    `json:"stateRoot"`
	PreviousStateRoot common.Hash    `json:"previousStateRoot"`
	// MerkleRoot commits to the ordered transaction hashes; inclusion paths
	// are derived from it on demand.
	MerkleRoot common.Hash  `json:"merkleRoot"`
	Proof      *Proof       `json:"proof,omitempty"`
	GasUsed    uint64       `json:"gasUsed"`
	FeePaid    *uint256.Int `json:"feePaid"`
	CreatedAt  time.Time    `json:"createdAt"`
}

func (b *SettlementBatch) TxHashes() []common.Hash {
	return TxHashes(b.Transactions)
}

func (b *SettlementBatch) TxIDs() []string {
	ids := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		ids[i] = tx.ID()
	}
	return ids
}

// WithProof returns a shallow copy carrying p.
func (b *SettlementBatch) WithProof(p *Proof) *SettlementBatch {
	c := *b
	c.Proof = p
	return &c
}

func (b *SettlementBatch) String() string {
	return fmt.Sprintf("%s{txs=%d gas=%d root=%s prev=%s}", b.ID, len(b.Transactions), b.GasUsed, common.Str(b.StateRoot), common.Str(b.PreviousStateRoot))
}

// Receipt records the outcome of one transaction during execution.
type Receipt struct {
	TxID    string `json:"txId"`
	GasUsed uint64 `json:"gasUsed"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ExecutionTrace is what replaying a batch produced.
type ExecutionTrace struct {
	Receipts     []Receipt     `json:"receipts"`
	Changes      []StateChange `json:"changes"`
	ReplayedRoot common.Hash   `json:"replayedRoot"`
	GasUsed      uint64        `json:"gasUsed"`
}

// L1Submission is the handle returned by the anchor chain for a batch.
type L1Submission struct {
	BatchID     string      `json:"batchId"`
	TxHash      common.Hash `json:"txHash"`
	Attempt     int         `json:"attempt"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

type BatchFinalityStatus uint8

const (
	BatchPending BatchFinalityStatus = iota
	BatchChallenged
	BatchFinalized
	BatchReverted
)

func (s BatchFinalityStatus) String() string {
	switch s {
	case BatchPending:
		return "Pending"
	case BatchChallenged:
		return "Challenged"
	case BatchFinalized:
		return "Finalized"
	case BatchReverted:
		return "Reverted"
	default:
		return "Unknown"
	}
}

func (s BatchFinalityStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

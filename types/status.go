package types

import "fmt"

type SettlementState uint8

const (
	StatusPending SettlementState = iota
	StatusProcessing
	StatusBatchedForSettlement
	StatusSubmittedToL1
	StatusChallengePhase
	StatusFinalized
	StatusFailed
)

func (s SettlementState) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusBatchedForSettlement:
		return "BatchedForSettlement"
	case StatusSubmittedToL1:
		return "SubmittedToL1"
	case StatusChallengePhase:
		return "ChallengePhase"
	case StatusFinalized:
		return "Finalized"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s SettlementState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SettlementState) UnmarshalText(b []byte) error {
	for v := StatusPending; v <= StatusFailed; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown settlement state %q", b)
}

// SettlementStatus is the answer to a status query for one transaction.
// Reason is only set for StatusFailed.
type SettlementStatus struct {
	State   SettlementState `json:"state"`
	BatchID string          `json:"batchId,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

func (s SettlementStatus) String() string {
	if s.State == StatusFailed {
		return fmt.Sprintf("Failed(%s)", s.Reason)
	}
	return s.State.String()
}

// WSPayload is one message on the websocket event feed.
type WSPayload struct {
	Method string      `json:"method"`
	Result interface{} `json:"result"`
}

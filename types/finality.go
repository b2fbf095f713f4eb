package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/colorfulnotion/settle/common"
)

type FinalityTier uint8

const (
	TierNone FinalityTier = iota
	Probabilistic
	Economic
	Absolute
)

func (t FinalityTier) String() string {
	switch t {
	case Probabilistic:
		return "Probabilistic"
	case Economic:
		return "Economic"
	case Absolute:
		return "Absolute"
	default:
		return "None"
	}
}

func (t FinalityTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *FinalityTier) UnmarshalText(b []byte) error {
	if string(b) == TierNone.String() {
		*t = TierNone
		return nil
	}
	v, err := ParseFinalityTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func ParseFinalityTier(s string) (FinalityTier, error) {
	switch strings.ToLower(s) {
	case "probabilistic":
		return Probabilistic, nil
	case "economic":
		return Economic, nil
	case "absolute":
		return Absolute, nil
	default:
		return TierNone, fmt.Errorf("unknown finality tier %q", s)
	}
}

// FinalizedBatch is terminal and written once.
type FinalizedBatch struct {
	BatchID       string       `json:"batchId"`
	BatchNumber   uint64       `json:"batchNumber"`
	StateRoot     common.Hash  `json:"stateRoot"`
	L1BlockNumber uint64       `json:"l1BlockNumber"`
	L1TxHash      common.Hash  `json:"l1TxHash"`
	Confirmations uint64       `json:"confirmations"`
	Tier          FinalityTier `json:"tier"`
	FinalizedAt   time.Time    `json:"finalizedAt"`
}

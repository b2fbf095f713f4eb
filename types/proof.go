package types

import (
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/common"
)

type ProofKind uint8

const (
	ProofNoop ProofKind = iota
	ProofAttestation
	ProofAggregate
)

func (k ProofKind) String() string {
	switch k {
	case ProofNoop:
		return "noop"
	case ProofAttestation:
		return "attestation"
	case ProofAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

func (k ProofKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ProofKind) UnmarshalText(b []byte) error {
	for v := ProofNoop; v <= ProofAggregate; v++ {
		if v.String() == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown proof kind %q", b)
}

// Proof attests one batch's state transition, or several when aggregated.
// PublicInputs holds the digest each batch was attested under.
type Proof struct {
	ID           string        `json:"id"`
	Kind         ProofKind     `json:"kind"`
	Backend      string        `json:"backend"`
	BatchIDs     []string      `json:"batchIds"`
	PublicInputs []common.Hash `json:"publicInputs"`
	Data         []byte        `json:"data"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type ProofRequestStatus uint8

const (
	ProofRequestPending ProofRequestStatus = iota
	ProofRequestGenerating
	ProofRequestCompleted
	ProofRequestFailed
)

func (s ProofRequestStatus) String() string {
	switch s {
	case ProofRequestPending:
		return "Pending"
	case ProofRequestGenerating:
		return "Generating"
	case ProofRequestCompleted:
		return "Completed"
	case ProofRequestFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (s ProofRequestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/holiman/uint256"
)

type ChallengeType uint8

const (
	InvalidStateTransition ChallengeType = iota
	InvalidSignature
	DoubleSpend
	InvalidMerkleProof
)

func (c ChallengeType) String() string {
	switch c {
	case InvalidStateTransition:
		return "InvalidStateTransition"
	case InvalidSignature:
		return "InvalidSignature"
	case DoubleSpend:
		return "DoubleSpend"
	case InvalidMerkleProof:
		return "InvalidMerkleProof"
	default:
		return "Unknown"
	}
}

func (c ChallengeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChallengeType) UnmarshalText(b []byte) error {
	v, err := ParseChallengeType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

func ParseChallengeType(s string) (ChallengeType, error) {
	for c := InvalidStateTransition; c <= InvalidMerkleProof; c++ {
		if strings.EqualFold(c.String(), s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown challenge type %q", s)
}

type ChallengeStatus uint8

const (
	ChallengeOpen ChallengeStatus = iota
	ChallengeResolved
)

func (s ChallengeStatus) String() string {
	if s == ChallengeOpen {
		return "Open"
	}
	return "Resolved"
}

func (s ChallengeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ChallengeStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Open":
		*s = ChallengeOpen
	case "Resolved":
		*s = ChallengeResolved
	default:
		return fmt.Errorf("unknown challenge status %q", b)
	}
	return nil
}

type ChallengeOutcome uint8

const (
	OutcomeUndecided ChallengeOutcome = iota
	ChallengeSuccessful
	ChallengeFailed
	NoContest
)

func (o ChallengeOutcome) String() string {
	switch o {
	case ChallengeSuccessful:
		return "ChallengeSuccessful"
	case ChallengeFailed:
		return "ChallengeFailed"
	case NoContest:
		return "NoContest"
	default:
		return "Undecided"
	}
}

func (o ChallengeOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *ChallengeOutcome) UnmarshalText(b []byte) error {
	for v := OutcomeUndecided; v <= NoContest; v++ {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown challenge outcome %q", b)
}

// Challenge is a fraud-proof dispute against one submitted batch.
type Challenge struct {
	ID         string           `json:"id"`
	BatchID    string           `json:"batchId"`
	Challenger common.Address   `json:"challenger"`
	Stake      *uint256.Int     `json:"stake"`
	Type       ChallengeType    `json:"type"`
	Evidence   []byte           `json:"evidence"`
	CreatedAt  time.Time        `json:"createdAt"`
	Deadline   time.Time        `json:"deadline"`
	Status     ChallengeStatus  `json:"status"`
	Outcome    ChallengeOutcome `json:"outcome"`
	ResolvedAt time.Time        `json:"resolvedAt,omitempty"`
	// EvidenceVerified is set when every balance claim in the evidence matches
	// the re-derived post-state.
	EvidenceVerified bool   `json:"evidenceVerified"`
	Detail           string `json:"detail,omitempty"`
}

func (c *Challenge) Copy() *Challenge {
	cp := *c
	if c.Stake != nil {
		cp.Stake = new(uint256.Int).Set(c.Stake)
	}
	cp.Evidence = append([]byte(nil), c.Evidence...)
	return &cp
}

// BalanceClaim asserts the correct post-batch balance of one account.
type BalanceClaim struct {
	Address common.Address `json:"address"`
	Token   TokenType      `json:"token"`
	Balance *uint256.Int   `json:"balance"`
}

type FraudEvidence struct {
	Claims []BalanceClaim `json:"claims"`
}

func (e *FraudEvidence) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DecodeEvidence treats undecodable evidence as an empty claim set.
func DecodeEvidence(b []byte) *FraudEvidence {
	var e FraudEvidence
	if len(b) == 0 || json.Unmarshal(b, &e) != nil {
		return &FraudEvidence{}
	}
	return &e
}

// Package proof attests batch state transitions. Backends are pluggable; the
// System in front of them adds caching, rate limiting and deferred
// generation.
package proof

import (
	"context"
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/google/uuid"
)

const (
	BackendNoop        = "noop"
	BackendAttestation = "attestation"
)

type Backend interface {
	Name() string
	Generate(ctx context.Context, b *types.SettlementBatch) (*types.Proof, error)
	// Verify returns an error wrapping ErrPInvalidProof when p does not hold.
	Verify(ctx context.Context, p *types.Proof) error
	Aggregate(ctx context.Context, proofs []*types.Proof) (*types.Proof, error)
}

// BatchDigest is the public input a proof commits to.
func BatchDigest(b *types.SettlementBatch) common.Hash {
	return common.Blake2HashAll(
		[]byte(b.ID),
		common.Uint64ToBytes(b.Number),
		b.PreviousStateRoot.Bytes(),
		b.StateRoot.Bytes(),
		b.MerkleRoot.Bytes(),
		common.Uint64ToBytes(b.GasUsed),
	)
}

func newProof(kind types.ProofKind, backend string) *types.Proof {
	return &types.Proof{ID: uuid.NewString(), Kind: kind, Backend: backend, CreatedAt: time.Now()}
}

// NoopBackend produces empty proofs. It only accepts its own output.
type NoopBackend struct{}

func (NoopBackend) Name() string { return BackendNoop }

func (NoopBackend) Generate(_ context.Context, b *types.SettlementBatch) (*types.Proof, error) {
	p := newProof(types.ProofNoop, BackendNoop)
	p.BatchIDs = []string{b.ID}
	p.PublicInputs = []common.Hash{BatchDigest(b)}
	return p, nil
}

func (NoopBackend) Verify(_ context.Context, p *types.Proof) error {
	if p.Backend != BackendNoop {
		return fmt.Errorf("%w: %s proof", settleerrors.ErrPUnsupported, p.Backend)
	}
	if len(p.Data) != 0 || len(p.BatchIDs) == 0 || len(p.BatchIDs) != len(p.PublicInputs) {
		return settleerrors.ErrPInvalidProof
	}
	return nil
}

func (NoopBackend) Aggregate(_ context.Context, proofs []*types.Proof) (*types.Proof, error) {
	if len(proofs) == 0 {
		return nil, settleerrors.ErrPEmptyAggregate
	}
	agg := newProof(types.ProofAggregate, BackendNoop)
	for _, p := range proofs {
		if p.Backend != BackendNoop {
			return nil, fmt.Errorf("%w: cannot aggregate %s proof", settleerrors.ErrPUnsupported, p.Backend)
		}
		agg.BatchIDs = append(agg.BatchIDs, p.BatchIDs...)
		agg.PublicInputs = append(agg.PublicInputs, p.PublicInputs...)
	}
	return agg, nil
}

package proof

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

var attestationDST = []byte("SETTLE_BATCH_ATTESTATION_BN254G1_XMD:SHA-256_SSWU_RO_")

// AttestationBackend signs batch digests with a BLS key on bn254:
// sig = sk*H(m) in G1, pk = sk*g2, and a proof holds when
// e(sig, g2) == e(H(m), pk). Aggregates are the G1 sum of the member
// signatures and verify with a single two-pair pairing check.
type AttestationBackend struct {
	sk *big.Int
	pk bn254.G2Affine
	g2 bn254.G2Affine
}

// NewAttestationBackend derives the signing key from seed.
func NewAttestationBackend(seed []byte) (*AttestationBackend, error) {
	var e fr.Element
	digest := common.Blake2Hash(seed)
	e.SetBytes(digest.Bytes())
	if e.IsZero() {
		return nil, errors.New("attestation seed maps to the zero key")
	}
	return newAttestationBackend(e.BigInt(new(big.Int))), nil
}

// GenerateAttestationBackend uses a random key.
func GenerateAttestationBackend() (*AttestationBackend, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return nil, err
	}
	return newAttestationBackend(e.BigInt(new(big.Int))), nil
}

func newAttestationBackend(sk *big.Int) *AttestationBackend {
	_, _, _, g2 := bn254.Generators()
	a := &AttestationBackend{sk: sk, g2: g2}
	a.pk.ScalarMultiplication(&g2, sk)
	return a
}

func (a *AttestationBackend) Name() string { return BackendAttestation }

// PublicKey is the compressed G2 point.
func (a *AttestationBackend) PublicKey() []byte {
	b := a.pk.Bytes()
	return b[:]
}

func hashToG1(digest common.Hash) (bn254.G1Affine, error) {
	return bn254.HashToG1(digest.Bytes(), attestationDST)
}

func (a *AttestationBackend) Generate(ctx context.Context, b *types.SettlementBatch) (*types.Proof, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := BatchDigest(b)
	h, err := hashToG1(digest)
	if err != nil {
		return nil, fmt.Errorf("hash batch %s to curve: %w", b.ID, err)
	}
	var sig bn254.G1Affine
	sig.ScalarMultiplication(&h, a.sk)
	raw := sig.Bytes()

	p := newProof(types.ProofAttestation, BackendAttestation)
	p.BatchIDs = []string{b.ID}
	p.PublicInputs = []common.Hash{digest}
	p.Data = raw[:]
	return p, nil
}

func (a *AttestationBackend) Verify(ctx context.Context, p *types.Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Backend != BackendAttestation {
		return fmt.Errorf("%w: %s proof", settleerrors.ErrPUnsupported, p.Backend)
	}
	if len(p.PublicInputs) == 0 || len(p.PublicInputs) != len(p.BatchIDs) {
		return fmt.Errorf("%w: %d inputs for %d batches", settleerrors.ErrPInvalidProof, len(p.PublicInputs), len(p.BatchIDs))
	}
	if p.Kind == types.ProofAttestation && len(p.PublicInputs) != 1 {
		return fmt.Errorf("%w: attestation covers one batch", settleerrors.ErrPInvalidProof)
	}
	var sig bn254.G1Affine
	if _, err := sig.SetBytes(p.Data); err != nil {
		return fmt.Errorf("%w: signature: %v", settleerrors.ErrPInvalidProof, err)
	}
	var hsum bn254.G1Jac
	for i, input := range p.PublicInputs {
		h, err := hashToG1(input)
		if err != nil {
			return err
		}
		if i == 0 {
			hsum.FromAffine(&h)
		} else {
			hsum.AddMixed(&h)
		}
	}
	var negH bn254.G1Affine
	negH.FromJacobian(&hsum)
	negH.Neg(&negH)

	ok, err := bn254.PairingCheck([]bn254.G1Affine{sig, negH}, []bn254.G2Affine{a.g2, a.pk})
	if err != nil {
		return fmt.Errorf("pairing: %w", err)
	}
	if !ok {
		return settleerrors.ErrPInvalidProof
	}
	return nil
}

func (a *AttestationBackend) Aggregate(ctx context.Context, proofs []*types.Proof) (*types.Proof, error) {
	if len(proofs) == 0 {
		return nil, settleerrors.ErrPEmptyAggregate
	}
	agg := newProof(types.ProofAggregate, BackendAttestation)
	var sum bn254.G1Jac
	for i, p := range proofs {
		if p.Backend != BackendAttestation {
			return nil, fmt.Errorf("%w: cannot aggregate %s proof", settleerrors.ErrPUnsupported, p.Backend)
		}
		var sig bn254.G1Affine
		if _, err := sig.SetBytes(p.Data); err != nil {
			return nil, fmt.Errorf("%w: proof %s: %v", settleerrors.ErrPInvalidProof, p.ID, err)
		}
		if i == 0 {
			sum.FromAffine(&sig)
		} else {
			sum.AddMixed(&sig)
		}
		agg.BatchIDs = append(agg.BatchIDs, p.BatchIDs...)
		agg.PublicInputs = append(agg.PublicInputs, p.PublicInputs...)
	}
	var out bn254.G1Affine
	out.FromJacobian(&sum)
	raw := out.Bytes()
	agg.Data = raw[:]
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return agg, nil
}

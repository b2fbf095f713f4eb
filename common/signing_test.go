package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	addr, key := DevAccount(7)
	digest := Keccak256([]byte("settlement"))

	sig, err := SignHash(digest, key)
	require.NoError(t, err)
	assert.Len(t, sig, SignatureLength)

	recovered, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, recovered)

	other := Keccak256([]byte("other"))
	recovered, err = RecoverAddress(other, sig)
	if err == nil {
		assert.NotEqual(t, addr, recovered)
	}
}

func TestDevAccountDeterministic(t *testing.T) {
	for i := 0; i < 20; i++ {
		a1, k1 := DevAccount(i)
		a2, k2 := DevAccount(i)
		if a1 != a2 {
			t.Errorf("Account %d: not deterministic", i)
		}
		if PrivateKeyHex(k1) != PrivateKeyHex(k2) {
			t.Errorf("Account %d: key not deterministic", i)
		}
		if PubkeyToAddress(k1.PublicKey) != a1 {
			t.Errorf("Account %d: address mismatch", i)
		}
	}
	a, _ := DevAccount(1)
	b, _ := DevAccount(2)
	assert.NotEqual(t, a, b)
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	_, err := RecoverAddress(Hash{}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrSignatureLength)
}

func TestHashTextRoundTrip(t *testing.T) {
	h := Blake2Hash([]byte("root"))
	text, err := h.MarshalText()
	require.NoError(t, err)
	var back Hash
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, h, back)
	assert.False(t, back.IsZero())
	assert.Equal(t, uint64(42), BytesToUint64(Uint64ToBytes(42)))
}

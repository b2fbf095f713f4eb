package common

import (
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

const SignatureLength = crypto.SignatureLength

var ErrSignatureLength = errors.New("signature must be 65 bytes")

// SignHash signs a 32-byte digest with a secp256k1 key.
func SignHash(digest Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("error signing the hash: %v", err)
	}
	return sig, nil
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest Hash, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, ErrSignatureLength
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return Address{}, fmt.Errorf("error recovering public key from signature: %v", err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}

func PubkeyToAddress(pub ecdsa.PublicKey) Address {
	return Address(crypto.PubkeyToAddress(pub))
}

// DevAccount derives a deterministic test account. The key is the keccak of
// "settle-dev" and the index, so the same index always yields the same account.
func DevAccount(index int) (Address, *ecdsa.PrivateKey) {
	seed := Keccak256(append([]byte("settle-dev"), Uint64ToBytes(uint64(index))...))
	key, err := crypto.ToECDSA(seed.Bytes())
	if err != nil {
		// keccak output is below the curve order with overwhelming probability
		panic(fmt.Sprintf("DevAccount(%d): %v", index, err))
	}
	return PubkeyToAddress(key.PublicKey), key
}

func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

func HexToECDSA(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(hexKey)
}

func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return Bytes2Hex(crypto.FromECDSA(key))
}

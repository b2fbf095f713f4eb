package types

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/colorfulnotion/settle/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

type TokenType string

// NativeToken pays gas and fees.
const NativeToken TokenType = "GCC"

// Transaction is a value transfer (optionally carrying a contract call payload)
// submitted to the settlement engine. It is immutable once admitted.
type Transaction struct {
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Token     TokenType      `json:"token"`
	Amount    *uint256.Int   `json:"amount"`
	Nonce     uint64         `json:"nonce"`
	GasLimit  uint64         `json:"gasLimit"`
	GasPrice  *uint256.Int   `json:"gasPrice"`
	Payload   hexutil.Bytes  `json:"payload,omitempty"`
	Signature hexutil.Bytes  `json:"signature,omitempty"`
}

type txSigningFields struct {
	Sender    common.Address
	Recipient common.Address
	Token     string
	Amount    *uint256.Int
	Nonce     uint64
	GasLimit  uint64
	GasPrice  *uint256.Int
	Payload   []byte
}

type txFields struct {
	Body      txSigningFields
	Signature []byte
}

func (tx *Transaction) signingFields() txSigningFields {
	return txSigningFields{
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Token:     string(tx.Token),
		Amount:    orZero(tx.Amount),
		Nonce:     tx.Nonce,
		GasLimit:  tx.GasLimit,
		GasPrice:  orZero(tx.GasPrice),
		Payload:   tx.Payload,
	}
}

// SigningHash is the digest the sender signs: every field but the signature.
func (tx *Transaction) SigningHash() common.Hash {
	enc, err := rlp.EncodeToBytes(tx.signingFields())
	if err != nil {
		panic(fmt.Sprintf("rlp encode transaction: %v", err))
	}
	return common.Keccak256(enc)
}

// Hash covers the signature too, so two signed copies of the same body differ.
func (tx *Transaction) Hash() common.Hash {
	return common.Keccak256(tx.Bytes())
}

func (tx *Transaction) Bytes() []byte {
	enc, err := rlp.EncodeToBytes(txFields{tx.signingFields(), tx.Signature})
	if err != nil {
		panic(fmt.Sprintf("rlp encode transaction: %v", err))
	}
	return enc
}

// ID is the opaque identifier handed back on admission.
func (tx *Transaction) ID() string {
	return tx.Hash().Hex()
}

func (tx *Transaction) Sign(key *ecdsa.PrivateKey) error {
	sig, err := common.SignHash(tx.SigningHash(), key)
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// RecoverSender returns the address that produced the signature.
func (tx *Transaction) RecoverSender() (common.Address, error) {
	return common.RecoverAddress(tx.SigningHash(), tx.Signature)
}

// Fee is gasUsed * gasPrice.
func (tx *Transaction) Fee(gasUsed uint64) *uint256.Int {
	fee := new(uint256.Int).SetUint64(gasUsed)
	return fee.Mul(fee, orZero(tx.GasPrice))
}

func (tx *Transaction) String() string {
	return fmt.Sprintf("tx{%s %s->%s %s %s nonce=%d}", common.Str(tx.Hash()), tx.Sender.Hex(), tx.Recipient.Hex(), orZero(tx.Amount).Dec(), tx.Token, tx.Nonce)
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// NewTransfer builds an unsigned native-token transfer.
func NewTransfer(from, to common.Address, amount uint64, nonce uint64, gasLimit uint64, gasPrice uint64) *Transaction {
	return &Transaction{
		Sender:    from,
		Recipient: to,
		Token:     NativeToken,
		Amount:    uint256.NewInt(amount),
		Nonce:     nonce,
		GasLimit:  gasLimit,
		GasPrice:  uint256.NewInt(gasPrice),
	}
}

func TxHashes(txs []*Transaction) []common.Hash {
	out := make([]common.Hash, len(txs))
	for i, tx := range txs {
		out[i] = tx.Hash()
	}
	return out
}

package types

import (
	"sort"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Account is the per-address record of the L2 state.
type Account struct {
	Address     common.Address             `json:"address"`
	Nonce       uint64                     `json:"nonce"`
	Balances    map[TokenType]*uint256.Int `json:"balances"`
	StorageRoot common.Hash                `json:"storageRoot"`
	CodeHash    common.Hash                `json:"codeHash"`
	Code        hexutil.Bytes              `json:"code,omitempty"`
}

func NewAccount(addr common.Address) *Account {
	return &Account{Address: addr, Balances: make(map[TokenType]*uint256.Int)}
}

// Balance never returns nil; callers must not mutate the result.
func (a *Account) Balance(token TokenType) *uint256.Int {
	if a == nil {
		return new(uint256.Int)
	}
	if b, ok := a.Balances[token]; ok && b != nil {
		return b
	}
	return new(uint256.Int)
}

func (a *Account) Tokens() []TokenType {
	tokens := make([]TokenType, 0, len(a.Balances))
	for t := range a.Balances {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

func (a *Account) Copy() *Account {
	if a == nil {
		return nil
	}
	c := &Account{
		Address:     a.Address,
		Nonce:       a.Nonce,
		Balances:    make(map[TokenType]*uint256.Int, len(a.Balances)),
		StorageRoot: a.StorageRoot,
		CodeHash:    a.CodeHash,
	}
	for t, b := range a.Balances {
		c.Balances[t] = new(uint256.Int).Set(b)
	}
	if a.Code != nil {
		c.Code = append(hexutil.Bytes(nil), a.Code...)
	}
	return c
}

type StorageKey struct {
	Address common.Address `json:"address"`
	Slot    common.Hash    `json:"slot"`
}

type ChangeKind uint8

const (
	ChangeBalance ChangeKind = iota
	ChangeNonce
	ChangeStorage
	ChangeCode
	ChangeSupply
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeBalance:
		return "balance"
	case ChangeNonce:
		return "nonce"
	case ChangeStorage:
		return "storage"
	case ChangeCode:
		return "code"
	case ChangeSupply:
		return "supply"
	default:
		return "unknown"
	}
}

func (k ChangeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChangeKind) UnmarshalText(b []byte) error {
	for c := ChangeBalance; c <= ChangeSupply; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	*k = ChangeKind(255)
	return nil
}

// StateChange is one typed delta. Every kind replaces the previous value.
type StateChange struct {
	Kind    ChangeKind     `json:"kind"`
	Address common.Address `json:"address,omitempty"`
	Token   TokenType      `json:"token,omitempty"`
	Amount  *uint256.Int   `json:"amount,omitempty"`
	Nonce   uint64         `json:"nonce,omitempty"`
	Slot    common.Hash    `json:"slot,omitempty"`
	Value   common.Hash    `json:"value,omitempty"`
	Code    hexutil.Bytes  `json:"code,omitempty"`
}

func BalanceChange(addr common.Address, token TokenType, amount *uint256.Int) StateChange {
	return StateChange{Kind: ChangeBalance, Address: addr, Token: token, Amount: new(uint256.Int).Set(amount)}
}

func NonceChange(addr common.Address, nonce uint64) StateChange {
	return StateChange{Kind: ChangeNonce, Address: addr, Nonce: nonce}
}

func StorageChange(addr common.Address, slot, value common.Hash) StateChange {
	return StateChange{Kind: ChangeStorage, Address: addr, Slot: slot, Value: value}
}

func CodeChange(addr common.Address, code []byte) StateChange {
	return StateChange{Kind: ChangeCode, Address: addr, Code: append(hexutil.Bytes(nil), code...)}
}

func SupplyChange(token TokenType, amount *uint256.Int) StateChange {
	return StateChange{Kind: ChangeSupply, Token: token, Amount: new(uint256.Int).Set(amount)}
}

// StateUpdate bundles the deltas of one batch with the roots it claims.
type StateUpdate struct {
	BatchID         string        `json:"batchId"`
	BlockNumber     uint64        `json:"blockNumber"`
	Changes         []StateChange `json:"changes"`
	StateRootBefore common.Hash   `json:"stateRootBefore"`
	StateRootAfter  common.Hash   `json:"stateRootAfter"`
	TxCount         uint64        `json:"txCount"`
	GasUsed         uint64        `json:"gasUsed"`
	Timestamp       time.Time     `json:"timestamp"`
}

type RollbackReason uint8

const (
	RollbackFraudProof RollbackReason = iota
	RollbackChainReorg
	RollbackManual
	RollbackSystemError
)

func (r RollbackReason) String() string {
	switch r {
	case RollbackFraudProof:
		return "FraudProof"
	case RollbackChainReorg:
		return "ChainReorg"
	case RollbackManual:
		return "Manual"
	case RollbackSystemError:
		return "SystemError"
	default:
		return "Unknown"
	}
}

func (r RollbackReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// RollbackRecord is one entry of the rollback audit log.
type RollbackRecord struct {
	FromBlock    uint64         `json:"fromBlock"`
	ToBlock      uint64         `json:"toBlock"`
	TargetBlock  uint64         `json:"targetBlock"`
	FromRoot     common.Hash    `json:"fromRoot"`
	ToRoot       common.Hash    `json:"toRoot"`
	Reason       RollbackReason `json:"reason"`
	SnapshotID   string         `json:"snapshotId"`
	RolledBackAt time.Time      `json:"rolledBackAt"`
}

// StateSnapshot is a compressed serialization of the L2 state at a block.
type StateSnapshot struct {
	ID          string      `json:"id"`
	BlockNumber uint64      `json:"blockNumber"`
	StateRoot   common.Hash `json:"stateRoot"`
	Data        []byte      `json:"data"`
	RawSize     int         `json:"rawSize"`
	CreatedAt   time.Time   `json:"createdAt"`
}

package statedb

import (
	"fmt"
	"sort"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

// L2State is the canonical account/storage/balance state. The instance held by
// a Manager is only touched from the manager's own goroutine; copies handed
// out by Copy belong to the caller.
type L2State struct {
	StateRoot   common.Hash
	BlockNumber uint64
	Timestamp   time.Time
	Accounts    map[common.Address]*types.Account
	// Storage is keyed by (address, slot); zero values are not stored.
	Storage     map[common.Address]map[common.Hash]common.Hash
	TotalSupply map[types.TokenType]*uint256.Int
	TxCount     uint64
	GasUsed     uint64
}

func NewL2State() *L2State {
	s := &L2State{
		Accounts:    make(map[common.Address]*types.Account),
		Storage:     make(map[common.Address]map[common.Hash]common.Hash),
		TotalSupply: make(map[types.TokenType]*uint256.Int),
	}
	s.StateRoot = ComputeRoot(s)
	return s
}

type GenesisAlloc struct {
	Address common.Address
	Token   types.TokenType
	Balance *uint256.Int
}

// NewGenesisState credits every allocation and counts it into the token supply.
func NewGenesisState(allocs []GenesisAlloc) *L2State {
	s := NewL2State()
	for _, a := range allocs {
		acct := s.getOrCreate(a.Address)
		bal := new(uint256.Int).Add(acct.Balance(a.Token), a.Balance)
		acct.Balances[a.Token] = bal
		supply := s.Supply(a.Token)
		s.TotalSupply[a.Token] = new(uint256.Int).Add(supply, a.Balance)
	}
	s.StateRoot = ComputeRoot(s)
	return s
}

func (s *L2State) Copy() *L2State {
	c := &L2State{
		StateRoot:   s.StateRoot,
		BlockNumber: s.BlockNumber,
		Timestamp:   s.Timestamp,
		Accounts:    make(map[common.Address]*types.Account, len(s.Accounts)),
		Storage:     make(map[common.Address]map[common.Hash]common.Hash, len(s.Storage)),
		TotalSupply: make(map[types.TokenType]*uint256.Int, len(s.TotalSupply)),
		TxCount:     s.TxCount,
		GasUsed:     s.GasUsed,
	}
	for addr, acct := range s.Accounts {
		c.Accounts[addr] = acct.Copy()
	}
	for addr, slots := range s.Storage {
		cs := make(map[common.Hash]common.Hash, len(slots))
		for k, v := range slots {
			cs[k] = v
		}
		c.Storage[addr] = cs
	}
	for t, v := range s.TotalSupply {
		c.TotalSupply[t] = new(uint256.Int).Set(v)
	}
	return c
}

// Account returns nil when addr has no record.
func (s *L2State) Account(addr common.Address) *types.Account {
	return s.Accounts[addr]
}

func (s *L2State) getOrCreate(addr common.Address) *types.Account {
	acct, ok := s.Accounts[addr]
	if !ok {
		acct = types.NewAccount(addr)
		s.Accounts[addr] = acct
	}
	return acct
}

func (s *L2State) Balance(addr common.Address, token types.TokenType) *uint256.Int {
	return s.Accounts[addr].Balance(token)
}

func (s *L2State) Nonce(addr common.Address) uint64 {
	if acct, ok := s.Accounts[addr]; ok {
		return acct.Nonce
	}
	return 0
}

func (s *L2State) StorageAt(addr common.Address, slot common.Hash) common.Hash {
	return s.Storage[addr][slot]
}

func (s *L2State) Supply(token types.TokenType) *uint256.Int {
	if v, ok := s.TotalSupply[token]; ok {
		return v
	}
	return new(uint256.Int)
}

func validateChange(ch *types.StateChange) error {
	switch ch.Kind {
	case types.ChangeBalance, types.ChangeSupply:
		if ch.Amount == nil {
			return fmt.Errorf("%s change for %s has no amount", ch.Kind, ch.Address.Hex())
		}
		if ch.Token == "" {
			return fmt.Errorf("%s change for %s has no token", ch.Kind, ch.Address.Hex())
		}
	case types.ChangeNonce, types.ChangeStorage, types.ChangeCode:
	default:
		return fmt.Errorf("unknown change kind %d", ch.Kind)
	}
	return nil
}

// ApplyChange replaces the value the change names.
func (s *L2State) ApplyChange(ch types.StateChange) error {
	if err := validateChange(&ch); err != nil {
		return err
	}
	switch ch.Kind {
	case types.ChangeBalance:
		acct := s.getOrCreate(ch.Address)
		if ch.Amount.IsZero() {
			delete(acct.Balances, ch.Token)
		} else {
			acct.Balances[ch.Token] = new(uint256.Int).Set(ch.Amount)
		}
	case types.ChangeNonce:
		s.getOrCreate(ch.Address).Nonce = ch.Nonce
	case types.ChangeStorage:
		acct := s.getOrCreate(ch.Address)
		slots := s.Storage[ch.Address]
		if ch.Value.IsZero() {
			delete(slots, ch.Slot)
			if len(slots) == 0 {
				delete(s.Storage, ch.Address)
			}
		} else {
			if slots == nil {
				slots = make(map[common.Hash]common.Hash)
				s.Storage[ch.Address] = slots
			}
			slots[ch.Slot] = ch.Value
		}
		acct.StorageRoot = storageRoot(s.Storage[ch.Address])
	case types.ChangeCode:
		acct := s.getOrCreate(ch.Address)
		if len(ch.Code) == 0 {
			acct.Code = nil
			acct.CodeHash = common.Hash{}
		} else {
			acct.Code = append([]byte(nil), ch.Code...)
			acct.CodeHash = common.Keccak256(ch.Code)
		}
	case types.ChangeSupply:
		s.TotalSupply[ch.Token] = new(uint256.Int).Set(ch.Amount)
	}
	return nil
}

func sortedAddresses(accounts map[common.Address]*types.Account) []common.Address {
	addrs := make([]common.Address, 0, len(accounts))
	for a := range accounts {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return lessBytes(addrs[i][:], addrs[j][:]) })
	return addrs
}

func sortedSlots(slots map[common.Hash]common.Hash) []common.Hash {
	keys := make([]common.Hash, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessBytes(keys[i][:], keys[j][:]) })
	return keys
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

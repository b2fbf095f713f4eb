package statedb

import (
	"sort"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"golang.org/x/crypto/blake2b"
)

var (
	tagAccount = []byte("acct")
	tagBalance = []byte("bal")
	tagStorage = []byte("stor")
	tagSupply  = []byte("supply")
	tagSlot    = []byte("slot")
)

// ComputeRoot hashes every account, balance, storage and supply record in
// sorted (address, field) order. Map iteration order never leaks into the
// result, so identical contents always give identical roots.
func ComputeRoot(s *L2State) common.Hash {
	h, _ := blake2b.New256(nil)
	for _, addr := range sortedAddresses(s.Accounts) {
		acct := s.Accounts[addr]
		h.Write(common.Blake2HashAll(tagAccount, addr[:], common.Uint64ToBytes(acct.Nonce), acct.StorageRoot[:], acct.CodeHash[:]).Bytes())
		for _, token := range acct.Tokens() {
			amount := acct.Balances[token].Bytes32()
			h.Write(common.Blake2HashAll(tagBalance, addr[:], []byte(token), amount[:]).Bytes())
		}
		slots := s.Storage[addr]
		for _, slot := range sortedSlots(slots) {
			value := slots[slot]
			h.Write(common.Blake2HashAll(tagStorage, addr[:], slot[:], value[:]).Bytes())
		}
	}
	tokens := make([]types.TokenType, 0, len(s.TotalSupply))
	for t := range s.TotalSupply {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		amount := s.TotalSupply[t].Bytes32()
		h.Write(common.Blake2HashAll(tagSupply, []byte(t), amount[:]).Bytes())
	}
	return common.BytesToHash(h.Sum(nil))
}

func storageRoot(slots map[common.Hash]common.Hash) common.Hash {
	if len(slots) == 0 {
		return common.Hash{}
	}
	h, _ := blake2b.New256(nil)
	for _, slot := range sortedSlots(slots) {
		value := slots[slot]
		h.Write(common.Blake2HashAll(tagSlot, slot[:], value[:]).Bytes())
	}
	return common.BytesToHash(h.Sum(nil))
}

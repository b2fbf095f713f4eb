package services

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

type ledgerKey struct {
	addr  common.Address
	token types.TokenType
}

// MemoryLedger is an in-process BalanceLedger.
type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[ledgerKey]*uint256.Int
	applied  int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[ledgerKey]*uint256.Int)}
}

func (l *MemoryLedger) Set(addr common.Address, token types.TokenType, balance *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[ledgerKey{addr, token}] = new(uint256.Int).Set(balance)
}

func (l *MemoryLedger) Balance(_ context.Context, addr common.Address, token types.TokenType) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.balances[ledgerKey{addr, token}]; ok {
		return new(uint256.Int).Set(b), nil
	}
	return new(uint256.Int), nil
}

func (l *MemoryLedger) ApplyDeltas(_ context.Context, deltas []BalanceDelta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range deltas {
		l.balances[ledgerKey{d.Address, d.Token}] = new(uint256.Int).Set(d.Balance)
	}
	l.applied += len(deltas)
	return nil
}

// Applied counts the deltas received so far.
func (l *MemoryLedger) Applied() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.applied
}

// AllowAll approves everything with full trust.
type AllowAll struct{}

func (AllowAll) Check(context.Context, *types.Transaction) (PolicyDecision, error) {
	return PolicyDecision{Approved: true, TrustScore: 1}, nil
}

// StaticPolicy rejects denied senders and flags priority senders.
type StaticPolicy struct {
	mu       sync.RWMutex
	denied   map[common.Address]string
	priority map[common.Address]bool
}

func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{denied: make(map[common.Address]string), priority: make(map[common.Address]bool)}
}

func (p *StaticPolicy) Deny(addr common.Address, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denied[addr] = reason
}

func (p *StaticPolicy) Prioritize(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority[addr] = true
}

func (p *StaticPolicy) Check(_ context.Context, tx *types.Transaction) (PolicyDecision, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if reason, ok := p.denied[tx.Sender]; ok {
		return PolicyDecision{Approved: false, Reason: reason}, nil
	}
	return PolicyDecision{Approved: true, TrustScore: 1, Flagged: p.priority[tx.Sender]}, nil
}

// KVRuntime treats a payload of the form "set:<slot>=<value>,..." (hex words)
// as storage writes and rejects anything else.
type KVRuntime struct {
	GasPerWrite uint64
}

func (r KVRuntime) Execute(_ context.Context, tx *types.Transaction) (*CallResult, error) {
	body := string(tx.Payload)
	if !strings.HasPrefix(body, "set:") {
		return nil, fmt.Errorf("kv runtime: unsupported call %q", body)
	}
	var writes []StorageWrite
	for _, kv := range strings.Split(strings.TrimPrefix(body, "set:"), ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("kv runtime: malformed write %q", kv)
		}
		writes = append(writes, StorageWrite{Slot: common.HexToHash(parts[0]), Value: common.HexToHash(parts[1])})
	}
	return &CallResult{GasUsed: r.GasPerWrite * uint64(len(writes)), StorageWrites: writes}, nil
}

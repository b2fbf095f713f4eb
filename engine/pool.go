package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
	"github.com/holiman/uint256"
)

type Lane int

const (
	LaneFIFO Lane = iota
	LanePriority
)

func (l Lane) String() string {
	if l == LanePriority {
		return "priority"
	}
	return "fifo"
}

type poolEntry struct {
	tx      *types.Transaction
	id      string
	lane    Lane
	addedAt time.Time
}

// shard owns the senders whose address starts with a byte mapping to it.
// Nonce tracking and both lanes of those senders live under one lock.
type shard struct {
	mu       sync.Mutex
	nonces   map[common.Address]uint64
	priority []*poolEntry
	fifo     []*poolEntry
	byID     map[string]*poolEntry
}

// NonceSource seeds the tracked nonce of a sender seen for the first time.
type NonceSource func(ctx context.Context, addr common.Address) (uint64, error)

type PoolStats struct {
	Size     int `json:"size"`
	Priority int `json:"priority"`
	FIFO     int `json:"fifo"`
	Senders  int `json:"senders"`
	Capacity int `json:"capacity"`
}

// Pool is the admission pool, sharded by sender address prefix.
type Pool struct {
	shards        []*shard
	capacity      int
	priorityPrice *uint256.Int
	nonceOf       NonceSource

	size  atomic.Int64
	start atomic.Uint32
}

func NewPool(shards, capacity int, priorityPrice *uint256.Int, nonceOf NonceSource) *Pool {
	if shards <= 0 {
		shards = 1
	}
	p := &Pool{
		shards:        make([]*shard, shards),
		capacity:      capacity,
		priorityPrice: priorityPrice,
		nonceOf:       nonceOf,
	}
	for i := range p.shards {
		p.shards[i] = &shard{nonces: make(map[common.Address]uint64), byID: make(map[string]*poolEntry)}
	}
	return p
}

func (p *Pool) shardFor(addr common.Address) *shard {
	return p.shards[int(addr[0])%len(p.shards)]
}

func (p *Pool) Size() int {
	return int(p.size.Load())
}

func (p *Pool) Capacity() int {
	return p.capacity
}

func (p *Pool) Full() bool {
	return p.capacity > 0 && p.Size() >= p.capacity
}

func (p *Pool) laneFor(tx *types.Transaction, flagged bool) Lane {
	if flagged {
		return LanePriority
	}
	if p.priorityPrice != nil && tx.GasPrice != nil && !tx.GasPrice.Lt(p.priorityPrice) {
		return LanePriority
	}
	return LaneFIFO
}

// Admit adds tx when its nonce is exactly the sender's tracked nonce + 1.
// flagged forces the priority lane.
func (p *Pool) Admit(ctx context.Context, tx *types.Transaction, flagged bool) (Lane, error) {
	if n := p.size.Add(1); p.capacity > 0 && n > int64(p.capacity) {
		p.size.Add(-1)
		return 0, settleerrors.ErrAPoolFull
	}
	lane, err := p.admit(ctx, tx, flagged)
	if err != nil {
		p.size.Add(-1)
	}
	return lane, err
}

func (p *Pool) admit(ctx context.Context, tx *types.Transaction, flagged bool) (Lane, error) {
	s := p.shardFor(tx.Sender)
	id := tx.ID()

	s.mu.Lock()
	_, known := s.nonces[tx.Sender]
	s.mu.Unlock()
	if !known {
		seed, err := p.nonceOf(ctx, tx.Sender)
		if err != nil {
			return 0, fmt.Errorf("seed nonce for %s: %w", tx.Sender.Hex(), err)
		}
		s.mu.Lock()
		if _, ok := s.nonces[tx.Sender]; !ok {
			s.nonces[tx.Sender] = seed
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[id]; dup {
		return 0, fmt.Errorf("%w: %s", settleerrors.ErrADuplicateTransaction, id)
	}
	tracked := s.nonces[tx.Sender]
	if tx.Nonce != tracked+1 {
		return 0, fmt.Errorf("%w: sender %s nonce %d, expected %d", settleerrors.ErrANonceMismatch, tx.Sender.Hex(), tx.Nonce, tracked+1)
	}

	e := &poolEntry{tx: tx, id: id, lane: p.laneFor(tx, flagged), addedAt: time.Now()}
	if e.lane == LanePriority {
		s.promoteLocked(tx.Sender)
		s.priority = append(s.priority, e)
	} else {
		s.fifo = append(s.fifo, e)
	}
	s.byID[id] = e
	s.nonces[tx.Sender] = tx.Nonce
	return e.lane, nil
}

// promoteLocked moves sender's FIFO entries to the priority lane so a
// drain never takes nonce N+1 without N.
func (s *shard) promoteLocked(sender common.Address) {
	kept := s.fifo[:0]
	moved := 0
	for _, e := range s.fifo {
		if e.tx.Sender == sender {
			e.lane = LanePriority
			s.priority = append(s.priority, e)
			moved++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.fifo); i++ {
		s.fifo[i] = nil
	}
	s.fifo = kept
	if moved > 0 {
		log.Debug(log.Pool, "Promoted to priority lane", "sender", sender.Hex(), "count", moved)
	}
}

// Drain removes up to max transactions, every priority lane before any FIFO
// lane. Shards are visited round-robin from a rotating start.
func (p *Pool) Drain(max int) []*types.Transaction {
	if max <= 0 {
		return nil
	}
	out := make([]*types.Transaction, 0, min(max, p.Size()))
	first := int(p.start.Add(1)) % len(p.shards)
	for _, lane := range []Lane{LanePriority, LaneFIFO} {
		for i := 0; i < len(p.shards) && len(out) < max; i++ {
			s := p.shards[(first+i)%len(p.shards)]
			s.mu.Lock()
			q := &s.fifo
			if lane == LanePriority {
				q = &s.priority
			}
			n := min(max-len(out), len(*q))
			for _, e := range (*q)[:n] {
				out = append(out, e.tx)
				delete(s.byID, e.id)
			}
			*q = append((*q)[:0:0], (*q)[n:]...)
			s.mu.Unlock()
		}
	}
	p.size.Add(-int64(len(out)))
	return out
}

func (p *Pool) Contains(id string) bool {
	for _, s := range p.shards {
		s.mu.Lock()
		_, ok := s.byID[id]
		s.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// TrackedNonce is the last admitted nonce of addr.
func (p *Pool) TrackedNonce(addr common.Address) (uint64, bool) {
	s := p.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[addr]
	return n, ok
}

// Rewind lowers sender's tracked nonce to next-1 and evicts its pooled
// transactions with nonce >= next. The tracked nonce never moves up here.
func (p *Pool) Rewind(sender common.Address, next uint64) []*types.Transaction {
	s := p.shardFor(sender)
	s.mu.Lock()
	defer s.mu.Unlock()
	tracked, ok := s.nonces[sender]
	if !ok {
		return nil
	}
	if next == 0 {
		next = 1
	}
	if next-1 < tracked {
		s.nonces[sender] = next - 1
	}
	var evicted []*types.Transaction
	keep := func(q []*poolEntry) []*poolEntry {
		kept := q[:0]
		for _, e := range q {
			if e.tx.Sender == sender && e.tx.Nonce >= next {
				evicted = append(evicted, e.tx)
				delete(s.byID, e.id)
				continue
			}
			kept = append(kept, e)
		}
		return kept
	}
	s.priority = keep(s.priority)
	s.fifo = keep(s.fifo)
	p.size.Add(-int64(len(evicted)))
	if len(evicted) > 0 {
		log.Debug(log.Pool, "Sender rewound", "sender", sender.Hex(), "next", next, "evicted", len(evicted))
	}
	return evicted
}

// Prune forgets senders with nothing pooled whose tracked nonce has caught
// up with canonical state. They are seeded again on their next admission.
func (p *Pool) Prune(ctx context.Context, canonical NonceSource) (int, error) {
	pruned := 0
	for _, s := range p.shards {
		s.mu.Lock()
		idle := make(map[common.Address]uint64, len(s.nonces))
		for addr, n := range s.nonces {
			idle[addr] = n
		}
		for _, e := range s.byID {
			delete(idle, e.tx.Sender)
		}
		s.mu.Unlock()

		for addr, tracked := range idle {
			n, err := canonical(ctx, addr)
			if err != nil {
				return pruned, err
			}
			if n != tracked {
				delete(idle, addr)
			}
		}

		s.mu.Lock()
		pooled := make(map[common.Address]bool)
		for _, e := range s.byID {
			pooled[e.tx.Sender] = true
		}
		for addr, tracked := range idle {
			// admissions since the scan keep the sender
			if cur, ok := s.nonces[addr]; ok && cur == tracked && !pooled[addr] {
				delete(s.nonces, addr)
				pruned++
			}
		}
		s.mu.Unlock()
	}
	return pruned, nil
}

func (p *Pool) Stats() PoolStats {
	st := PoolStats{Capacity: p.capacity}
	for _, s := range p.shards {
		s.mu.Lock()
		st.Priority += len(s.priority)
		st.FIFO += len(s.fifo)
		st.Senders += len(s.nonces)
		s.mu.Unlock()
	}
	st.Size = st.Priority + st.FIFO
	return st
}

package statedb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/storage"
	"github.com/colorfulnotion/settle/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
)

const (
	DefaultMaxSnapshots     = 100
	DefaultAccountCacheSize = 8192
	DefaultStorageCacheSize = 8192
)

type Config struct {
	MaxSnapshots     int
	AccountCacheSize int
	StorageCacheSize int
}

func DefaultConfig() Config {
	return Config{
		MaxSnapshots:     DefaultMaxSnapshots,
		AccountCacheSize: DefaultAccountCacheSize,
		StorageCacheSize: DefaultStorageCacheSize,
	}
}

// Head is the current root and block, readable without a round trip.
type Head struct {
	Root  common.Hash
	Block uint64
}

type Stats struct {
	Head        Head
	Accounts    int
	Snapshots   int
	Rollbacks   int
	TxCount     uint64
	GasUsed     uint64
	OldestSnap  uint64
	NewestSnap  uint64
	CacheHits   uint64
	CacheMisses uint64
}

type request struct {
	fn   func()
	done chan struct{}
}

// Manager is the single owner of the canonical L2State. One goroutine runs
// every read and write in arrival order; other components talk to it through
// request/reply channels. The account and storage caches are safe for
// concurrent reads but are only filled and invalidated from the owner
// goroutine.
type Manager struct {
	cfg   Config
	store *storage.SnapshotStore

	reqCh     chan request
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	accounts *lru.Cache[common.Address, *types.Account]
	slots    *lru.Cache[types.StorageKey, common.Hash]
	head     atomic.Pointer[Head]
	hits     atomic.Uint64
	misses   atomic.Uint64

	// owned by the loop goroutine
	st        *L2State
	snapshots map[uint64]*types.StateSnapshot
	snapOrder []uint64
	rollbacks []types.RollbackRecord
}

// NewManager starts the owner goroutine. When store already holds snapshots
// the newest one is restored and genesis is ignored.
func NewManager(cfg Config, genesis *L2State, store *storage.SnapshotStore) (*Manager, error) {
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
	}
	if cfg.AccountCacheSize <= 0 {
		cfg.AccountCacheSize = DefaultAccountCacheSize
	}
	if cfg.StorageCacheSize <= 0 {
		cfg.StorageCacheSize = DefaultStorageCacheSize
	}
	accounts, err := lru.New[common.Address, *types.Account](cfg.AccountCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	slots, err := lru.New[types.StorageKey, common.Hash](cfg.StorageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage cache: %w", err)
	}
	if genesis == nil {
		genesis = NewL2State()
	}
	m := &Manager{
		cfg:       cfg,
		store:     store,
		reqCh:     make(chan request),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		accounts:  accounts,
		slots:     slots,
		st:        genesis.Copy(),
		snapshots: make(map[uint64]*types.StateSnapshot),
	}
	if err := m.loadPersisted(); err != nil {
		return nil, err
	}
	m.publishHead()
	go m.loop()
	log.Info(log.State, "State manager started", "block", m.st.BlockNumber, "root", m.st.StateRoot.Hex(), "snapshots", len(m.snapOrder))
	return m, nil
}

func (m *Manager) loadPersisted() error {
	if m.store == nil {
		return nil
	}
	snaps, err := m.store.List()
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return nil
	}
	for _, snap := range snaps {
		m.snapshots[snap.BlockNumber] = snap
		m.snapOrder = append(m.snapOrder, snap.BlockNumber)
	}
	latest := snaps[len(snaps)-1]
	st, err := StateFromSnapshot(latest)
	if err != nil {
		return fmt.Errorf("restore snapshot %d: %w", latest.BlockNumber, err)
	}
	m.st = st
	m.evictSnapshots()
	return nil
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case req := <-m.reqCh:
			req.fn()
			close(req.done)
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case m.reqCh <- req:
	case <-m.quit:
		return settleerrors.ErrSManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-m.done:
		return settleerrors.ErrSManagerClosed
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
		log.Info(log.State, "State manager stopped")
	})
}

// Alive reports whether the owner goroutine is still serving requests.
func (m *Manager) Alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) publishHead() {
	m.head.Store(&Head{Root: m.st.StateRoot, Block: m.st.BlockNumber})
}

func (m *Manager) Head() Head {
	return *m.head.Load()
}

func (m *Manager) StateRoot() common.Hash {
	return m.Head().Root
}

func (m *Manager) BlockNumber() uint64 {
	return m.Head().Block
}

// Account returns a copy of the account record; unknown addresses yield an
// empty account.
func (m *Manager) Account(ctx context.Context, addr common.Address) (*types.Account, error) {
	if acct, ok := m.accounts.Get(addr); ok {
		m.hits.Add(1)
		return acct.Copy(), nil
	}
	m.misses.Add(1)
	var out *types.Account
	err := m.do(ctx, func() {
		acct := m.st.Account(addr)
		if acct == nil {
			acct = types.NewAccount(addr)
		} else {
			acct = acct.Copy()
		}
		m.accounts.Add(addr, acct)
		out = acct.Copy()
	})
	return out, err
}

func (m *Manager) Balance(ctx context.Context, addr common.Address, token types.TokenType) (*uint256.Int, error) {
	acct, err := m.Account(ctx, addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance(token), nil
}

func (m *Manager) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	acct, err := m.Account(ctx, addr)
	if err != nil {
		return 0, err
	}
	return acct.Nonce, nil
}

func (m *Manager) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := types.StorageKey{Address: addr, Slot: slot}
	if v, ok := m.slots.Get(key); ok {
		m.hits.Add(1)
		return v, nil
	}
	m.misses.Add(1)
	var out common.Hash
	err := m.do(ctx, func() {
		out = m.st.StorageAt(addr, slot)
		m.slots.Add(key, out)
	})
	return out, err
}

// Copy returns a deep copy of the current state for use as a working copy.
func (m *Manager) Copy(ctx context.Context) (*L2State, error) {
	var out *L2State
	err := m.do(ctx, func() { out = m.st.Copy() })
	return out, err
}

// ApplyStateUpdate rejects the update unless its claimed pre-root is the
// current root. Changes are applied in order; the root becomes the claimed
// post-root, or the computed root when none is claimed.
func (m *Manager) ApplyStateUpdate(ctx context.Context, u *types.StateUpdate) error {
	var applyErr error
	err := m.do(ctx, func() { applyErr = m.apply(u) })
	if err != nil {
		return err
	}
	return applyErr
}

func (m *Manager) apply(u *types.StateUpdate) error {
	if u.StateRootBefore != m.st.StateRoot {
		return fmt.Errorf("%w: update %s claims %s, current %s", settleerrors.ErrCStateRootMismatch, u.BatchID, u.StateRootBefore.Hex(), m.st.StateRoot.Hex())
	}
	if u.BlockNumber != 0 && u.BlockNumber != m.st.BlockNumber+1 {
		return fmt.Errorf("%w: update %s targets block %d, current %d", settleerrors.ErrCBlockNumberMismatch, u.BatchID, u.BlockNumber, m.st.BlockNumber)
	}
	for i := range u.Changes {
		if err := validateChange(&u.Changes[i]); err != nil {
			return fmt.Errorf("update %s change %d: %w", u.BatchID, i, err)
		}
	}
	for _, ch := range u.Changes {
		// validated above
		_ = m.st.ApplyChange(ch)
		m.invalidate(ch)
	}
	m.st.BlockNumber++
	m.st.TxCount += u.TxCount
	m.st.GasUsed += u.GasUsed
	m.st.Timestamp = u.Timestamp
	if u.StateRootAfter.IsZero() {
		m.st.StateRoot = ComputeRoot(m.st)
	} else {
		m.st.StateRoot = u.StateRootAfter
	}
	m.publishHead()
	log.Debug(log.State, "Applied state update", "batch", u.BatchID, "block", m.st.BlockNumber, "changes", len(u.Changes), "root", m.st.StateRoot.Hex())
	return nil
}

func (m *Manager) invalidate(ch types.StateChange) {
	switch ch.Kind {
	case types.ChangeStorage:
		m.slots.Remove(types.StorageKey{Address: ch.Address, Slot: ch.Slot})
		m.accounts.Remove(ch.Address)
	case types.ChangeSupply:
	default:
		m.accounts.Remove(ch.Address)
	}
}

func (m *Manager) purgeCaches() {
	m.accounts.Purge()
	m.slots.Purge()
}

// CreateSnapshot stores a compressed snapshot of the current state keyed by
// block number, evicting the oldest once the retention cap is exceeded.
func (m *Manager) CreateSnapshot(ctx context.Context) (*types.StateSnapshot, error) {
	var (
		snap    *types.StateSnapshot
		snapErr error
	)
	err := m.do(ctx, func() { snap, snapErr = m.snapshot() })
	if err != nil {
		return nil, err
	}
	return snap, snapErr
}

func (m *Manager) snapshot() (*types.StateSnapshot, error) {
	snap, err := NewSnapshot(m.st)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		if err := m.store.Put(snap); err != nil {
			return nil, err
		}
	}
	if _, exists := m.snapshots[snap.BlockNumber]; !exists {
		m.snapOrder = append(m.snapOrder, snap.BlockNumber)
		sort.Slice(m.snapOrder, func(i, j int) bool { return m.snapOrder[i] < m.snapOrder[j] })
	}
	m.snapshots[snap.BlockNumber] = snap
	m.evictSnapshots()
	log.Debug(log.State, "Created snapshot", "block", snap.BlockNumber, "root", snap.StateRoot.Hex(), "raw", snap.RawSize, "compressed", len(snap.Data))
	return snap, nil
}

func (m *Manager) evictSnapshots() {
	for len(m.snapOrder) > m.cfg.MaxSnapshots {
		oldest := m.snapOrder[0]
		m.snapOrder = m.snapOrder[1:]
		delete(m.snapshots, oldest)
		if m.store != nil {
			if err := m.store.Delete(oldest); err != nil {
				log.Warn(log.State, "Failed to delete evicted snapshot", "block", oldest, "err", err)
			}
		}
	}
}

// dropSnapshotsAfter discards snapshots of an abandoned history.
func (m *Manager) dropSnapshotsAfter(block uint64) {
	kept := m.snapOrder[:0]
	for _, b := range m.snapOrder {
		if b <= block {
			kept = append(kept, b)
			continue
		}
		delete(m.snapshots, b)
		if m.store != nil {
			if err := m.store.Delete(b); err != nil {
				log.Warn(log.State, "Failed to delete abandoned snapshot", "block", b, "err", err)
			}
		}
	}
	m.snapOrder = kept
}

// RestoreFromSnapshot replaces the in-memory state wholesale.
func (m *Manager) RestoreFromSnapshot(ctx context.Context, snap *types.StateSnapshot) error {
	var restoreErr error
	err := m.do(ctx, func() { restoreErr = m.restore(snap) })
	if err != nil {
		return err
	}
	return restoreErr
}

func (m *Manager) restore(snap *types.StateSnapshot) error {
	st, err := StateFromSnapshot(snap)
	if err != nil {
		return err
	}
	m.st = st
	m.purgeCaches()
	m.publishHead()
	return nil
}

// RollbackToBlock restores the newest retained snapshot at or before target.
func (m *Manager) RollbackToBlock(ctx context.Context, target uint64, reason types.RollbackReason) (*types.RollbackRecord, error) {
	var (
		rec   *types.RollbackRecord
		rbErr error
	)
	err := m.do(ctx, func() {
		if target >= m.st.BlockNumber {
			rbErr = fmt.Errorf("%w: target %d, current %d", settleerrors.ErrSInvalidRollbackTarget, target, m.st.BlockNumber)
			return
		}
		snap := m.nearestSnapshot(target)
		if snap == nil {
			rbErr = fmt.Errorf("%w: target %d", settleerrors.ErrSSnapshotNotFound, target)
			return
		}
		rec, rbErr = m.rollbackTo(snap, target, reason)
	})
	if err != nil {
		return nil, err
	}
	return rec, rbErr
}

// RollbackToSnapshot restores snap directly; used when the retained window no
// longer covers the block a caller needs.
func (m *Manager) RollbackToSnapshot(ctx context.Context, snap *types.StateSnapshot, reason types.RollbackReason) (*types.RollbackRecord, error) {
	var (
		rec   *types.RollbackRecord
		rbErr error
	)
	err := m.do(ctx, func() {
		if snap.BlockNumber >= m.st.BlockNumber {
			rbErr = fmt.Errorf("%w: snapshot block %d, current %d", settleerrors.ErrSInvalidRollbackTarget, snap.BlockNumber, m.st.BlockNumber)
			return
		}
		rec, rbErr = m.rollbackTo(snap, snap.BlockNumber, reason)
	})
	if err != nil {
		return nil, err
	}
	return rec, rbErr
}

func (m *Manager) rollbackTo(snap *types.StateSnapshot, target uint64, reason types.RollbackReason) (*types.RollbackRecord, error) {
	fromBlock, fromRoot := m.st.BlockNumber, m.st.StateRoot
	if err := m.restore(snap); err != nil {
		return nil, err
	}
	m.dropSnapshotsAfter(snap.BlockNumber)
	rec := types.RollbackRecord{
		FromBlock:    fromBlock,
		ToBlock:      m.st.BlockNumber,
		TargetBlock:  target,
		FromRoot:     fromRoot,
		ToRoot:       m.st.StateRoot,
		Reason:       reason,
		SnapshotID:   snap.ID,
		RolledBackAt: time.Now(),
	}
	m.rollbacks = append(m.rollbacks, rec)
	log.Warn(log.State, "Rolled back state", "reason", reason, "from", fromBlock, "to", rec.ToBlock, "target", target, "root", rec.ToRoot.Hex())
	return &rec, nil
}

func (m *Manager) nearestSnapshot(target uint64) *types.StateSnapshot {
	// snapOrder is ascending
	i := sort.Search(len(m.snapOrder), func(i int) bool { return m.snapOrder[i] > target })
	if i == 0 {
		return nil
	}
	return m.snapshots[m.snapOrder[i-1]]
}

func (m *Manager) Rollbacks(ctx context.Context) ([]types.RollbackRecord, error) {
	var out []types.RollbackRecord
	err := m.do(ctx, func() { out = append(out, m.rollbacks...) })
	return out, err
}

// Snapshot returns the retained snapshot at exactly block.
func (m *Manager) Snapshot(ctx context.Context, block uint64) (*types.StateSnapshot, bool, error) {
	var (
		snap *types.StateSnapshot
		ok   bool
	)
	err := m.do(ctx, func() { snap, ok = m.snapshots[block] })
	return snap, ok, err
}

func (m *Manager) Snapshots(ctx context.Context) ([]*types.StateSnapshot, error) {
	var out []*types.StateSnapshot
	err := m.do(ctx, func() {
		for _, b := range m.snapOrder {
			out = append(out, m.snapshots[b])
		}
	})
	return out, err
}

func (m *Manager) LatestSnapshot(ctx context.Context) (*types.StateSnapshot, bool, error) {
	var snap *types.StateSnapshot
	err := m.do(ctx, func() {
		if n := len(m.snapOrder); n > 0 {
			snap = m.snapshots[m.snapOrder[n-1]]
		}
	})
	return snap, snap != nil, err
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.do(ctx, func() {
		s = Stats{
			Head:      Head{Root: m.st.StateRoot, Block: m.st.BlockNumber},
			Accounts:  len(m.st.Accounts),
			Snapshots: len(m.snapOrder),
			Rollbacks: len(m.rollbacks),
			TxCount:   m.st.TxCount,
			GasUsed:   m.st.GasUsed,
		}
		if len(m.snapOrder) > 0 {
			s.OldestSnap = m.snapOrder[0]
			s.NewestSnap = m.snapOrder[len(m.snapOrder)-1]
		}
	})
	s.CacheHits = m.hits.Load()
	s.CacheMisses = m.misses.Load()
	return s, err
}

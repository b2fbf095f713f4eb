package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/types"
)

// BatchState is where a batch sits in the settlement pipeline.
type BatchState int

const (
	// BatchQueued means the batch waits for L1 submission
	BatchQueued BatchState = iota
	// BatchSubmitted means the batch is applied and anchored, awaiting finality
	BatchSubmitted
	BatchFinalized
	// BatchFailed means submission failed for good; its transactions are Failed
	BatchFailed
	BatchReverted
)

func (s BatchState) String() string {
	switch s {
	case BatchQueued:
		return "Queued"
	case BatchSubmitted:
		return "Submitted"
	case BatchFinalized:
		return "Finalized"
	case BatchFailed:
		return "Failed"
	case BatchReverted:
		return "Reverted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

func (s BatchState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BatchState) UnmarshalText(b []byte) error {
	for v := BatchQueued; v <= BatchReverted; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown batch state %q", b)
}

const (
	DefaultSettlePerTick      = 5
	DefaultMaxSubmitRetries   = 5
	DefaultFinalizedRetention = 1000
)

type QueueConfig struct {
	SettlePerTick    int
	MaxSubmitRetries int // anchor failures tolerated before the batch fails
	RetentionWindow  int // finalized items kept for status queries
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		SettlePerTick:    DefaultSettlePerTick,
		MaxSubmitRetries: DefaultMaxSubmitRetries,
		RetentionWindow:  DefaultFinalizedRetention,
	}
}

// QueueItem is one batch moving through settlement.
type QueueItem struct {
	BatchID        string
	Number         uint64
	Batch          *types.SettlementBatch
	Status         BatchState
	AddTS          time.Time
	SubmittedAt    time.Time
	LastSubmitAt   time.Time
	SubmitAttempts int
	Submission     *types.L1Submission
	LastError      string
}

type QueueStats struct {
	QueuedCount    int `json:"queued"`
	InflightCount  int `json:"inflight"`
	FinalizedCount int `json:"finalized"`
	FailedCount    int `json:"failed"`
	RevertedCount  int `json:"reverted"`
}

// SettlementQueue orders produced batches by number and hands them to the
// settlement tick lowest first.
type SettlementQueue struct {
	mu     sync.RWMutex
	config QueueConfig

	Queued    map[uint64]*QueueItem
	Inflight  map[uint64]*QueueItem
	Finalized map[uint64]*QueueItem

	byID map[string]uint64
	byTx map[string]uint64
	// finalTx maps tx ids of finalized items pruned from the window to their
	// batch ids.
	finalTx map[string]string

	failed   int
	reverted int

	onStatusChange func(item *QueueItem, oldStatus, newStatus BatchState)
}

func NewSettlementQueue(config QueueConfig) *SettlementQueue {
	return &SettlementQueue{
		config:    config,
		Queued:    make(map[uint64]*QueueItem),
		Inflight:  make(map[uint64]*QueueItem),
		Finalized: make(map[uint64]*QueueItem),
		byID:      make(map[string]uint64),
		byTx:      make(map[string]uint64),
		finalTx:   make(map[string]string),
	}
}

func (q *SettlementQueue) SetStatusChangeCallback(cb func(item *QueueItem, oldStatus, newStatus BatchState)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatusChange = cb
}

func (q *SettlementQueue) setStatusLocked(item *QueueItem, status BatchState) {
	old := item.Status
	item.Status = status
	if q.onStatusChange != nil && old != status {
		q.onStatusChange(item, old, status)
	}
}

func (q *SettlementQueue) Enqueue(b *types.SettlementBatch) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &QueueItem{BatchID: b.ID, Number: b.Number, Batch: b, Status: BatchQueued, AddTS: time.Now()}
	q.Queued[b.Number] = item
	q.byID[b.ID] = b.Number
	for _, id := range b.TxIDs() {
		q.byTx[id] = b.Number
	}
	log.Debug(log.Engine, "Queue: Enqueued", "batch", b.ID, "txs", len(b.Transactions), "queued", len(q.Queued))
	return item
}

func sortedKeys(m map[uint64]*QueueItem) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Next returns up to SettlePerTick queued items, lowest number first. Items
// stay queued until MarkSubmitted.
func (q *SettlementQueue) Next() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	keys := sortedKeys(q.Queued)
	if n := q.config.SettlePerTick; n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	out := make([]*QueueItem, len(keys))
	for i, k := range keys {
		out[i] = q.Queued[k]
	}
	return out
}

// RecordFailure notes a failed submission attempt and reports whether the
// item has exhausted its retries.
func (q *SettlementQueue) RecordFailure(item *QueueItem, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item.SubmitAttempts++
	item.LastSubmitAt = time.Now()
	item.LastError = err.Error()
	return q.config.MaxSubmitRetries > 0 && item.SubmitAttempts >= q.config.MaxSubmitRetries
}

// MarkSubmitted moves item to inflight. b is the batch as anchored, which
// may carry a proof the queued copy did not.
func (q *SettlementQueue) MarkSubmitted(item *QueueItem, b *types.SettlementBatch, sub *types.L1Submission) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	item.Batch = b
	item.Submission = sub
	item.SubmittedAt = now
	item.LastSubmitAt = now
	item.SubmitAttempts++
	delete(q.Queued, item.Number)
	q.Inflight[item.Number] = item
	q.setStatusLocked(item, BatchSubmitted)
	log.Info(log.Engine, "Queue: Marked submitted", "batch", item.BatchID, "l1tx", sub.TxHash.Hex(), "attempts", item.SubmitAttempts, "inflight", len(q.Inflight), "queuedRemaining", len(q.Queued))
}

// UpdateSubmission records a new L1 handle for an inflight batch.
func (q *SettlementQueue) UpdateSubmission(batchID string, sub *types.L1Submission) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n, ok := q.byID[batchID]; ok {
		if item, ok := q.Inflight[n]; ok {
			item.Submission = sub
			item.LastSubmitAt = time.Now()
		}
	}
}

func (q *SettlementQueue) MarkFinalized(batchID string) *QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.byID[batchID]
	if !ok {
		return nil
	}
	item, ok := q.Inflight[n]
	if !ok {
		return nil
	}
	delete(q.Inflight, n)
	q.Finalized[n] = item
	q.setStatusLocked(item, BatchFinalized)
	q.pruneOlderLocked()
	return item
}

func (q *SettlementQueue) removeLocked(item *QueueItem, status BatchState) {
	delete(q.Queued, item.Number)
	delete(q.Inflight, item.Number)
	delete(q.byID, item.BatchID)
	for _, id := range item.Batch.TxIDs() {
		if q.byTx[id] == item.Number {
			delete(q.byTx, id)
		}
	}
	q.setStatusLocked(item, status)
	if status == BatchFailed {
		q.failed++
	} else {
		q.reverted++
	}
}

// FailQueuedFrom removes every queued item numbered >= from. They were
// built on a state that will never become canonical.
func (q *SettlementQueue) FailQueuedFrom(from uint64) []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueueItem
	for _, n := range sortedKeys(q.Queued) {
		if n < from {
			continue
		}
		item := q.Queued[n]
		q.removeLocked(item, BatchFailed)
		out = append(out, item)
	}
	return out
}

// MarkReverted removes the inflight items of batchIDs.
func (q *SettlementQueue) MarkReverted(batchIDs []string) []*QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueueItem
	for _, id := range batchIDs {
		n, ok := q.byID[id]
		if !ok {
			continue
		}
		item, ok := q.Inflight[n]
		if !ok {
			continue
		}
		q.removeLocked(item, BatchReverted)
		out = append(out, item)
	}
	return out
}

// InflightIDs lists submitted batch ids in number order.
func (q *SettlementQueue) InflightIDs() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	keys := sortedKeys(q.Inflight)
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = q.Inflight[k].BatchID
	}
	return ids
}

func (q *SettlementQueue) ItemByID(batchID string) (*QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n, ok := q.byID[batchID]
	if !ok {
		return nil, false
	}
	return q.itemLocked(n)
}

func (q *SettlementQueue) ItemByTx(txID string) (*QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n, ok := q.byTx[txID]
	if !ok {
		return nil, false
	}
	return q.itemLocked(n)
}

func (q *SettlementQueue) itemLocked(n uint64) (*QueueItem, bool) {
	for _, m := range []map[uint64]*QueueItem{q.Queued, q.Inflight, q.Finalized} {
		if item, ok := m[n]; ok {
			c := *item
			return &c, true
		}
	}
	return nil, false
}

// pruneOlderLocked keeps the newest RetentionWindow finalized items.
func (q *SettlementQueue) pruneOlderLocked() {
	excess := len(q.Finalized) - q.config.RetentionWindow
	if q.config.RetentionWindow <= 0 || excess <= 0 {
		return
	}
	for _, n := range sortedKeys(q.Finalized)[:excess] {
		item := q.Finalized[n]
		delete(q.Finalized, n)
		delete(q.byID, item.BatchID)
		for _, id := range item.Batch.TxIDs() {
			if q.byTx[id] == n {
				delete(q.byTx, id)
				q.finalTx[id] = item.BatchID
			}
		}
	}
}

// FinalizedBatchOf finds the batch of a transaction whose finalized item
// already left the retention window.
func (q *SettlementQueue) FinalizedBatchOf(txID string) (string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	id, ok := q.finalTx[txID]
	return id, ok
}

func (q *SettlementQueue) GetStats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return QueueStats{
		QueuedCount:    len(q.Queued),
		InflightCount:  len(q.Inflight),
		FinalizedCount: len(q.Finalized),
		FailedCount:    q.failed,
		RevertedCount:  q.reverted,
	}
}

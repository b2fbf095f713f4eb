package engine

import (
	"sync"
	"time"

	"github.com/colorfulnotion/settle/log"
)

const (
	EventTxAdmitted     = "tx_admitted"
	EventTxFailed       = "tx_failed"
	EventBatchCreated   = "batch_created"
	EventBatchSubmitted = "batch_submitted"
	EventBatchFinalized = "batch_finalized"
	EventBatchFailed    = "batch_failed"
	EventBatchReverted  = "batch_reverted"
	EventChallenge      = "challenge_submitted"
	EventResolution     = "challenge_resolved"
	EventProofAggregate = "proof_aggregated"
)

type Event struct {
	Type    string      `json:"type"`
	TxID    string      `json:"txId,omitempty"`
	BatchID string      `json:"batchId,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Time    time.Time   `json:"time"`
}

// Feed fans events out to subscribers. A subscriber that does not keep up
// misses events rather than stalling the pipeline.
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
	missed uint64
}

func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 256
	}
	return &Feed{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns the event channel and a function that closes it.
func (f *Feed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	ch := make(chan Event, f.buffer)
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

func (f *Feed) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.missed++
			log.Trace(log.Engine, "Feed: subscriber lagging", "sub", id, "event", ev.Type)
		}
	}
}

func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

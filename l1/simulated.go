package l1

import (
	"context"
	"sync"
	"time"

	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/types"
)

// SimulatedAnchor is an in-memory chain with a mempool. Blocks are produced
// by Mine or by the auto-mining loop; Reorg replaces the newest blocks.
type SimulatedAnchor struct {
	mu       sync.RWMutex
	blocks   []*BlockInfo
	blockTxs map[uint64][]common.Hash
	mempool  []common.Hash
	included map[common.Hash]uint64
	calldata map[common.Hash][]byte
	attempts map[string]int
	dropped  map[common.Hash]bool
	salt     uint64
	failErr  error

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSimulatedAnchor() *SimulatedAnchor {
	genesis := &BlockInfo{Number: 0, Hash: common.Blake2Hash([]byte("l1-genesis")), Timestamp: time.Now()}
	return &SimulatedAnchor{
		blocks:   []*BlockInfo{genesis},
		blockTxs: make(map[uint64][]common.Hash),
		included: make(map[common.Hash]uint64),
		calldata: make(map[common.Hash][]byte),
		attempts: make(map[string]int),
		dropped:  make(map[common.Hash]bool),
	}
}

func (a *SimulatedAnchor) Submit(ctx context.Context, b *types.SettlementBatch) (*types.L1Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := EncodeCalldata(b)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failErr != nil {
		return nil, a.failErr
	}
	a.attempts[b.ID]++
	attempt := a.attempts[b.ID]
	txHash := common.Blake2HashAll(data, common.Uint64ToBytes(uint64(attempt)))
	a.calldata[txHash] = data
	a.mempool = append(a.mempool, txHash)
	log.Debug(log.L1, "Submission queued", "batch", b.ID, "tx", txHash.Hex(), "attempt", attempt)
	return &types.L1Submission{BatchID: b.ID, TxHash: txHash, Attempt: attempt, SubmittedAt: time.Now()}, nil
}

func (a *SimulatedAnchor) Confirmation(_ context.Context, sub *types.L1Submission) (*Confirmation, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	number, ok := a.included[sub.TxHash]
	if !ok {
		return &Confirmation{}, nil
	}
	head := a.blocks[len(a.blocks)-1].Number
	return &Confirmation{
		Included:      true,
		BlockNumber:   number,
		BlockHash:     a.blocks[number].Hash,
		Confirmations: head - number + 1,
	}, nil
}

func (a *SimulatedAnchor) HeadBlock(context.Context) (*BlockInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b := *a.blocks[len(a.blocks)-1]
	return &b, nil
}

func (a *SimulatedAnchor) BlockHash(_ context.Context, number uint64) (common.Hash, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if number >= uint64(len(a.blocks)) {
		return common.Hash{}, false, nil
	}
	return a.blocks[number].Hash, true, nil
}

// Calldata returns what was posted under txHash.
func (a *SimulatedAnchor) Calldata(txHash common.Hash) ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	data, ok := a.calldata[txHash]
	return data, ok
}

// SetUnavailable makes every Submit fail with ErrRAnchorUnavailable until
// called again with false.
func (a *SimulatedAnchor) SetUnavailable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if down {
		a.failErr = settleerrors.ErrRAnchorUnavailable
	} else {
		a.failErr = nil
	}
}

// Drop removes a submission from the mempool so it is never mined.
func (a *SimulatedAnchor) Drop(txHash common.Hash) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped[txHash] = true
}

func (a *SimulatedAnchor) MempoolSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.mempool)
}

// Mine appends n blocks. The first one takes the whole mempool.
func (a *SimulatedAnchor) Mine(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.mineLocked()
	}
}

func (a *SimulatedAnchor) mineLocked() {
	parent := a.blocks[len(a.blocks)-1]
	number := parent.Number + 1
	var txs []common.Hash
	for _, h := range a.mempool {
		if a.dropped[h] {
			continue
		}
		txs = append(txs, h)
		a.included[h] = number
	}
	a.mempool = nil
	parts := [][]byte{parent.Hash.Bytes(), common.Uint64ToBytes(number), common.Uint64ToBytes(a.salt)}
	for _, h := range txs {
		parts = append(parts, h.Bytes())
	}
	block := &BlockInfo{
		Number:     number,
		Hash:       common.Blake2HashAll(parts...),
		ParentHash: parent.Hash,
		Timestamp:  time.Now(),
		TxCount:    len(txs),
	}
	a.blocks = append(a.blocks, block)
	a.blockTxs[number] = txs
}

// Reorg discards the newest depth blocks and mines depth replacements with
// different hashes. Submissions from discarded blocks go back to the mempool
// and are not re-included by the replacements.
func (a *SimulatedAnchor) Reorg(depth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if depth <= 0 {
		return
	}
	if depth > len(a.blocks)-1 {
		depth = len(a.blocks) - 1
	}
	cut := len(a.blocks) - depth
	var returned []common.Hash
	for _, b := range a.blocks[cut:] {
		for _, h := range a.blockTxs[b.Number] {
			delete(a.included, h)
			returned = append(returned, h)
		}
		delete(a.blockTxs, b.Number)
	}
	a.blocks = a.blocks[:cut]
	a.salt++
	pending := a.mempool
	a.mempool = nil
	for i := 0; i < depth; i++ {
		a.mineLocked()
	}
	a.mempool = append(returned, pending...)
	log.Warn(log.L1, "Simulated reorg", "depth", depth, "returned", len(returned), "head", a.blocks[len(a.blocks)-1].Number)
}

// Start mines one block per interval until Stop or ctx ends.
func (a *SimulatedAnchor) Start(ctx context.Context, interval time.Duration) {
	a.mu.Lock()
	if a.stopCh != nil {
		a.mu.Unlock()
		return
	}
	a.stopCh = make(chan struct{})
	stopCh := a.stopCh
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				a.Mine(1)
			}
		}
	}()
}

func (a *SimulatedAnchor) Stop() {
	a.mu.Lock()
	if a.stopCh == nil {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.stopCh = nil
	a.mu.Unlock()
	a.wg.Wait()
}

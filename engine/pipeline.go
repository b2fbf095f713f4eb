package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/telemetry"
	"github.com/colorfulnotion/settle/types"
	"go.opentelemetry.io/otel/attribute"
)

const reasonNonceGap = "nonce gap"

type senderSet map[common.Address]struct{}

// ProduceBatch drains the pool into one batch and queues it for settlement.
// A batch permit is taken here and released once the batch is submitted or
// failed.
func (e *Engine) ProduceBatch(ctx context.Context) error {
	if e.pool.Size() == 0 {
		return nil
	}
	if !e.permits.TryAcquire(1) {
		log.Debug(log.Engine, "Batch permits exhausted", "max", e.cfg.MaxConcurrentBatches)
		return nil
	}
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()

	txs := e.pool.Drain(e.cfg.Batch.MaxBatchSize)
	if len(txs) == 0 {
		e.permits.Release(1)
		return nil
	}
	now := time.Now()
	e.procMu.Lock()
	for _, tx := range txs {
		e.processing[tx.ID()] = now
	}
	e.procMu.Unlock()
	defer e.clearProcessing(txs)

	ctx, span := telemetry.StartSpan(ctx, "batch.produce", attribute.Int("txs", len(txs)))
	res, err := e.processor.ProcessBatch(ctx, txs)
	telemetry.EndSpan(span, err)
	if err != nil {
		e.permits.Release(1)
		drops := make([]batch.DroppedTx, len(txs))
		for i, tx := range txs {
			drops[i] = batch.DroppedTx{Tx: tx, Err: err}
		}
		e.dropTransactions(drops)
		return fmt.Errorf("process batch: %w", err)
	}
	e.dropTransactions(res.Dropped)
	if res.Batch == nil {
		e.permits.Release(1)
		return nil
	}

	b := res.Batch
	e.queue.Enqueue(b)
	e.batches.Add(1)
	e.batched.Add(uint64(len(b.Transactions)))
	e.batchNanos.Add(int64(res.Duration))
	e.metrics.BatchesCreated.Inc()
	e.metrics.BatchSize.Observe(float64(len(b.Transactions)))
	e.metrics.BatchGas.Observe(float64(b.GasUsed))
	e.metrics.BatchDuration.Observe(res.Duration.Seconds())
	e.feed.Publish(Event{Type: EventBatchCreated, BatchID: b.ID, Data: len(b.Transactions)})
	return nil
}

func (e *Engine) clearProcessing(txs []*types.Transaction) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	for _, tx := range txs {
		delete(e.processing, tx.ID())
	}
}

// dropTransactions fails every dropped transaction and rewinds its sender to
// the lowest dropped nonce, evicting that sender's later pooled txs.
func (e *Engine) dropTransactions(drops []batch.DroppedTx) {
	if len(drops) == 0 {
		return
	}
	lowest := make(map[common.Address]uint64)
	for _, d := range drops {
		reason := failureReason(d.Err)
		e.fail(d.Tx.ID(), reason)
		e.dropped.Add(1)
		e.metrics.TxDropped.WithLabelValues(reason).Inc()
		if n, ok := lowest[d.Tx.Sender]; !ok || d.Tx.Nonce < n {
			lowest[d.Tx.Sender] = d.Tx.Nonce
		}
	}
	for sender, nonce := range lowest {
		for _, tx := range e.pool.Rewind(sender, nonce) {
			e.fail(tx.ID(), reasonNonceGap)
		}
	}
	log.Debug(log.Engine, "Transactions dropped", "count", len(drops), "senders", len(lowest))
}

// SettlePending submits queued batches in number order. A batch that cannot
// be submitted stops the tick: later batches build on it.
func (e *Engine) SettlePending(ctx context.Context) error {
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()
	for _, item := range e.queue.Next() {
		cont, err := e.settle(ctx, item)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

func (e *Engine) settle(ctx context.Context, item *QueueItem) (cont bool, err error) {
	b := item.Batch
	ctx, span := telemetry.StartSpan(ctx, "batch.submit", telemetry.BatchAttrs(b.ID, len(b.Transactions))...)
	defer func() { telemetry.EndSpan(span, err) }()

	if e.cfg.ProofMode == ProofInline && b.Proof == nil {
		p, perr := e.inlineProof(ctx, b)
		if perr != nil {
			log.Warn(log.Engine, "Inline proof failed", "batch", b.ID, "err", perr)
			e.failFrom(ctx, item.Number, failureReason(perr))
			return false, nil
		}
		b = b.WithProof(p)
	}

	sub, serr := e.rollup.SubmitBatch(ctx, b)
	switch {
	case serr == nil:
	case ctx.Err() != nil:
		return false, nil
	case fatal(serr):
		return false, serr
	case errors.Is(serr, settleerrors.ErrRAnchorUnavailable):
		if e.queue.RecordFailure(item, serr) {
			log.Error(log.Engine, "Submission retries exhausted", "batch", b.ID, "attempts", item.SubmitAttempts, "err", serr)
			e.failFrom(ctx, item.Number, failureReason(serr))
		} else {
			log.Warn(log.Engine, "Anchor unavailable, will retry", "batch", b.ID, "attempts", item.SubmitAttempts)
		}
		return false, nil
	default:
		log.Error(log.Engine, "Batch submission rejected", "batch", b.ID, "err", serr)
		e.failFrom(ctx, item.Number, failureReason(serr))
		return false, nil
	}

	e.queue.MarkSubmitted(item, b, sub)
	e.permits.Release(1)
	deadline := time.Time{}
	if rec, ok := e.rollup.Record(b.ID); ok {
		deadline = rec.ChallengeDeadline
	}
	e.finality.Track(b, sub, deadline)
	if e.cfg.ProofMode == ProofDeferred {
		req := e.proofs.Schedule(context.WithoutCancel(ctx), b)
		log.Debug(log.Engine, "Proof scheduled", "batch", b.ID, "request", req)
	}
	e.feed.Publish(Event{Type: EventBatchSubmitted, BatchID: b.ID, Data: sub})
	return true, nil
}

func (e *Engine) inlineProof(ctx context.Context, b *types.SettlementBatch) (*types.Proof, error) {
	p, err := e.proofs.GenerateBatchProof(ctx, b)
	if err != nil {
		return nil, err
	}
	ok, err := e.proofs.VerifyProof(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, settleerrors.ErrPInvalidProof
	}
	return p, nil
}

// failFrom fails queued batch from and everything queued after it, then
// rebuilds on canonical state. Caller holds pipeMu.
func (e *Engine) failFrom(ctx context.Context, from uint64, reason string) {
	senders := e.failQueued(from, reason)
	e.processor.ResetHead()
	e.rewind(ctx, senders)
}

func (e *Engine) failQueued(from uint64, reason string) senderSet {
	senders := make(senderSet)
	for _, item := range e.queue.FailQueuedFrom(from) {
		e.permits.Release(1)
		for _, tx := range item.Batch.Transactions {
			e.fail(tx.ID(), reason)
			senders[tx.Sender] = struct{}{}
		}
		e.feed.Publish(Event{Type: EventBatchFailed, BatchID: item.BatchID, Reason: reason})
		log.Warn(log.Engine, "Batch failed", "batch", item.BatchID, "txs", len(item.Batch.Transactions), "reason", reason)
	}
	return senders
}

// rewind resets each sender's tracked nonce to its canonical account nonce.
func (e *Engine) rewind(ctx context.Context, senders senderSet) {
	for sender := range senders {
		nonce, err := e.state.Nonce(ctx, sender)
		if err != nil {
			log.Error(log.Engine, "Read nonce for rewind", "sender", sender.Hex(), "err", err)
			continue
		}
		for _, tx := range e.pool.Rewind(sender, nonce+1) {
			e.fail(tx.ID(), reasonNonceGap)
		}
	}
}

// onRevert runs after the rollup reverted batchIDs. Their transactions
// fail, queued batches built on them fail, and affected senders are
// rewound to canonical state.
func (e *Engine) onRevert(batchIDs []string, reason types.RollbackReason) {
	ctx := context.Background()
	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()

	msg := "batch reverted: " + reason.String()
	senders := make(senderSet)
	for _, item := range e.queue.MarkReverted(batchIDs) {
		for _, tx := range item.Batch.Transactions {
			e.fail(tx.ID(), msg)
			senders[tx.Sender] = struct{}{}
		}
		e.proofs.Forget(item.BatchID)
		e.feed.Publish(Event{Type: EventBatchReverted, BatchID: item.BatchID, Reason: reason.String()})
	}
	e.finality.Untrack(batchIDs...)
	for sender := range e.failQueued(0, msg) {
		senders[sender] = struct{}{}
	}
	e.processor.ResetHead()
	e.rewind(ctx, senders)
	e.metrics.Rollbacks.WithLabelValues(reason.String()).Inc()
	log.Warn(log.Engine, "Batches reverted", "batches", len(batchIDs), "reason", reason, "senders", len(senders), "root", e.state.StateRoot().Hex())
}

// MonitorFinality resolves open challenges, polls L1 and finalizes every
// batch that reached the configured tier.
func (e *Engine) MonitorFinality(ctx context.Context) error {
	resolutions, err := e.rollup.ProcessOpenChallenges(ctx)
	for _, res := range resolutions {
		e.observeResolution(res)
	}
	if err != nil {
		if fatal(err) {
			return err
		}
		log.Warn(log.Engine, "Challenge processing", "err", err)
	}

	e.pipeMu.Lock()
	defer e.pipeMu.Unlock()
	deepBefore := e.finality.Stats().DeepReorg
	if err := e.finality.Poll(ctx); err != nil {
		return fmt.Errorf("finality poll: %w", err)
	}
	if deep := e.finality.Stats().DeepReorg - deepBefore; deep > 0 {
		e.metrics.Reorgs.Add(float64(deep))
	}
	e.syncSubmissions()

	done, err := e.finality.CheckFinalized(ctx)
	for _, fb := range done {
		e.onFinalized(ctx, fb)
	}
	return err
}

// syncSubmissions copies resubmitted L1 handles into the queue.
func (e *Engine) syncSubmissions() {
	for _, id := range e.queue.InflightIDs() {
		rec, ok := e.rollup.Record(id)
		if !ok || rec.Submission == nil {
			continue
		}
		item, ok := e.queue.ItemByID(id)
		if ok && (item.Submission == nil || item.Submission.TxHash != rec.Submission.TxHash) {
			e.queue.UpdateSubmission(id, rec.Submission)
		}
	}
}

func (e *Engine) onFinalized(ctx context.Context, fb types.FinalizedBatch) {
	item := e.queue.MarkFinalized(fb.BatchID)
	if item == nil {
		return
	}
	if e.ledger != nil {
		if rec, ok := e.rollup.Record(fb.BatchID); ok && rec.Trace != nil {
			if err := e.ledger.ApplyDeltas(ctx, balanceDeltas(fb.BatchID, rec.Trace.Changes)); err != nil {
				log.Error(log.Engine, "Apply ledger deltas", "batch", fb.BatchID, "err", err)
			}
		}
	}
	e.finalized.Add(uint64(len(item.Batch.Transactions)))
	e.metrics.Finalized.WithLabelValues(fb.Tier.String()).Inc()
	e.feed.Publish(Event{Type: EventBatchFinalized, BatchID: fb.BatchID, Data: fb})
	e.collectProof(ctx, fb.BatchID)
}

// collectProof queues the proof of a finalized batch and aggregates once
// AggregateEvery proofs are waiting.
func (e *Engine) collectProof(ctx context.Context, batchID string) {
	if e.cfg.AggregateEvery <= 0 {
		return
	}
	p, ok := e.proofs.ProofFor(batchID)
	if !ok {
		return
	}
	e.aggMu.Lock()
	e.aggPending = append(e.aggPending, p)
	if len(e.aggPending) < e.cfg.AggregateEvery {
		e.aggMu.Unlock()
		return
	}
	pending := e.aggPending
	e.aggPending = nil
	e.aggMu.Unlock()

	agg, err := e.proofs.AggregateProofs(ctx, pending)
	if err != nil {
		log.Error(log.Engine, "Aggregate finalized proofs", "from", pending[0].BatchIDs, "count", len(pending), "err", err)
		return
	}
	e.aggMu.Lock()
	e.aggregate = agg
	e.aggMu.Unlock()
	e.feed.Publish(Event{Type: EventProofAggregate, Data: agg})
}

// balanceDeltas reduces a batch's changes to the final balance of every
// touched (address, token), in first-touch order.
func balanceDeltas(batchID string, changes []types.StateChange) []services.BalanceDelta {
	type key struct {
		addr  common.Address
		token types.TokenType
	}
	index := make(map[key]int)
	var out []services.BalanceDelta
	for _, ch := range changes {
		if ch.Kind != types.ChangeBalance {
			continue
		}
		k := key{ch.Address, ch.Token}
		if i, ok := index[k]; ok {
			out[i].Balance = ch.Amount
			continue
		}
		index[k] = len(out)
		out = append(out, services.BalanceDelta{Address: ch.Address, Token: ch.Token, Balance: ch.Amount, BatchID: batchID})
	}
	return out
}

func (e *Engine) updateMetrics(context.Context) error {
	if !e.state.Alive() {
		return settleerrors.ErrSManagerClosed
	}
	ps := e.pool.Stats()
	e.metrics.PoolSize.WithLabelValues(LanePriority.String()).Set(float64(ps.Priority))
	e.metrics.PoolSize.WithLabelValues(LaneFIFO.String()).Set(float64(ps.FIFO))
	qs := e.queue.GetStats()
	e.metrics.PendingBatches.Set(float64(qs.QueuedCount))
	e.metrics.SubmittedBatches.Set(float64(qs.InflightCount))
	e.metrics.TPS.Set(e.tps.Observe(e.batched.Load(), time.Now()))
	e.metrics.StateBlock.Set(float64(e.state.BlockNumber()))
	return nil
}

// cleanup drops processing entries older than ProcessingTTL. Failure
// records expire on their own.
func (e *Engine) cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.ProcessingTTL)
	removed := 0
	e.procMu.Lock()
	for id, since := range e.processing {
		if since.Before(cutoff) {
			delete(e.processing, id)
			removed++
		}
	}
	e.procMu.Unlock()
	pruned, err := e.pool.Prune(ctx, e.state.Nonce)
	if err != nil {
		return fmt.Errorf("prune pool senders: %w", err)
	}
	log.Debug(log.Engine, "Cleanup", "processingRemoved", removed, "sendersPruned", pruned, "failureRecords", e.failures.Len())
	return nil
}

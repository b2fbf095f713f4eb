// Package engine is the settlement orchestrator: it admits transactions into
// a sharded pool, cuts batches on a timer, hands them to the optimistic
// rollup and follows them through finality.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/settle/batch"
	"github.com/colorfulnotion/settle/common"
	"github.com/colorfulnotion/settle/finality"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/metrics"
	"github.com/colorfulnotion/settle/proof"
	"github.com/colorfulnotion/settle/rollup"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/settleerrors"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/telemetry"
	"github.com/colorfulnotion/settle/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Services are the collaborators the engine is wired to. A nil Policy
// approves everything; a nil Ledger disables ledger checks and delta
// reporting.
type Services struct {
	Ledger   services.BalanceLedger
	Policy   services.PolicyGate
	Runtime  services.ExecutionRuntime
	Registry *prometheus.Registry
}

type Statistics struct {
	Pool       PoolStats      `json:"pool"`
	Processing int            `json:"processing"`
	Queue      QueueStats     `json:"queue"`
	Rollup     rollup.Stats   `json:"rollup"`
	Finality   finality.Stats `json:"finality"`
	Proofs     proof.Stats    `json:"proofs"`
	StateRoot  common.Hash    `json:"stateRoot"`
	StateBlock uint64         `json:"stateBlock"`
	Admitted   uint64         `json:"admitted"`
	Batched    uint64         `json:"batched"`
	Finalized  uint64         `json:"finalizedTxs"`
	Failed     uint64         `json:"failedTxs"`
	Running    bool           `json:"running"`
}

type PerformanceMetrics struct {
	CurrentTPS     float64       `json:"currentTps"`
	AverageTPS     float64       `json:"averageTps"`
	PeakTPS        float64       `json:"peakTps"`
	AvgBatchTime   time.Duration `json:"avgBatchTime"`
	SuccessRate    float64       `json:"successRate"`
	BatchesCreated uint64        `json:"batchesCreated"`
}

type Engine struct {
	cfg    Config
	state  *statedb.Manager
	anchor l1.Anchor
	ledger services.BalanceLedger
	policy services.PolicyGate

	pool       *Pool
	processor  *batch.Processor
	queue      *SettlementQueue
	rollup     *rollup.Rollup
	finality   *finality.Engine
	proofs     *proof.System
	permits    *semaphore.Weighted
	supervisor *Supervisor
	feed       *Feed
	metrics    *metrics.Metrics
	tps        *metrics.TPSWindow

	// pipeMu serializes the steps that move state: batch production,
	// settlement, revert handling and the finality poll.
	pipeMu sync.Mutex

	aggMu      sync.Mutex
	aggPending []*types.Proof
	aggregate  *types.Proof

	procMu     sync.Mutex
	processing map[string]time.Time
	failures   *expirable.LRU[string, string]

	stopped    atomic.Bool
	admitted   atomic.Uint64
	batched    atomic.Uint64
	dropped    atomic.Uint64
	finalized  atomic.Uint64
	failed     atomic.Uint64
	batches    atomic.Uint64
	batchNanos atomic.Int64
}

func New(cfg Config, state *statedb.Manager, anchor l1.Anchor, svc Services) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := proof.NewBackend(cfg.Proof)
	if err != nil {
		return nil, err
	}
	proofs, err := proof.NewSystem(cfg.Proof, backend)
	if err != nil {
		return nil, err
	}
	policy := svc.Policy
	if policy == nil {
		policy = services.AllowAll{}
	}
	reg := svc.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	e := &Engine{
		cfg:        cfg,
		state:      state,
		anchor:     anchor,
		ledger:     svc.Ledger,
		policy:     policy,
		processor:  batch.NewProcessor(cfg.Batch, state, svc.Ledger, svc.Runtime),
		queue:      NewSettlementQueue(cfg.queueConfig()),
		proofs:     proofs,
		permits:    semaphore.NewWeighted(int64(cfg.MaxConcurrentBatches)),
		feed:       NewFeed(cfg.EventBuffer),
		metrics:    metrics.New(reg),
		tps:        metrics.NewTPSWindow(metrics.DefaultWindow),
		processing: make(map[string]time.Time),
		failures:   expirable.NewLRU[string, string](cfg.FailureCacheSize, nil, cfg.FailureTTL),
	}
	e.pool = NewPool(cfg.PoolShards, cfg.MaxPending, cfg.PriorityGasPrice, state.Nonce)
	e.rollup = rollup.New(cfg.Rollup, state, anchor, e.processor.Executor())
	e.rollup.SetOnRevert(e.onRevert)
	e.finality = finality.New(cfg.Finality, anchor, e.rollup, proofs)
	e.queue.SetStatusChangeCallback(func(item *QueueItem, oldStatus, newStatus BatchState) {
		log.Debug(log.Engine, "Batch status changed", "batch", item.BatchID, "from", oldStatus, "to", newStatus)
	})

	if cfg.OperatorStake != nil && !cfg.OperatorStake.IsZero() {
		if err := e.rollup.RegisterValidator(cfg.Rollup.Submitter, cfg.OperatorStake); err != nil {
			return nil, fmt.Errorf("register operator: %w", err)
		}
	}

	e.supervisor = NewSupervisor(
		Task{Name: "batch", Interval: cfg.BatchTimeout, Run: e.ProduceBatch},
		Task{Name: "settle", Interval: cfg.SettlementInterval, Run: e.SettlePending},
		Task{Name: "finality", Interval: cfg.FinalityInterval, Run: e.MonitorFinality},
		Task{Name: "metrics", Interval: cfg.MetricsInterval, Run: e.updateMetrics},
		Task{Name: "cleanup", Interval: cfg.CleanupInterval, Run: e.cleanup},
	)
	return e, nil
}

// SetClock replaces the time source of the rollup and finality engine.
func (e *Engine) SetClock(now func() time.Time) {
	e.rollup.SetClock(now)
	e.finality.SetClock(now)
}

func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return settleerrors.ErrAEngineStopped
	}
	e.supervisor.Start(ctx)
	log.Info(log.Engine, "Settlement engine started", "root", e.state.StateRoot().Hex(), "block", e.state.BlockNumber())
	return nil
}

// Stop halts the periodic tasks and waits for deferred proofs. Admission
// is refused afterwards.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.supervisor.Stop()
	e.proofs.Wait()
	log.Info(log.Engine, "Settlement engine stopped")
}

func (e *Engine) Done() <-chan struct{} {
	return e.supervisor.Done()
}

// SubmitTransaction admits tx into the pool and returns its id.
func (e *Engine) SubmitTransaction(ctx context.Context, tx *types.Transaction) (string, error) {
	if e.stopped.Load() {
		return "", settleerrors.ErrAEngineStopped
	}
	if e.pool.Full() {
		e.reject(settleerrors.ErrAPoolFull)
		return "", settleerrors.ErrAPoolFull
	}
	decision, err := e.policy.Check(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("policy gate: %w", err)
	}
	if !decision.Approved {
		e.reject(settleerrors.ErrAPolicyRejected)
		return "", fmt.Errorf("%w: %s", settleerrors.ErrAPolicyRejected, decision.Reason)
	}
	lane, err := e.pool.Admit(ctx, tx, decision.Flagged)
	if err != nil {
		e.reject(err)
		return "", err
	}
	id := tx.ID()
	e.admitted.Add(1)
	e.metrics.TxAdmitted.Inc()
	e.feed.Publish(Event{Type: EventTxAdmitted, TxID: id})
	log.Trace(log.Pool, "Transaction admitted", "tx", id, "sender", tx.Sender.Hex(), "nonce", tx.Nonce, "lane", lane)
	return id, nil
}

func (e *Engine) reject(err error) {
	reason := "other"
	if settleerrors.Sentinel(err) != nil {
		reason = settleerrors.GetErrorName(err)
	}
	e.metrics.TxRejected.WithLabelValues(reason).Inc()
}

// SettlementStatus reports where txID is in the pipeline.
func (e *Engine) SettlementStatus(txID string) (types.SettlementStatus, error) {
	if e.pool.Contains(txID) {
		return types.SettlementStatus{State: types.StatusPending}, nil
	}
	e.procMu.Lock()
	_, processing := e.processing[txID]
	e.procMu.Unlock()
	if processing {
		return types.SettlementStatus{State: types.StatusProcessing}, nil
	}
	if item, ok := e.queue.ItemByTx(txID); ok {
		st := types.SettlementStatus{BatchID: item.BatchID}
		switch item.Status {
		case BatchQueued:
			st.State = types.StatusBatchedForSettlement
		case BatchSubmitted:
			st.State = types.StatusSubmittedToL1
			if rep, err := e.finality.Evaluate(item.BatchID); err == nil && rep.Included {
				st.State = types.StatusChallengePhase
			}
		case BatchFinalized:
			st.State = types.StatusFinalized
		}
		return st, nil
	}
	if batchID, ok := e.queue.FinalizedBatchOf(txID); ok {
		return types.SettlementStatus{State: types.StatusFinalized, BatchID: batchID}, nil
	}
	if reason, ok := e.failures.Get(txID); ok {
		return types.SettlementStatus{State: types.StatusFailed, Reason: reason}, nil
	}
	return types.SettlementStatus{}, fmt.Errorf("%w: %s", settleerrors.ErrAUnknownTransaction, txID)
}

func (e *Engine) Statistics() Statistics {
	e.procMu.Lock()
	processing := len(e.processing)
	e.procMu.Unlock()
	head := e.state.Head()
	return Statistics{
		Pool:       e.pool.Stats(),
		Processing: processing,
		Queue:      e.queue.GetStats(),
		Rollup:     e.rollup.Stats(),
		Finality:   e.finality.Stats(),
		Proofs:     e.proofs.Stats(),
		StateRoot:  head.Root,
		StateBlock: head.Block,
		Admitted:   e.admitted.Load(),
		Batched:    e.batched.Load(),
		Finalized:  e.finalized.Load(),
		Failed:     e.failed.Load(),
		Running:    e.supervisor.IsRunning(),
	}
}

func (e *Engine) Metrics() PerformanceMetrics {
	m := PerformanceMetrics{
		CurrentTPS:     e.tps.Current(),
		AverageTPS:     e.tps.Average(),
		PeakTPS:        e.tps.Peak(),
		BatchesCreated: e.batches.Load(),
	}
	if n := e.batches.Load(); n > 0 {
		m.AvgBatchTime = time.Duration(e.batchNanos.Load() / int64(n))
	}
	batched, dropped := e.batched.Load(), e.dropped.Load()
	if total := batched + dropped; total > 0 {
		m.SuccessRate = float64(batched) / float64(total)
	}
	return m
}

// IsHealthy holds while the tasks run, the pool has headroom and the state
// owner is alive.
func (e *Engine) IsHealthy() bool {
	if !e.supervisor.IsRunning() || !e.state.Alive() {
		return false
	}
	return float64(e.pool.Size()) < healthyPoolRatio*float64(e.pool.Capacity())
}

// Batch returns the batch with id wherever it sits in the pipeline.
func (e *Engine) Batch(id string) (*types.SettlementBatch, BatchState, error) {
	if item, ok := e.queue.ItemByID(id); ok {
		return item.Batch, item.Status, nil
	}
	if rec, ok := e.rollup.Record(id); ok && rec.Status == types.BatchReverted {
		return rec.Batch, BatchReverted, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", settleerrors.ErrRBatchNotFound, id)
}

func (e *Engine) FinalizedBatch(id string) (types.FinalizedBatch, bool) {
	return e.finality.Finalized(id)
}

// FinalityStatus reports the tier evaluation of a submitted batch.
func (e *Engine) FinalityStatus(id string) (*finality.Report, error) {
	return e.finality.Status(id)
}

// InclusionProof returns the batch holding txID, the tx index and its
// merkle path to the batch's merkle root.
func (e *Engine) InclusionProof(txID string) (*types.SettlementBatch, int, []common.Hash, error) {
	item, ok := e.queue.ItemByTx(txID)
	if !ok {
		return nil, 0, nil, fmt.Errorf("%w: %s", settleerrors.ErrAUnknownTransaction, txID)
	}
	for i, id := range item.Batch.TxIDs() {
		if id == txID {
			path, err := batch.InclusionProof(item.Batch, i)
			return item.Batch, i, path, err
		}
	}
	return nil, 0, nil, fmt.Errorf("%w: %s", settleerrors.ErrAUnknownTransaction, txID)
}

func (e *Engine) SubmitChallenge(batchID string, challenger common.Address, stake *uint256.Int, kind types.ChallengeType, evidence []byte) (string, error) {
	id, err := e.rollup.SubmitChallenge(batchID, challenger, stake, kind, evidence)
	if err != nil {
		return "", err
	}
	e.feed.Publish(Event{Type: EventChallenge, BatchID: batchID, Data: id})
	return id, nil
}

// ProcessChallenge resolves one challenge. It must not run under pipeMu:
// a successful challenge reverts through onRevert.
func (e *Engine) ProcessChallenge(ctx context.Context, id string) (*rollup.Resolution, error) {
	ctx, span := telemetry.StartSpan(ctx, "challenge.process")
	res, err := e.rollup.ProcessChallenge(ctx, id)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	e.observeResolution(res)
	return res, nil
}

func (e *Engine) observeResolution(res *rollup.Resolution) {
	e.metrics.Challenges.WithLabelValues(res.Outcome.String()).Inc()
	e.feed.Publish(Event{Type: EventResolution, BatchID: res.BatchID, Data: res})
}

func (e *Engine) RegisterValidator(addr common.Address, stake *uint256.Int) error {
	return e.rollup.RegisterValidator(addr, stake)
}

func (e *Engine) Challenge(id string) (*types.Challenge, bool) {
	return e.rollup.Challenge(id)
}

// Subscribe returns the lifecycle event stream and its cancel function.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.feed.Subscribe()
}

func (e *Engine) Rollup() *rollup.Rollup {
	return e.rollup
}

func (e *Engine) Proofs() *proof.System {
	return e.proofs
}

// AggregateProof is the newest aggregate over finalized batch proofs.
func (e *Engine) AggregateProof() (*types.Proof, bool) {
	e.aggMu.Lock()
	defer e.aggMu.Unlock()
	return e.aggregate, e.aggregate != nil
}

func (e *Engine) State() *statedb.Manager {
	return e.state
}

func (e *Engine) fail(txID, reason string) {
	e.failures.Add(txID, reason)
	e.failed.Add(1)
	e.feed.Publish(Event{Type: EventTxFailed, TxID: txID, Reason: reason})
}

func failureReason(err error) string {
	if settleerrors.Sentinel(err) != nil {
		return settleerrors.GetErrorName(err)
	}
	return err.Error()
}

// Package metrics holds the prometheus instruments of the settlement engine
// and the rolling TPS window behind its metrics query.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "settle"

var (
	// BatchSizeBuckets covers 1..1000 transactions.
	BatchSizeBuckets = []float64{1, 5, 10, 50, 100, 250, 500, 750, 1000}
	GasBuckets       = prometheus.ExponentialBuckets(21_000, 4, 8)
	DurationBuckets  = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}
)

type Metrics struct {
	TxAdmitted prometheus.Counter
	TxRejected *prometheus.CounterVec
	PoolSize   *prometheus.GaugeVec

	BatchesCreated prometheus.Counter
	BatchSize      prometheus.Histogram
	BatchGas       prometheus.Histogram
	BatchDuration  prometheus.Histogram
	TxDropped      *prometheus.CounterVec

	PendingBatches   prometheus.Gauge
	SubmittedBatches prometheus.Gauge
	Challenges       *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec

	Finalized *prometheus.CounterVec
	Reorgs    prometheus.Counter

	TPS        prometheus.Gauge
	StateBlock prometheus.Gauge
}

// New registers the engine instruments on reg, or on the process registry
// when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	pool := NewComponentRegistry(reg, Namespace, "pool")
	batch := NewComponentRegistry(reg, Namespace, "batch")
	rollup := NewComponentRegistry(reg, Namespace, "rollup")
	finality := NewComponentRegistry(reg, Namespace, "finality")
	engine := NewComponentRegistry(reg, Namespace, "engine")

	return &Metrics{
		TxAdmitted: pool.NewCounter(prometheus.CounterOpts{
			Name: "admitted_total",
			Help: "Transactions accepted into the admission pool",
		}),
		TxRejected: pool.NewCounterVec(prometheus.CounterOpts{
			Name: "rejected_total",
			Help: "Transactions rejected at admission",
		}, []string{"reason"}),
		PoolSize: pool.NewGaugeVec(prometheus.GaugeOpts{
			Name: "size",
			Help: "Pooled transactions per lane",
		}, []string{"lane"}),

		BatchesCreated: batch.NewCounter(prometheus.CounterOpts{
			Name: "created_total",
			Help: "Settlement batches produced",
		}),
		BatchSize: batch.NewHistogram(prometheus.HistogramOpts{
			Name:    "transactions",
			Help:    "Transactions per batch",
			Buckets: BatchSizeBuckets,
		}),
		BatchGas: batch.NewHistogram(prometheus.HistogramOpts{
			Name:    "gas_used",
			Help:    "Gas used per batch",
			Buckets: GasBuckets,
		}),
		BatchDuration: batch.NewHistogram(prometheus.HistogramOpts{
			Name:    "duration_seconds",
			Help:    "Time to validate and execute a batch",
			Buckets: DurationBuckets,
		}),
		TxDropped: batch.NewCounterVec(prometheus.CounterOpts{
			Name: "dropped_total",
			Help: "Transactions dropped during validation or execution",
		}, []string{"reason"}),

		PendingBatches: rollup.NewGauge(prometheus.GaugeOpts{
			Name: "pending_batches",
			Help: "Batches waiting for L1 submission",
		}),
		SubmittedBatches: rollup.NewGauge(prometheus.GaugeOpts{
			Name: "submitted_batches",
			Help: "Batches anchored on L1 and not yet final",
		}),
		Challenges: rollup.NewCounterVec(prometheus.CounterOpts{
			Name: "challenges_total",
			Help: "Resolved challenges",
		}, []string{"outcome"}),
		Rollbacks: rollup.NewCounterVec(prometheus.CounterOpts{
			Name: "rollbacks_total",
			Help: "State rollbacks",
		}, []string{"reason"}),

		Finalized: finality.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_total",
			Help: "Finalized batches",
		}, []string{"tier"}),
		Reorgs: finality.NewCounter(prometheus.CounterOpts{
			Name: "deep_reorgs_total",
			Help: "L1 reorgs deeper than the threshold",
		}),

		TPS: engine.NewGauge(prometheus.GaugeOpts{
			Name: "tps",
			Help: "Transactions batched per second over the last metrics tick",
		}),
		StateBlock: engine.NewGauge(prometheus.GaugeOpts{
			Name: "state_block",
			Help: "Canonical L2 block number",
		}),
	}
}

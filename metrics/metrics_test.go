package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTPSWindow(t *testing.T) {
	w := NewTPSWindow(3)
	start := time.Unix(0, 0)
	assert.Zero(t, w.Observe(0, start))
	assert.Equal(t, 0, w.Len())

	assert.InDelta(t, 100.0, w.Observe(500, start.Add(5*time.Second)), 1e-9)
	assert.InDelta(t, 200.0, w.Observe(1500, start.Add(10*time.Second)), 1e-9)
	assert.InDelta(t, 0.0, w.Observe(1500, start.Add(15*time.Second)), 1e-9)
	assert.InDelta(t, 100.0, w.Average(), 1e-9)

	// the 100 sample falls out of a three-slot window
	w.Observe(2500, start.Add(20*time.Second))
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 200.0, w.Current(), 1e-9)
	assert.InDelta(t, 400.0/3, w.Average(), 1e-9)
	assert.InDelta(t, 200.0, w.Peak(), 1e-9)
}

func TestEngineMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.TxAdmitted.Inc()
	m.TxRejected.WithLabelValues("A1").Add(2)
	m.Finalized.WithLabelValues("Economic").Inc()
	m.BatchSize.Observe(10)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TxAdmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TxRejected.WithLabelValues("A1")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["settle_pool_admitted_total"])
	assert.True(t, names["settle_finality_batches_total"])
	assert.True(t, names["settle_batch_transactions"])

	// a second engine on its own registry does not collide
	assert.NotPanics(t, func() { New(prometheus.NewRegistry()) })
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryOnce   sync.Once
	customRegistry *prometheus.Registry
)

// GetRegistry returns the process-wide registry served by the node. It
// carries the Go runtime and process collectors.
func GetRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		customRegistry = prometheus.NewRegistry()
		customRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return customRegistry
}

// ComponentRegistry names every metric it creates with a fixed namespace and
// subsystem.
type ComponentRegistry struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry
}

func NewComponentRegistry(reg *prometheus.Registry, namespace, subsystem string) *ComponentRegistry {
	if reg == nil {
		reg = GetRegistry()
	}
	return &ComponentRegistry{namespace: namespace, subsystem: subsystem, registry: reg}
}

func (r *ComponentRegistry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.namespace
	opts.Subsystem = r.subsystem
	return promauto.With(r.registry).NewCounter(opts)
}

func (r *ComponentRegistry) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.namespace
	opts.Subsystem = r.subsystem
	return promauto.With(r.registry).NewCounterVec(opts, labelNames)
}

func (r *ComponentRegistry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.namespace
	opts.Subsystem = r.subsystem
	return promauto.With(r.registry).NewGauge(opts)
}

func (r *ComponentRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.namespace
	opts.Subsystem = r.subsystem
	return promauto.With(r.registry).NewGaugeVec(opts, labelNames)
}

func (r *ComponentRegistry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = r.namespace
	opts.Subsystem = r.subsystem
	return promauto.With(r.registry).NewHistogram(opts)
}

package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/metric"
)

// bufferMetrics holds Prometheus metrics for one buffer. A nil
// *bufferMetrics records nothing.
type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
	capacity    float64
}

func newBufferMetrics(registry *metric.Registry, name string, capacity int) (*bufferMetrics, error) {
	labels := prometheus.Labels{"buffer": name}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Items written to the buffer",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "buffer",
			Name:        "reads_total",
			ConstLabels: labels,
			Help:        "Items read from the buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Items dropped by the overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamswitch",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Items currently buffered",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamswitch",
			Subsystem:   "buffer",
			Name:        "utilization_ratio",
			ConstLabels: labels,
			Help:        "Buffered items as a fraction of capacity",
		}),
		capacity: float64(capacity),
	}

	service := "buffer_" + name
	if err := registry.Register(service, "writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "reads", m.reads); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "size", m.size); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.updateSize(size)
}

func (m *bufferMetrics) recordRead(size int) {
	if m == nil {
		return
	}
	m.reads.Inc()
	m.updateSize(size)
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / m.capacity)
}

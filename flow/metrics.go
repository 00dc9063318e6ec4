package flow

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/metric"
)

// runtimeMetrics holds Prometheus metrics for the flow runtime. A nil
// *runtimeMetrics is valid and records nothing.
type runtimeMetrics struct {
	pulled    *prometheus.CounterVec // By producer
	dropped   *prometheus.CounterVec // By producer and reason
	delivered *prometheus.CounterVec // By fan-in
	flips     *prometheus.CounterVec // By producer, mode and status (applied/rejected)

	producers prometheus.Gauge
	links     prometheus.Gauge
}

func newRuntimeMetrics(registry *metric.Registry) (*runtimeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &runtimeMetrics{
		pulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "items_pulled_total",
			Help:      "Items pulled from producers",
		}, []string{"producer"}),

		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "items_dropped_total",
			Help:      "Items dropped before reaching a sink",
		}, []string{"producer", "reason"}), // reason: gate_closed, stale, unrouted, link_aborted, fan_in_closed, sink_panic

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "items_delivered_total",
			Help:      "Items handed to sinks",
		}, []string{"fan_in"}),

		flips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "gate_flips_total",
			Help:      "Gate flip requests by outcome",
		}, []string{"producer", "mode", "status"}),

		producers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "producers_running",
			Help:      "Producers with a running pump",
		}),

		links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamswitch",
			Subsystem: "flow",
			Name:      "links_live",
			Help:      "Links currently accepting items",
		}),
	}

	if err := registry.Register("flow", "items_pulled", m.pulled); err != nil {
		return nil, err
	}
	if err := registry.Register("flow", "items_dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.Register("flow", "items_delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.Register("flow", "gate_flips", m.flips); err != nil {
		return nil, err
	}
	if err := registry.Register("flow", "producers_running", m.producers); err != nil {
		return nil, err
	}
	if err := registry.Register("flow", "links_live", m.links); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *runtimeMetrics) recordPulled(producer string) {
	if m == nil {
		return
	}
	m.pulled.WithLabelValues(producer).Inc()
}

func (m *runtimeMetrics) recordDrop(producer, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(producer, reason).Inc()
}

func (m *runtimeMetrics) recordDelivered(fanIn string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(fanIn).Inc()
}

func (m *runtimeMetrics) recordFlip(producer string, mode Mode, status string) {
	if m == nil {
		return
	}
	m.flips.WithLabelValues(producer, mode.String(), status).Inc()
}

func (m *runtimeMetrics) producerStarted() {
	if m != nil {
		m.producers.Inc()
	}
}

func (m *runtimeMetrics) producerStopped() {
	if m != nil {
		m.producers.Dec()
	}
}

func (m *runtimeMetrics) linkOpened() {
	if m != nil {
		m.links.Inc()
	}
}

func (m *runtimeMetrics) linkClosed() {
	if m != nil {
		m.links.Dec()
	}
}

package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/metric"
)

type gatewayMetrics struct {
	requests *prometheus.CounterVec   // transport, verb, code
	duration *prometheus.HistogramVec // transport, verb
}

func newGatewayMetrics(registry *metric.Registry) (*gatewayMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &gatewayMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by transport, verb and reply code",
		}, []string{"transport", "verb", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamswitch",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Time from request decode to reply encode",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"transport", "verb"}),
	}

	if err := registry.Register("gateway", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.Register("gateway", "request_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *gatewayMetrics) record(transport, verb, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, verb, code).Inc()
	m.duration.WithLabelValues(transport, verb).Observe(d.Seconds())
}

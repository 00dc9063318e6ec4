package controlplane

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
)

// planeMetrics holds Prometheus metrics for control-plane verbs.
type planeMetrics struct {
	verbs        *prometheus.CounterVec   // By verb and outcome (errors.Code)
	verbDuration *prometheus.HistogramVec // By verb, synchronous part only

	wrappers    prometheus.Gauge // Live wrappers
	groups      prometheus.Gauge
	attachments prometheus.Gauge
}

func newPlaneMetrics(registry *metric.Registry) (*planeMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	m := &planeMetrics{
		verbs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamswitch",
			Subsystem: "controlplane",
			Name:      "verbs_total",
			Help:      "Control-plane verbs by outcome",
		}, []string{"verb", "outcome"}),

		verbDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamswitch",
			Subsystem: "controlplane",
			Name:      "verb_duration_seconds",
			Help:      "Time spent in a control-plane verb before it returned",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"verb"}),

		wrappers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamswitch",
			Subsystem: "controlplane",
			Name:      "wrappers_live",
			Help:      "Registered wrappers that are not terminated",
		}),

		groups: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamswitch",
			Subsystem: "controlplane",
			Name:      "groups",
			Help:      "Registered consumer groups",
		}),

		attachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamswitch",
			Subsystem: "controlplane",
			Name:      "attachments",
			Help:      "Current attachments across all groups",
		}),
	}

	if err := registry.Register("controlplane", "verbs", m.verbs); err != nil {
		return nil, err
	}
	if err := registry.Register("controlplane", "verb_duration", m.verbDuration); err != nil {
		return nil, err
	}
	if err := registry.Register("controlplane", "wrappers_live", m.wrappers); err != nil {
		return nil, err
	}
	if err := registry.Register("controlplane", "groups", m.groups); err != nil {
		return nil, err
	}
	if err := registry.Register("controlplane", "attachments", m.attachments); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *planeMetrics) recordVerb(verb string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.verbs.WithLabelValues(verb, errors.Code(err)).Inc()
	m.verbDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
}

// recordOutcome counts the asynchronous completion of a pending verb.
func (m *planeMetrics) recordOutcome(verb string, err error) {
	if m == nil {
		return
	}
	m.verbs.WithLabelValues(verb+"_completed", errors.Code(err)).Inc()
}

func (m *planeMetrics) setCounts(wrappers, groups, attachments int) {
	if m == nil {
		return
	}
	m.wrappers.Set(float64(wrappers))
	m.groups.Set(float64(groups))
	m.attachments.Set(float64(attachments))
}

// Package metric holds the Prometheus registry shared by every streamswitch
// component and the listener that serves it.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "streamswitch"

// Core carries the process-level metrics that do not belong to any one
// producer, group or gateway: the build and the shared NATS connection.
type Core struct {
	buildInfo      *prometheus.GaugeVec
	asyncErrors    *prometheus.CounterVec
	natsConnected  prometheus.Gauge
	natsRTT        prometheus.Gauge
	natsReconnects prometheus.Counter
}

func newCore() *Core {
	return &Core{
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Always 1, labelled with the running version",
		}, []string{"version"}),
		asyncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_errors_total",
			Help:      "Errors reported by callbacks outside any control request",
		}, []string{"source"}),
		natsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "1 while the NATS connection is up",
		}),
		natsRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "rtt_seconds",
			Help:      "Last measured round trip to the NATS server",
		}),
		natsReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnections since start",
		}),
	}
}

func (c *Core) collectors() []prometheus.Collector {
	return []prometheus.Collector{c.buildInfo, c.asyncErrors, c.natsConnected, c.natsRTT, c.natsReconnects}
}

// SetBuildInfo publishes the running version.
func (c *Core) SetBuildInfo(version string) {
	c.buildInfo.Reset()
	c.buildInfo.WithLabelValues(version).Set(1)
}

// AsyncError counts an error raised by source outside a request.
func (c *Core) AsyncError(source string) {
	c.asyncErrors.WithLabelValues(source).Inc()
}

func (c *Core) SetNATSConnected(connected bool) {
	if connected {
		c.natsConnected.Set(1)
		return
	}
	c.natsConnected.Set(0)
}

func (c *Core) ObserveNATSRTT(rtt time.Duration) {
	c.natsRTT.Set(rtt.Seconds())
}

func (c *Core) NATSReconnected() {
	c.natsReconnects.Inc()
}

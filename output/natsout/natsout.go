// Package natsout provides a consumer-group sink that publishes each
// delivered item to a NATS subject as JSON.
package natsout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/retry"
)

// Publisher is satisfied by *natsclient.Client and *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Output publishes items to one subject.
type Output struct {
	subject string
	pub     Publisher
	retry   retry.Config
	logger  *slog.Logger
	metrics *outputMetrics

	published atomic.Int64
	failed    atomic.Int64
}

// Option configures an Output.
type Option func(*Output)

// WithRetry overrides the publish backoff.
func WithRetry(cfg retry.Config) Option {
	return func(o *Output) { o.retry = cfg }
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports publish counters labelled with the subject.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *Output) {
		if registry != nil {
			o.metrics = &outputMetrics{registry: registry}
		}
	}
}

// New creates an output for subject.
func New(pub Publisher, subject string, opts ...Option) (*Output, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "natsout", "New", "check publisher")
	}
	if subject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsout", "New", "subject is required")
	}

	o := &Output{
		subject: subject,
		pub:     pub,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "natsout", "subject", subject)

	if o.metrics != nil {
		if err := o.metrics.register(subject); err != nil {
			return nil, errors.WrapFatal(err, "natsout", "New", "register metrics")
		}
	}
	return o, nil
}

// Sink returns the delivery function to hand to a consumer group.
func (o *Output) Sink() flow.Sink {
	return o.Deliver
}

// Deliver publishes one item. Failures are logged and counted; the item
// is not redelivered.
func (o *Output) Deliver(ctx context.Context, item flow.Item) {
	data, err := json.Marshal(item)
	if err != nil {
		o.fail(item, errors.WrapInvalid(err, "natsout", "Deliver", "marshal item"))
		return
	}

	err = retry.Do(ctx, o.retry, func() error {
		return o.pub.Publish(o.subject, data)
	})
	if err != nil {
		o.fail(item, err)
		return
	}

	o.published.Add(1)
	o.metrics.recordPublished()
}

func (o *Output) fail(item flow.Item, err error) {
	o.failed.Add(1)
	o.metrics.recordFailed()
	o.logger.Warn("Publish failed", "source", item.Source, "seq", item.Seq, "error", err)
}

// Published returns how many items were published.
func (o *Output) Published() int64 { return o.published.Load() }

// Failed returns how many items could not be published.
func (o *Output) Failed() int64 { return o.failed.Load() }

type outputMetrics struct {
	registry  *metric.Registry
	published prometheus.Counter
	failed    prometheus.Counter
}

func (m *outputMetrics) register(subject string) error {
	labels := prometheus.Labels{"subject": subject}
	m.published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "streamswitch",
		Subsystem:   "natsout",
		Name:        "published_total",
		Help:        "Items published to NATS",
		ConstLabels: labels,
	})
	m.failed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "streamswitch",
		Subsystem:   "natsout",
		Name:        "failed_total",
		Help:        "Items that could not be published",
		ConstLabels: labels,
	})

	service := "natsout_" + subject
	if err := m.registry.Register(service, "published", m.published); err != nil {
		return err
	}
	return m.registry.Register(service, "failed", m.failed)
}

func (m *outputMetrics) recordPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *outputMetrics) recordFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// Package httppost provides a consumer-group sink that POSTs each delivered
// item as JSON to an HTTP endpoint.
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/retry"
	"github.com/c360/streamswitch/pkg/tlsutil"
)

// Config holds configuration for an HTTP POST sink.
type Config struct {
	URL         string
	Headers     map[string]string
	Timeout     time.Duration // Per request, defaults to 10s
	ContentType string        // Defaults to application/json
	Retry       retry.Config
	TLS         tlsutil.ClientConfig
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid URL %q", c.URL))
	}

	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 5m")
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.ContentType == "" {
		c.ContentType = "application/json"
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig()
	}
	return c.TLS.Validate()
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
}

// Output posts items to one endpoint.
type Output struct {
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *outputMetrics

	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
}

// New creates the sink. registry may be nil.
func New(cfg Config, registry *metric.Registry, logger *slog.Logger) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &http.Client{Timeout: cfg.Timeout}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "httppost", "New", "load TLS config")
	}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	o := &Output{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "httppost-output", "url", cfg.URL),
	}

	if registry != nil {
		o.metrics = &outputMetrics{}
		if err := o.metrics.register(registry, cfg.URL); err != nil {
			return nil, errors.WrapFatal(err, "httppost", "New", "register metrics")
		}
	}

	return o, nil
}

// Sink returns the delivery function to hand to a consumer group.
func (o *Output) Sink() flow.Sink {
	return o.Deliver
}

// Deliver posts one item. 5xx responses and transport errors are retried;
// 4xx responses are not. Failures are logged and counted.
func (o *Output) Deliver(ctx context.Context, item flow.Item) {
	data, err := json.Marshal(item)
	if err != nil {
		o.fail(item, errors.WrapInvalid(err, "httppost", "Deliver", "marshal item"))
		return
	}

	attempt := 0
	err = retry.Do(ctx, o.cfg.Retry, func() error {
		attempt++
		if attempt > 1 {
			o.retried.Add(1)
			o.metrics.recordRetry()
		}
		return o.post(ctx, data)
	})
	if err != nil {
		o.fail(item, err)
		return
	}

	o.sent.Add(1)
	o.metrics.recordSent()
}

func (o *Output) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "httppost", "post", "build request")
	}
	req.Header.Set("Content-Type", o.cfg.ContentType)
	for key, value := range o.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "httppost", "post", "send request")
	}
	defer resp.Body.Close()

	// Drain so the connection is reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errors.WrapTransient(&StatusError{Code: resp.StatusCode}, "httppost", "post", "check status")
	default:
		return retry.NonRetryable(&StatusError{Code: resp.StatusCode})
	}
}

func (o *Output) fail(item flow.Item, err error) {
	o.failed.Add(1)
	o.metrics.recordFailed()
	o.logger.Warn("Post failed", "source", item.Source, "seq", item.Seq, "error", err)
}

// Sent returns how many items were accepted by the endpoint.
func (o *Output) Sent() int64 { return o.sent.Load() }

// Retried returns how many extra attempts were made.
func (o *Output) Retried() int64 { return o.retried.Load() }

// Failed returns how many items were given up on.
func (o *Output) Failed() int64 { return o.failed.Load() }

type outputMetrics struct {
	sent    prometheus.Counter
	retried prometheus.Counter
	failed  prometheus.Counter
}

func (m *outputMetrics) register(registry *metric.Registry, target string) error {
	labels := prometheus.Labels{"url": target}
	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "httppost",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m.sent = newCounter("sent_total", "Items accepted by the endpoint")
	m.retried = newCounter("retries_total", "Extra POST attempts")
	m.failed = newCounter("failed_total", "Items given up on")

	service := "httppost_" + target
	for name, c := range map[string]prometheus.Counter{"sent": m.sent, "retried": m.retried, "failed": m.failed} {
		if err := registry.Register(service, name, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *outputMetrics) recordSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

func (m *outputMetrics) recordRetry() {
	if m == nil {
		return
	}
	m.retried.Inc()
}

func (m *outputMetrics) recordFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// Package worker provides a generic bounded worker pool. Submit never
// blocks: a full queue is reported as ErrQueueFull so callers can shed load.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
)

// Pool runs processor on submitted work items using a fixed number of
// goroutines.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry *metric.Registry
	metricsName     string
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics labelled with name.
func WithMetricsRegistry[T any](registry *metric.Registry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsName = name
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 10 workers and a
// queue of 1000. Panics on a nil processor.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(pool)
	}

	if pool.metricsRegistry != nil && pool.metricsName != "" {
		metrics, err := newPoolMetrics(pool.metricsRegistry, pool.metricsName)
		if err != nil {
			return nil, errors.WrapFatal(err, "worker", "NewPool", "register metrics")
		}
		pool.metrics = metrics
	}

	return pool, nil
}

// Submit queues work without blocking. Returns ErrQueueFull if the queue is
// at capacity.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.metrics.recordSubmitted(len(p.workChan))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.recordDropped()
		return ErrQueueFull
	}
}

// Start starts the workers. They exit when ctx is cancelled or Stop is
// called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)

			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			p.metrics.recordProcessed(time.Since(start), err, len(p.workChan))
		}
	}
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	dropped        prometheus.Counter
	processed      *prometheus.CounterVec   // By status
	processingTime *prometheus.HistogramVec // By status
}

func newPoolMetrics(registry *metric.Registry, name string) (*poolMetrics, error) {
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamswitch",
			Subsystem:   "worker_pool",
			Name:        "queue_depth",
			ConstLabels: labels,
			Help:        "Work items waiting in the queue",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "worker_pool",
			Name:        "submitted_total",
			ConstLabels: labels,
			Help:        "Work items accepted into the queue",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "worker_pool",
			Name:        "dropped_total",
			ConstLabels: labels,
			Help:        "Work items rejected because the queue was full",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "worker_pool",
			Name:        "processed_total",
			ConstLabels: labels,
			Help:        "Work items processed by status",
		}, []string{"status"}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "streamswitch",
			Subsystem:   "worker_pool",
			Name:        "processing_duration_seconds",
			ConstLabels: labels,
			Help:        "Time spent processing work items",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
	}

	service := "worker_pool_" + name
	if err := registry.Register(service, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "submitted", m.submitted); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "processed", m.processed); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "processing_duration", m.processingTime); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) recordSubmitted(depth int) {
	if m == nil {
		return
	}
	m.submitted.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *poolMetrics) recordDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *poolMetrics) recordProcessed(d time.Duration, err error, depth int) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.processed.WithLabelValues(status).Inc()
	m.processingTime.WithLabelValues(status).Observe(d.Seconds())
	m.queueDepth.Set(float64(depth))
}

package flow

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
)

const defaultFanInBuffer = 64

// Runtime owns the goroutines behind every gate, pump and fan-in it creates.
type Runtime struct {
	logger          *slog.Logger
	metricsRegistry *metric.Registry
	metrics         *runtimeMetrics
	fanInBuffer     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	nextLinkID atomic.Uint64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger *slog.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics for the runtime.
func WithMetricsRegistry(registry *metric.Registry) Option {
	return func(rt *Runtime) {
		rt.metricsRegistry = registry
	}
}

// WithFanInBuffer sets how many items a fan-in queues ahead of its sink.
func WithFanInBuffer(size int) Option {
	return func(rt *Runtime) {
		if size > 0 {
			rt.fanInBuffer = size
		}
	}
}

// NewRuntime creates a runtime. Close releases everything it started.
func NewRuntime(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		logger:      slog.Default(),
		fanInBuffer: defaultFanInBuffer,
	}
	for _, opt := range opts {
		opt(rt)
	}

	metrics, err := newRuntimeMetrics(rt.metricsRegistry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "NewRuntime", "register metrics")
	}
	rt.metrics = metrics
	rt.ctx, rt.cancel = context.WithCancel(context.Background())

	return rt, nil
}

// CreateGatedFanOut starts pulling producer through a gate in the given
// initial mode and returns the gate, the producer's terminator, and its
// fan-out endpoint.
func (rt *Runtime) CreateGatedFanOut(name string, producer Producer, initial Mode) (*Gate, *Terminator, *FanOut, error) {
	if producer == nil {
		return nil, nil, nil, errors.WrapInvalid(errors.ErrInvalidData, "Runtime", "CreateGatedFanOut", "nil producer")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, nil, nil, errors.WrapInvalid(errors.ErrRuntimeRejected, "Runtime", "CreateGatedFanOut",
			"runtime closed")
	}

	ctx, cancel := context.WithCancel(rt.ctx)
	gate := newGate(name, initial, rt.metrics)
	term := &Terminator{gate: gate, cancel: cancel, exited: make(chan struct{})}
	out := newFanOut(name)

	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		gate.run(ctx.Done())
	}()
	go func() {
		defer rt.wg.Done()
		rt.pump(ctx, name, producer, gate, out, term)
	}()

	rt.metrics.producerStarted()
	rt.logger.Debug("Producer started", "producer", name, "gate", initial.String())

	return gate, term, out, nil
}

// CreateFanIn starts a fan-in feeding sink.
func (rt *Runtime) CreateFanIn(name string, sink Sink) (*FanIn, error) {
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Runtime", "CreateFanIn", "nil sink")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return nil, errors.WrapInvalid(errors.ErrRuntimeRejected, "Runtime", "CreateFanIn", "runtime closed")
	}

	in := &FanIn{
		name:    name,
		sink:    sink,
		logger:  rt.logger,
		metrics: rt.metrics,
		queue:   make(chan envelope, rt.fanInBuffer),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		in.run(rt.ctx)
	}()

	return in, nil
}

// Connect links out into in and returns the disconnect handle for the new
// link. Fails with ErrRuntimeRejected if either side has shut down.
func (rt *Runtime) Connect(out *FanOut, in *FanIn) (*Link, error) {
	if out == nil || in == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Runtime", "Connect", "nil endpoint")
	}
	if in.closed() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("fan-in %s closed: %w", in.name, errors.ErrRuntimeRejected),
			"Runtime", "Connect", "connect link")
	}

	l := &Link{
		id:      rt.nextLinkID.Add(1),
		out:     out,
		in:      in,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		metrics: rt.metrics,
	}
	if !out.add(l) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("producer %s terminated: %w", out.name, errors.ErrRuntimeRejected),
			"Runtime", "Connect", "connect link")
	}
	rt.metrics.linkOpened()

	return l, nil
}

// Close terminates every producer and fan-in and waits up to timeout for
// their goroutines to exit.
func (rt *Runtime) Close(timeout time.Duration) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.WrapTransient(errors.ErrShuttingDown, "Runtime", "Close", "wait for goroutines")
	}
}

func (rt *Runtime) pump(ctx context.Context, name string, producer Producer, gate *Gate, out *FanOut, term *Terminator) {
	defer func() {
		gate.terminate()
		out.close()
		if closer, ok := producer.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				rt.logger.Warn("Producer close failed", "producer", name, "error", err)
			}
		}
		close(term.exited)
		rt.metrics.producerStopped()
	}()

	for {
		if err := gate.awaitOpen(ctx); err != nil {
			return
		}

		item, err := producer.Next(ctx)
		if err != nil {
			switch {
			case stderrors.Is(err, io.EOF):
				rt.logger.Info("Producer exhausted", "producer", name)
			case ctx.Err() != nil:
			default:
				rt.logger.Warn("Producer failed", "producer", name, "error", err)
			}
			return
		}
		if item.Source == "" {
			item.Source = name
		}
		if item.Produced.IsZero() {
			item.Produced = time.Now()
		}
		rt.metrics.recordPulled(name)

		gate.pass.Lock()
		mode, openedAt := gate.snapshot()
		switch {
		case mode == Closed:
			rt.metrics.recordDrop(name, "gate_closed")
		case item.Produced.Before(openedAt):
			rt.metrics.recordDrop(name, "stale")
		default:
			if out.publish(ctx, item) == 0 {
				rt.metrics.recordDrop(name, "unrouted")
			}
		}
		gate.pass.Unlock()
	}
}

// Package udp provides a producer fed by datagrams arriving on a UDP socket.
//
// The read loop runs from New until Close. Datagrams land in a bounded
// DropOldest buffer; while the producer's gate is closed the buffer keeps
// only the newest packets and the receive sequence shows the gap.
package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/buffer"
	"github.com/c360/streamswitch/pkg/retry"
)

// Config configures one UDP input.
type Config struct {
	Name string
	// Addr is host:port to listen on. Port 0 picks a free port.
	Addr       string
	BufferSize int // Defaults to 1024
}

// Metrics holds Prometheus metrics for one UDP input.
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

// newMetrics creates and registers the input's metrics. A nil registry
// disables them.
func newMetrics(registry *metric.Registry, name string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"producer": name}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "udp",
			Name:        "packets_received_total",
			Help:        "Total UDP packets received",
			ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Total bytes received from UDP",
			ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "udp",
			Name:        "socket_errors_total",
			Help:        "Socket read errors encountered",
			ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamswitch",
			Subsystem:   "udp",
			Name:        "last_activity_timestamp",
			Help:        "Unix timestamp of last received packet",
			ConstLabels: labels,
		}),
	}

	service := "udp_" + name
	if err := registry.Register(service, "packets_received", m.packetsReceived); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "bytes_received", m.bytesReceived); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "socket_errors", m.socketErrors); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "last_activity", m.lastActivity); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordPacket(n int, at time.Time) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(n))
	m.lastActivity.Set(float64(at.Unix()))
}

func (m *Metrics) recordSocketError() {
	if m == nil {
		return
	}
	m.socketErrors.Inc()
}

type packet struct {
	seq  uint64
	data []byte
	at   time.Time
}

// Input is a live producer fed by a UDP socket.
type Input struct {
	name    string
	logger  *slog.Logger
	metrics *Metrics

	conn *net.UDPConn
	buf  buffer.Buffer[packet]
	seq  atomic.Uint64

	socketErrors atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var (
	_ flow.Producer = (*Input)(nil)
	_ io.Closer     = (*Input)(nil)
)

// New binds the socket, retrying transient failures, and starts reading.
func New(ctx context.Context, cfg Config, registry *metric.Registry, logger *slog.Logger) (*Input, error) {
	if cfg.Name == "" || cfg.Addr == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "udp", "New", "name and addr are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, errors.WrapInvalid(err, "udp", "New", fmt.Sprintf("resolve %s", cfg.Addr))
	}

	metrics, err := newMetrics(registry, cfg.Name)
	if err != nil {
		return nil, errors.WrapFatal(err, "udp", "New", "register metrics")
	}

	in := &Input{
		name:    cfg.Name,
		logger:  logger.With("component", "udp-input", "producer", cfg.Name),
		metrics: metrics,
		closed:  make(chan struct{}),
	}

	buf, err := buffer.NewCircularBuffer[packet](cfg.BufferSize,
		buffer.WithOverflowPolicy[packet](buffer.DropOldest),
		buffer.WithMetrics[packet](registry, "udp_"+cfg.Name),
	)
	if err != nil {
		return nil, errors.Wrap(err, "udp", "New", "create buffer")
	}
	in.buf = buf

	err = retry.Do(ctx, retry.Quick(), func() error {
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return errors.WrapTransient(err, "udp", "New", "listen")
		}
		in.conn = conn
		return nil
	})
	if err != nil {
		_ = buf.Close()
		return nil, err
	}

	// Increase OS socket buffer for bursts; some systems cap it.
	const socketBufferSize = 2 * 1024 * 1024
	if err := in.conn.SetReadBuffer(socketBufferSize); err != nil {
		in.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}

	in.wg.Add(1)
	go in.readLoop()

	in.logger.Info("UDP input listening", "addr", in.conn.LocalAddr().String(), "buffer", cfg.BufferSize)
	return in, nil
}

// Addr returns the bound socket address.
func (in *Input) Addr() net.Addr {
	return in.conn.LocalAddr()
}

func (in *Input) readLoop() {
	defer in.wg.Done()

	packetBuf := make([]byte, 65536)
	for {
		n, _, err := in.conn.ReadFromUDP(packetBuf)
		if err != nil {
			select {
			case <-in.closed:
				return
			default:
			}
			if stderrors.Is(err, net.ErrClosed) {
				return
			}
			in.socketErrors.Add(1)
			in.metrics.recordSocketError()
			in.logger.Debug("UDP read failed", "error", err)
			continue
		}

		now := time.Now()
		data := make([]byte, n)
		copy(data, packetBuf[:n])

		p := packet{seq: in.seq.Add(1), data: data, at: now}
		in.metrics.recordPacket(n, now)
		if err := in.buf.Write(p); err != nil {
			return
		}
	}
}

// Next returns the oldest buffered packet. Returns io.EOF after Close.
func (in *Input) Next(ctx context.Context) (flow.Item, error) {
	for {
		select {
		case <-in.closed:
			return flow.Item{}, io.EOF
		default:
		}

		if p, ok := in.buf.Read(); ok {
			return flow.Item{
				Source:   in.name,
				Seq:      p.seq,
				Payload:  flow.RawPayload(p.data),
				Produced: p.at,
			}, nil
		}

		select {
		case <-in.buf.Notify():
		case <-in.closed:
			return flow.Item{}, io.EOF
		case <-ctx.Done():
			return flow.Item{}, ctx.Err()
		}
	}
}

// Received returns how many packets arrived, including dropped ones.
func (in *Input) Received() uint64 {
	return in.seq.Load()
}

// SocketErrors returns how many reads failed.
func (in *Input) SocketErrors() int64 {
	return in.socketErrors.Load()
}

// Stats returns the receive buffer's statistics.
func (in *Input) Stats() *buffer.Statistics {
	return in.buf.Stats()
}

// Close stops the read loop and ends the producer. Safe to call more than once.
func (in *Input) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.closed)
		if cerr := in.conn.Close(); cerr != nil {
			err = errors.Wrap(cerr, "udp", "Close", "close socket")
		}
		in.wg.Wait()
		_ = in.buf.Close()
		in.logger.Info("UDP input closed", "received", in.seq.Load(), "dropped", in.buf.Stats().Drops())
	})
	return err
}

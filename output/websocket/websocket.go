// Package websocket provides a consumer-group sink that broadcasts each
// delivered item to every connected WebSocket client.
//
// The Output is an http.Handler; mount it on an HTTP server and clients that
// connect receive items delivered from then on. Each client has a bounded
// send queue and a slow client loses messages instead of stalling the group.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Config holds configuration for a broadcast sink.
type Config struct {
	Name        string // Group name, used in metric labels and envelope IDs
	QueueSize   int    // Per-client send queue, defaults to 64
	PingPeriod  time.Duration
	AllowOrigin []string // Empty allows any origin
}

// MessageEnvelope wraps every message written to clients.
type MessageEnvelope struct {
	Type      string    `json:"type"` // Always "data"
	ID        string    `json:"id"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds
	Payload   flow.Item `json:"payload"`
}

// clientInfo holds per-connection state
type clientInfo struct {
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	connectedAt time.Time
}

func (c *clientInfo) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Output broadcasts items to WebSocket clients.
type Output struct {
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics
	registry *metric.Registry

	clients   map[*clientInfo]struct{}
	clientsMu sync.RWMutex
	closed    bool
	wg        sync.WaitGroup

	messageIDCounter atomic.Uint64
	sent             atomic.Int64
	dropped          atomic.Int64
}

// New creates a broadcast sink. registry may be nil.
func New(cfg Config, registry *metric.Registry, logger *slog.Logger) (*Output, error) {
	if cfg.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "New", "name is required")
	}
	if cfg.QueueSize < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "New", "queue size must not be negative")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = pingPeriod
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Output{
		cfg:      cfg,
		logger:   logger.With("component", "websocket-output", "group", cfg.Name),
		registry: registry,
		clients:  make(map[*clientInfo]struct{}),
	}
	o.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     o.checkOrigin,
	}

	metrics, err := newMetrics(registry, cfg.Name)
	if err != nil {
		return nil, errors.WrapFatal(err, "websocket", "New", "register metrics")
	}
	o.metrics = metrics

	return o, nil
}

func (o *Output) checkOrigin(r *http.Request) bool {
	if len(o.cfg.AllowOrigin) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range o.cfg.AllowOrigin {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers the client.
func (o *Output) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.clientsMu.RLock()
	closed := o.closed
	o.clientsMu.RUnlock()
	if closed {
		http.Error(w, "sink closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		o.metrics.recordError("connection_upgrade")
		return
	}

	info := &clientInfo{
		conn:        conn,
		send:        make(chan []byte, o.cfg.QueueSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
	}

	o.clientsMu.Lock()
	if o.closed {
		o.clientsMu.Unlock()
		_ = conn.Close()
		return
	}
	o.clients[info] = struct{}{}
	count := len(o.clients)
	o.wg.Add(2)
	o.clientsMu.Unlock()

	o.metrics.setClients(count)
	o.logger.Debug("Client connected", "remote", r.RemoteAddr, "clients", count)

	go o.writeLoop(info)
	go o.readLoop(info)
}

// readLoop discards client frames and notices disconnects.
func (o *Output) readLoop(info *clientInfo) {
	defer o.wg.Done()
	defer o.removeClient(info)

	info.conn.SetReadLimit(4096)
	_ = info.conn.SetReadDeadline(time.Now().Add(pongWait))
	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on the connection.
func (o *Output) writeLoop(info *clientInfo) {
	defer o.wg.Done()
	defer o.removeClient(info)

	ticker := time.NewTicker(o.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-info.done:
			_ = info.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case data := <-info.send:
			_ = info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := info.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				o.metrics.recordError("write")
				return
			}
			o.sent.Add(1)
			o.metrics.recordSent()
		case <-ticker.C:
			_ = info.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := info.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.metrics.recordError("ping")
				return
			}
		}
	}
}

func (o *Output) removeClient(info *clientInfo) {
	o.clientsMu.Lock()
	_, ok := o.clients[info]
	delete(o.clients, info)
	count := len(o.clients)
	o.clientsMu.Unlock()

	info.close()
	if ok {
		o.metrics.setClients(count)
		o.logger.Debug("Client disconnected", "connected_for", time.Since(info.connectedAt), "clients", count)
	}
}

// Sink returns the delivery function to hand to a consumer group.
func (o *Output) Sink() flow.Sink {
	return o.Deliver
}

// Deliver queues the item for every connected client without blocking.
func (o *Output) Deliver(_ context.Context, item flow.Item) {
	envelope := MessageEnvelope{
		Type:      "data",
		ID:        fmt.Sprintf("%s-%d", o.cfg.Name, o.messageIDCounter.Add(1)),
		Timestamp: time.Now().UnixMilli(),
		Payload:   item,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		o.metrics.recordError("marshal")
		o.logger.Warn("Failed to marshal item", "source", item.Source, "seq", item.Seq, "error", err)
		return
	}

	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for info := range o.clients {
		select {
		case info.send <- data:
		case <-info.done:
		default:
			o.dropped.Add(1)
			o.metrics.recordDropped()
		}
	}
}

// Clients returns the number of connected clients.
func (o *Output) Clients() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// Sent returns how many messages were written to clients.
func (o *Output) Sent() int64 { return o.sent.Load() }

// Dropped returns how many messages slow clients lost.
func (o *Output) Dropped() int64 { return o.dropped.Load() }

// Close disconnects every client and rejects new ones.
func (o *Output) Close() error {
	o.clientsMu.Lock()
	if o.closed {
		o.clientsMu.Unlock()
		return nil
	}
	o.closed = true
	clients := make([]*clientInfo, 0, len(o.clients))
	for info := range o.clients {
		clients = append(clients, info)
	}
	o.clientsMu.Unlock()

	for _, info := range clients {
		info.close()
	}
	o.wg.Wait()

	// Frees the group name for a sink created after this one.
	if o.registry != nil {
		o.registry.UnregisterOwner(metricsOwner(o.cfg.Name))
	}
	return nil
}

func metricsOwner(group string) string {
	return "websocket_" + group
}

// Metrics holds Prometheus metrics for one broadcast sink
type Metrics struct {
	clientsConnected prometheus.Gauge
	messagesSent     prometheus.Counter
	messagesDropped  prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry, group string) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	labels := prometheus.Labels{"group": group}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "streamswitch",
			Subsystem:   "websocket",
			Name:        "clients_connected",
			Help:        "Currently connected WebSocket clients",
			ConstLabels: labels,
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "websocket",
			Name:        "messages_sent_total",
			Help:        "Messages written to WebSocket clients",
			ConstLabels: labels,
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "websocket",
			Name:        "messages_dropped_total",
			Help:        "Messages dropped because a client queue was full",
			ConstLabels: labels,
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "streamswitch",
			Subsystem:   "websocket",
			Name:        "errors_total",
			Help:        "WebSocket errors by type",
			ConstLabels: labels,
		}, []string{"type"}),
	}

	service := metricsOwner(group)
	if err := registry.Register(service, "clients_connected", m.clientsConnected); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "messages_sent", m.messagesSent); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "messages_dropped", m.messagesDropped); err != nil {
		return nil, err
	}
	if err := registry.Register(service, "errors", m.errorsTotal); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) setClients(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) recordSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) recordDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

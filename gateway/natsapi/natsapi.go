// Package natsapi serves the gateway verbs over NATS request/reply.
//
// Each verb listens on <prefix>.<verb>. The subscription callback only
// queues the message on a worker pool; decoding, running the verb and
// waiting for pending results happen on a worker so a slow detach never
// stalls the NATS client. A full queue is answered immediately with code
// "busy".
package natsapi

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/gateway"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/worker"
)

// Subscriber is satisfied by *natsclient.Client and *nats.Conn.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Server answers control requests arriving on NATS.
type Server struct {
	conn   Subscriber
	disp   *gateway.Dispatcher
	cfg    gateway.Config
	pool   *worker.Pool[*nats.Msg]
	logger *slog.Logger

	mu      sync.Mutex
	subs    []*nats.Subscription
	started bool
}

// New creates a server. cfg must already be validated.
func New(conn Subscriber, disp *gateway.Dispatcher, cfg gateway.Config,
	registry *metric.Registry, logger *slog.Logger) (*Server, error) {
	if conn == nil || disp == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsapi", "New", "connection and dispatcher are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		conn:   conn,
		disp:   disp,
		cfg:    cfg,
		logger: logger.With("component", "natsapi", "prefix", cfg.SubjectPrefix),
	}

	pool, err := worker.NewPool(cfg.Workers, cfg.QueueSize, s.process,
		worker.WithMetricsRegistry[*nats.Msg](registry, "gateway"))
	if err != nil {
		return nil, errors.Wrap(err, "natsapi", "New", "create worker pool")
	}
	s.pool = pool

	return s, nil
}

// Subject returns the request subject for verb.
func (s *Server) Subject(verb string) string {
	return s.cfg.SubjectPrefix + "." + verb
}

// Start starts the workers and subscribes every verb.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "natsapi", "Start", "check state")
	}
	if err := s.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "natsapi", "Start", "start worker pool")
	}

	for _, verb := range gateway.Verbs {
		subject := s.Subject(verb)

		var (
			sub *nats.Subscription
			err error
		)
		if s.cfg.QueueGroup != "" {
			sub, err = s.conn.QueueSubscribe(subject, s.cfg.QueueGroup, s.enqueue)
		} else {
			sub, err = s.conn.Subscribe(subject, s.enqueue)
		}
		if err != nil {
			s.unsubscribeLocked()
			_ = s.pool.Stop(time.Second)
			return errors.WrapTransient(err, "natsapi", "Start", "subscribe "+subject)
		}
		s.subs = append(s.subs, sub)
	}

	s.started = true
	s.logger.Info("NATS gateway listening", "verbs", len(gateway.Verbs), "workers", s.cfg.Workers)
	return nil
}

// enqueue runs on the NATS callback goroutine.
func (s *Server) enqueue(msg *nats.Msg) {
	if err := s.pool.Submit(msg); err != nil {
		if !stderrors.Is(err, worker.ErrQueueFull) {
			err = errors.WrapTransient(errors.ErrShuttingDown, "natsapi", "enqueue", "submit request")
		}
		s.reply(msg, gateway.ErrorData(err))
	}
}

func (s *Server) process(ctx context.Context, msg *nats.Msg) error {
	verb := strings.TrimPrefix(msg.Subject, s.cfg.SubjectPrefix+".")
	data, _ := s.disp.Respond(ctx, "nats", verb, msg.Data)
	return s.reply(msg, data)
}

func (s *Server) reply(msg *nats.Msg, data []byte) error {
	if msg.Reply == "" {
		return nil
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Reply failed", "subject", msg.Subject, "error", err)
		return errors.WrapTransient(err, "natsapi", "reply", "respond")
	}
	return nil
}

// Stop unsubscribes and waits up to timeout for queued requests.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	s.unsubscribeLocked()
	if err := s.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "natsapi", "Stop", "stop worker pool")
	}
	s.logger.Info("NATS gateway stopped", "processed", s.pool.Stats().Processed)
	return nil
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

// Stats returns the request pool statistics.
func (s *Server) Stats() worker.PoolStats {
	return s.pool.Stats()
}

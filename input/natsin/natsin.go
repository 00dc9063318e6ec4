// Package natsin turns a NATS subscription into a flow producer.
//
// Messages are received on the NATS client's goroutine and written into a
// bounded DropOldest buffer. While the producer's gate is closed nobody
// reads, so the buffer keeps only the newest messages and the sequence
// numbers assigned on receipt show the gap downstream.
package natsin

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/buffer"
)

// Subscriber is the part of the NATS client the input needs.
// *natsclient.Client satisfies it.
type Subscriber interface {
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Config configures one NATS input.
type Config struct {
	Name       string
	Subject    string
	BufferSize int // Defaults to 256
}

type received struct {
	seq  uint64
	data []byte
	at   time.Time
}

// Input is a live producer fed by a NATS subscription.
type Input struct {
	name    string
	subject string
	logger  *slog.Logger

	buf buffer.Buffer[received]
	sub *nats.Subscription
	seq atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

var (
	_ flow.Producer = (*Input)(nil)
	_ io.Closer     = (*Input)(nil)
)

// New subscribes to cfg.Subject and starts buffering immediately.
func New(client Subscriber, cfg Config, registry *metric.Registry, logger *slog.Logger) (*Input, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "natsin", "New", "check client")
	}
	if cfg.Name == "" || cfg.Subject == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsin", "New", "name and subject are required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	in := &Input{
		name:    cfg.Name,
		subject: cfg.Subject,
		logger:  logger.With("component", "natsin", "producer", cfg.Name, "subject", cfg.Subject),
		closed:  make(chan struct{}),
	}

	buf, err := buffer.NewCircularBuffer[received](cfg.BufferSize,
		buffer.WithOverflowPolicy[received](buffer.DropOldest),
		buffer.WithMetrics[received](registry, "natsin_"+cfg.Name),
		buffer.WithDropCallback[received](func(r received) {
			in.logger.Debug("Dropped buffered message", "seq", r.seq)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "natsin", "New", "create buffer")
	}
	in.buf = buf

	sub, err := client.Subscribe(cfg.Subject, in.handle)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsin", "New", "subscribe")
	}
	in.sub = sub

	in.logger.Info("NATS input subscribed", "buffer", cfg.BufferSize)
	return in, nil
}

func (in *Input) handle(msg *nats.Msg) {
	r := received{seq: in.seq.Add(1), data: msg.Data, at: time.Now()}
	if err := in.buf.Write(r); err != nil {
		in.logger.Debug("Message after close", "seq", r.seq)
	}
}

// Next returns the oldest buffered message. Returns io.EOF after Close.
func (in *Input) Next(ctx context.Context) (flow.Item, error) {
	for {
		select {
		case <-in.closed:
			return flow.Item{}, io.EOF
		default:
		}

		if r, ok := in.buf.Read(); ok {
			return flow.Item{
				Source:   in.name,
				Seq:      r.seq,
				Payload:  flow.RawPayload(r.data),
				Produced: r.at,
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

// Stats returns the receive buffer's statistics.
func (in *Input) Stats() *buffer.Statistics {
	return in.buf.Stats()
}

// Received returns how many messages arrived, including dropped ones.
func (in *Input) Received() uint64 {
	return in.seq.Load()
}

// Close unsubscribes and ends the producer. Safe to call more than once.
func (in *Input) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.closed)
		if uerr := in.sub.Unsubscribe(); uerr != nil && !stderrors.Is(uerr, nats.ErrConnectionClosed) &&
			!stderrors.Is(uerr, nats.ErrBadSubscription) {
			err = errors.Wrap(uerr, "natsin", "Close", "unsubscribe")
		}
		_ = in.buf.Close()
		in.logger.Info("NATS input closed", "received", in.seq.Load(), "dropped", in.buf.Stats().Drops())
	})
	return err
}

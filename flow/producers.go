package flow

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Ticker is a live producer emitting 1, 2, 3, ... at a fixed interval from
// the moment it is created. It keeps at most one unconsumed item: a tick
// that arrives before the previous one was pulled replaces it, so a paused
// ticker keeps counting without accumulating memory.
type Ticker struct {
	name     string
	interval time.Duration
	mailbox  chan Item

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	produced    atomic.Uint64
	overwritten atomic.Uint64
}

// NewTicker starts a ticker producer. Close stops it.
func NewTicker(name string, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Ticker{
		name:     name,
		interval: interval,
		mailbox:  make(chan Item, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Ticker) run() {
	defer close(t.done)

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-tk.C:
			seq := t.produced.Add(1)
			item := Item{Source: t.name, Seq: seq, Payload: seq, Produced: now}

			// Single writer: after emptying the slot the send cannot block.
			select {
			case <-t.mailbox:
				t.overwritten.Add(1)
			default:
			}
			t.mailbox <- item
		}
	}
}

// Next returns the most recent unconsumed tick.
func (t *Ticker) Next(ctx context.Context) (Item, error) {
	select {
	case item := <-t.mailbox:
		return item, nil
	case <-t.stop:
		return Item{}, io.EOF
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Produced returns how many ticks have been emitted so far.
func (t *Ticker) Produced() uint64 {
	return t.produced.Load()
}

// Overwritten returns how many ticks were replaced before being pulled.
func (t *Ticker) Overwritten() uint64 {
	return t.overwritten.Load()
}

// Close stops the ticker.
func (t *Ticker) Close() error {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
	return nil
}

// rangeProducer emits from..to inclusive, one item per pull.
type rangeProducer struct {
	name string
	next int
	to   int
	seq  uint64
	mu   sync.Mutex
}

// Range returns a pull-driven producer of the integers from..to inclusive.
// It only advances when pulled, so a closed gate pauses it without loss.
func Range(name string, from, to int) Producer {
	return &rangeProducer{name: name, next: from, to: to}
}

func (r *rangeProducer) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next > r.to {
		return Item{}, io.EOF
	}
	v := r.next
	r.next++
	r.seq++
	return Item{Source: r.name, Seq: r.seq, Payload: v, Produced: time.Now()}, nil
}

type throttled struct {
	Producer
	limiter *rate.Limiter
}

// Throttle limits producer to one item per every, allowing bursts of burst.
func Throttle(producer Producer, every time.Duration, burst int) Producer {
	if burst <= 0 {
		burst = 1
	}
	return &throttled{
		Producer: producer,
		limiter:  rate.NewLimiter(rate.Every(every), burst),
	}
}

func (t *throttled) Next(ctx context.Context) (Item, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Item{}, err
	}
	return t.Producer.Next(ctx)
}

// Close closes the wrapped producer if it is closable.
func (t *throttled) Close() error {
	if closer, ok := t.Producer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

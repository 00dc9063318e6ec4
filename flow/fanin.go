package flow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type envelope struct {
	link *Link
	item Item
}

// FanIn merges items from every connected Link into a single Sink.
type FanIn struct {
	name    string
	sink    Sink
	logger  *slog.Logger
	metrics *runtimeMetrics

	queue     chan envelope
	done      chan struct{}
	closeOnce sync.Once
	exited    chan struct{}
}

// Name returns the fan-in name.
func (in *FanIn) Name() string {
	return in.name
}

// Close stops delivery. Items still queued are discarded. Safe to call
// more than once.
func (in *FanIn) Close() {
	in.closeOnce.Do(func() { close(in.done) })
	<-in.exited
}

// Done is closed once the fan-in has stopped delivering.
func (in *FanIn) Done() <-chan struct{} {
	return in.exited
}

func (in *FanIn) closed() bool {
	select {
	case <-in.done:
		return true
	default:
		return false
	}
}

func (in *FanIn) run(ctx context.Context) {
	defer close(in.exited)
	defer in.discardQueued()

	for {
		select {
		case env := <-in.queue:
			in.deliver(ctx, env)
		case <-in.done:
			return
		case <-ctx.Done():
			in.closeOnce.Do(func() { close(in.done) })
			return
		}
	}
}

func (in *FanIn) deliver(ctx context.Context, env envelope) {
	delivered := env.link.deliver(func() {
		defer func() {
			if r := recover(); r != nil {
				in.logger.Error("Sink panicked",
					"fan_in", in.name,
					"source", env.item.Source,
					"seq", env.item.Seq,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
				in.metrics.recordDrop(env.item.Source, "sink_panic")
			}
		}()
		in.sink(ctx, env.item)
	})

	if delivered {
		in.metrics.recordDelivered(in.name)
	} else {
		in.metrics.recordDrop(env.item.Source, "link_aborted")
	}
}

func (in *FanIn) discardQueued() {
	for {
		select {
		case env := <-in.queue:
			env.link.release()
			in.metrics.recordDrop(env.item.Source, "fan_in_closed")
		default:
			return
		}
	}
}

package flow

import (
	"context"
	"sync"
	"sync/atomic"
)

type linkState int

const (
	linkLive linkState = iota
	linkDraining
	linkAborted
)

// Link is one connection from a FanOut into a FanIn. It is the disconnect
// handle for that connection and nothing else: ending it leaves every other
// link on either side untouched.
type Link struct {
	id  uint64
	out *FanOut
	in  *FanIn

	detachOnce sync.Once
	done       chan struct{} // closed once the link stops accepting items

	// deliverMu is read-held by the fan-in during a sink call for this link.
	deliverMu sync.RWMutex
	aborted   bool

	stateMu     sync.Mutex
	state       linkState
	pending     atomic.Int64
	drained     chan struct{}
	drainedOnce sync.Once

	metrics *runtimeMetrics
}

// ID returns the runtime-unique link id.
func (l *Link) ID() uint64 {
	return l.id
}

// Shutdown stops the link from accepting new items. Items it already handed
// to the fan-in are still delivered; Drained closes after the last one.
func (l *Link) Shutdown() {
	l.detach()

	l.stateMu.Lock()
	if l.state == linkLive {
		l.state = linkDraining
	}
	l.stateMu.Unlock()

	l.checkDrained()
}

// Abort ends the link immediately. Items queued at the fan-in are discarded
// and Abort returns only once no sink call for this link is in progress.
// Must not be called from inside the sink.
func (l *Link) Abort() {
	l.detach()

	l.deliverMu.Lock()
	l.aborted = true
	l.deliverMu.Unlock()

	l.stateMu.Lock()
	l.state = linkAborted
	l.stateMu.Unlock()

	l.checkDrained()
}

// Drained is closed once the link has been shut down or aborted and every
// item it queued has been delivered or discarded.
func (l *Link) Drained() <-chan struct{} {
	return l.drained
}

// Live reports whether the link still accepts items.
func (l *Link) Live() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Link) detach() {
	l.detachOnce.Do(func() {
		l.out.remove(l)
		close(l.done)
		l.metrics.linkClosed()
	})
}

// offer hands item to the fan-in, blocking while its queue is full.
func (l *Link) offer(ctx context.Context, item Item) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	l.pending.Add(1)
	select {
	case l.in.queue <- envelope{link: l, item: item}:
		return true
	case <-l.done:
	case <-l.in.done:
	case <-ctx.Done():
	}
	l.release()
	return false
}

// deliver runs fn unless the link was aborted, then releases the item.
func (l *Link) deliver(fn func()) bool {
	l.deliverMu.RLock()
	ok := !l.aborted
	if ok {
		fn()
	}
	l.deliverMu.RUnlock()
	l.release()
	return ok
}

func (l *Link) release() {
	if l.pending.Add(-1) == 0 {
		l.checkDrained()
	}
}

func (l *Link) checkDrained() {
	l.stateMu.Lock()
	state := l.state
	l.stateMu.Unlock()

	if state != linkLive && l.pending.Load() == 0 {
		l.drainedOnce.Do(func() { close(l.drained) })
	}
}

package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/c360/streamswitch/errors"
)

// Mode is the pass/block state of a Gate.
type Mode int

const (
	// Closed blocks items and stops the pump from pulling its producer.
	Closed Mode = iota
	// Open lets items pass to the fan-out.
	Open
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case Closed:
		return "closed"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ParseMode parses "open" or "closed" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return Open, nil
	case "closed":
		return Closed, nil
	default:
		return Closed, errors.WrapInvalid(
			fmt.Errorf("unknown gate mode %q", s), "flow", "ParseMode", "parse gate mode")
	}
}

type flipRequest struct {
	mode    Mode
	applied func()
	result  *Pending[Mode]
}

// Gate controls whether a producer's items reach its fan-out. Flip requests
// are queued and applied in order by the gate's own goroutine.
type Gate struct {
	name    string
	metrics *runtimeMetrics

	mu         sync.Mutex
	mode       Mode
	openedAt   time.Time
	openCh     chan struct{} // closed while the gate is open
	terminated bool
	queue      []flipRequest
	wake       chan struct{}

	// pass is held by the pump while an item crosses from the gate into the
	// fan-out. Closing takes it so confirmation implies nothing is mid-gate.
	pass sync.Mutex
}

func newGate(name string, initial Mode, metrics *runtimeMetrics) *Gate {
	g := &Gate{
		name:    name,
		metrics: metrics,
		mode:    initial,
		openCh:  make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	if initial == Open {
		g.openedAt = time.Now()
		close(g.openCh)
	}
	return g
}

// Name returns the gate's producer name.
func (g *Gate) Name() string {
	return g.name
}

// Mode returns the last confirmed mode.
func (g *Gate) Mode() Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Flip requests a transition to mode. The returned Pending resolves once the
// gate's goroutine has applied it, or fails with ErrRuntimeRejected if the
// gate is terminated first.
func (g *Gate) Flip(mode Mode) *Pending[Mode] {
	return g.FlipWith(mode, nil)
}

// FlipWith is Flip plus a hook run on the gate's goroutine right after the
// transition is applied and before the result resolves. For Closed the hook
// runs while no item is crossing the gate, and before any flip queued behind
// this one. The hook must not block or flip the gate. It is not called when
// the flip is rejected.
func (g *Gate) FlipWith(mode Mode, applied func()) *Pending[Mode] {
	result := NewPending[Mode]()

	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		g.metrics.recordFlip(g.name, mode, "rejected")
		return Failed[Mode](g.rejection("Flip"))
	}
	g.queue = append(g.queue, flipRequest{mode: mode, applied: applied, result: result})
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return result
}

func (g *Gate) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-g.wake:
			for {
				req, ok := g.dequeue()
				if !ok {
					break
				}
				g.apply(req)
			}
		}
	}
}

func (g *Gate) dequeue() (flipRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated || len(g.queue) == 0 {
		return flipRequest{}, false
	}
	req := g.queue[0]
	g.queue[0] = flipRequest{}
	g.queue = g.queue[1:]
	return req, true
}

func (g *Gate) apply(req flipRequest) {
	if req.mode == Closed {
		g.pass.Lock()
		defer g.pass.Unlock()
	}

	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		g.metrics.recordFlip(g.name, req.mode, "rejected")
		req.result.Reject(g.rejection("apply"))
		return
	}
	switch {
	case req.mode == Open && g.mode == Closed:
		g.mode = Open
		g.openedAt = time.Now()
		close(g.openCh)
	case req.mode == Closed && g.mode == Open:
		g.mode = Closed
		g.openCh = make(chan struct{})
	}
	g.mu.Unlock()

	if req.applied != nil {
		req.applied()
	}
	g.metrics.recordFlip(g.name, req.mode, "applied")
	req.result.Resolve(req.mode)
}

// terminate rejects queued flips and refuses new ones. Idempotent.
func (g *Gate) terminate() {
	g.mu.Lock()
	if g.terminated {
		g.mu.Unlock()
		return
	}
	g.terminated = true
	queued := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, req := range queued {
		g.metrics.recordFlip(g.name, req.mode, "rejected")
		req.result.Reject(g.rejection("terminate"))
	}
}

// awaitOpen blocks while the gate is closed.
func (g *Gate) awaitOpen(ctx context.Context) error {
	for {
		g.mu.Lock()
		mode, ch := g.mode, g.openCh
		g.mu.Unlock()

		if mode == Open {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gate) snapshot() (Mode, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode, g.openedAt
}

func (g *Gate) rejection(method string) error {
	return errors.WrapInvalid(
		fmt.Errorf("gate %s is terminated: %w", g.name, errors.ErrRuntimeRejected),
		"Gate", method, "flip gate")
}

package flow

import (
	"context"
	"sync"
)

// Terminator irreversibly stops a producer, its gate and its pump.
type Terminator struct {
	gate   *Gate
	cancel context.CancelFunc
	once   sync.Once
	exited chan struct{}
}

// Shutdown stops the producer. Safe to call more than once.
func (t *Terminator) Shutdown() {
	t.once.Do(func() {
		t.gate.terminate()
		t.cancel()
	})
}

// Done is closed once the pump has exited, whether through Shutdown, the
// producer ending, or the runtime closing.
func (t *Terminator) Done() <-chan struct{} {
	return t.exited
}

// Terminated reports whether the pump has exited.
func (t *Terminator) Terminated() bool {
	select {
	case <-t.exited:
		return true
	default:
		return false
	}
}

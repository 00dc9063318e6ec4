package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
)

// Wrapper owns a producer and the runtime handles created for it.
type Wrapper struct {
	id     WrapperID
	name   string
	gate   *flow.Gate
	term   *flow.Terminator
	out    *flow.FanOut
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	attachment *Attachment
	// detaching is set from Detach until the old link is off the fan-out.
	detaching *Attachment
}

// NewWrapper starts pulling producer through a gate in the initial mode.
// The producer is owned by the wrapper from here on and is closed when the
// wrapper terminates.
func NewWrapper(rt *flow.Runtime, name string, producer flow.Producer, initial flow.Mode,
	logger *slog.Logger,
) (*Wrapper, error) {
	if rt == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Wrapper", "NewWrapper", "nil runtime")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gate, term, out, err := rt.CreateGatedFanOut(name, producer, initial)
	if err != nil {
		return nil, errors.Wrap(err, "Wrapper", "NewWrapper", "create gated fan-out")
	}

	w := &Wrapper{
		id:    newWrapperID(),
		name:  name,
		gate:  gate,
		term:  term,
		out:   out,
		state: Live,
	}
	w.logger = logger.With("wrapper", w.id, "producer", name)
	return w, nil
}

// ID returns the wrapper id.
func (w *Wrapper) ID() WrapperID {
	return w.id
}

// Name returns the producer name.
func (w *Wrapper) Name() string {
	return w.name
}

// State returns the lifecycle flag.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Gate returns the last confirmed gate mode.
func (w *Wrapper) Gate() flow.Mode {
	return w.gate.Mode()
}

// Attachment returns the current attachment, or nil.
func (w *Wrapper) Attachment() *Attachment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attachment
}

// Done is closed once the producer has stopped, whether terminated or
// exhausted.
func (w *Wrapper) Done() <-chan struct{} {
	return w.term.Done()
}

// Info returns a snapshot of the wrapper.
func (w *Wrapper) Info() WrapperInfo {
	w.mu.Lock()
	info := WrapperInfo{
		ID:      w.id,
		Name:    w.name,
		State:   w.state.String(),
		Running: !w.term.Terminated(),
	}
	if w.attachment != nil {
		info.AttachmentID = w.attachment.id
		info.Group = w.attachment.group.id
	}
	w.mu.Unlock()

	info.Gate = w.gate.Mode().String()
	return info
}

// FlipGate requests a gate transition. The result resolves to the wrapper
// once the runtime has applied it. Flips are applied in request order.
func (w *Wrapper) FlipGate(mode flow.Mode) *flow.Pending[*Wrapper] {
	if w.State() == Terminated {
		return flow.Failed[*Wrapper](w.invalidState("FlipGate", "terminated"))
	}
	return flow.Then(w.gate.Flip(mode), func(flow.Mode) (*Wrapper, error) {
		return w, nil
	})
}

// Terminate stops the producer for good. An attached wrapper is killed
// through its group so the group's registry stays consistent. Safe to call
// more than once.
func (w *Wrapper) Terminate() {
	for {
		w.mu.Lock()
		att := w.attachment
		if att == nil {
			first := w.state != Terminated
			w.state = Terminated
			w.mu.Unlock()

			w.term.Shutdown()
			if first {
				w.logger.Info("Wrapper terminated")
			}
			return
		}
		w.mu.Unlock()

		err := att.group.Kill(att.id)
		if err == nil {
			return
		}

		// NotFound with a changed back-reference means a concurrent detach
		// or kill got there first, so go round again. Anything else stops
		// the loop and terminates here.
		w.mu.Lock()
		same := w.attachment == att
		w.mu.Unlock()
		if errors.IsNotFound(err) && !same {
			continue
		}

		w.logger.Warn("Kill through group failed, terminating directly",
			"attachment", att.id, "group", att.group.id, "error", err)
		att.link.Abort()
		w.mu.Lock()
		if w.attachment == att {
			w.attachment = nil
		}
		w.state = Terminated
		w.mu.Unlock()
		w.term.Shutdown()
		return
	}
}

// clearDetaching ends the detach of att if it is still the one in progress.
func (w *Wrapper) clearDetaching(att *Attachment) {
	w.mu.Lock()
	if w.detaching == att {
		w.detaching = nil
	}
	w.mu.Unlock()
}

func (w *Wrapper) invalidState(method, reason string) error {
	return errors.WrapInvalid(
		fmt.Errorf("wrapper %s (%s) %s: %w", w.id, w.name, reason, errors.ErrInvalidState),
		"Wrapper", method, "check wrapper state")
}

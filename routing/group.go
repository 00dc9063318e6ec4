package routing

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
)

// Group is a consumer group: one fan-in feeding one sink, plus the registry
// of attachments currently linked into it.
type Group struct {
	id     GroupID
	rt     *flow.Runtime
	in     *flow.FanIn
	logger *slog.Logger

	mu          sync.Mutex
	attachments map[AttachmentID]*Attachment
}

// NewGroup creates a group delivering into sink. The sink runs on the
// group's fan-in goroutine; it must return promptly and, if shared with
// other groups, be safe for concurrent use.
func NewGroup(rt *flow.Runtime, name string, sink flow.Sink, logger *slog.Logger) (*Group, error) {
	if rt == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Group", "NewGroup", "nil runtime")
	}
	if logger == nil {
		logger = slog.Default()
	}

	in, err := rt.CreateFanIn(name, sink)
	if err != nil {
		return nil, errors.Wrap(err, "Group", "NewGroup", "create fan-in")
	}

	return &Group{
		id:          GroupID(name),
		rt:          rt,
		in:          in,
		logger:      logger.With("group", name),
		attachments: make(map[AttachmentID]*Attachment),
	}, nil
}

// ID returns the group id.
func (g *Group) ID() GroupID {
	return g.id
}

// Len returns the number of current attachments.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attachments)
}

// Lookup returns the attachment with the given id.
func (g *Group) Lookup(id AttachmentID) (*Attachment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	att, ok := g.attachments[id]
	return att, ok
}

// Info returns a snapshot of the group with attachment ids sorted.
func (g *Group) Info() GroupInfo {
	g.mu.Lock()
	ids := make([]AttachmentID, 0, len(g.attachments))
	for id := range g.attachments {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return GroupInfo{ID: g.id, Attachments: ids}
}

// Attach links w into the group with a fresh link. If the gate is open,
// items start reaching the sink immediately.
func (g *Group) Attach(w *Wrapper) (AttachmentID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := g.checkAttachable(w, "Attach", false); err != nil {
		return "", err
	}
	// Links are only added under w.mu, so this also covers a link that is
	// still being torn down elsewhere.
	if n := w.out.LiveLinks(); n > 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("wrapper %s (%s) still has %d live link(s): %w", w.id, w.name, n, errors.ErrInvalidState),
			"Group", "Attach", "check fan-out")
	}

	link, err := g.rt.Connect(w.out, g.in)
	if err != nil {
		return "", errors.Wrap(err, "Group", "Attach", "connect link")
	}

	att := &Attachment{
		id:      newAttachmentID(),
		wrapper: w,
		group:   g,
		link:    link,
	}
	g.attachments[att.id] = att
	w.attachment = att

	g.logger.Info("Wrapper attached", "wrapper", w.id, "attachment", att.id, "link", link.ID())
	return att.id, nil
}

// AttachPaused opens w's gate and, once the runtime confirms, attaches it.
// Used to resume a detached wrapper, possibly into a different group. It may
// be issued while a detach of w is still in flight: the open flip queues
// behind the detach's close, which takes the old link off first.
func (g *Group) AttachPaused(w *Wrapper) *flow.Pending[AttachmentID] {
	w.mu.Lock()
	err := g.checkAttachable(w, "AttachPaused", true)
	w.mu.Unlock()
	if err != nil {
		return flow.Failed[AttachmentID](err)
	}

	return flow.Then(w.FlipGate(flow.Open), func(w *Wrapper) (AttachmentID, error) {
		return g.Attach(w)
	})
}

// Detach removes the attachment and closes the wrapper's gate. The link is
// shut down on the gate's goroutine as part of the close, so no flip queued
// after it can reopen the gate onto the old link; items already past the
// gate still reach the sink. Until then w accepts only AttachPaused. The
// result resolves to the now unattached wrapper after the link has drained.
func (g *Group) Detach(id AttachmentID) (*flow.Pending[*Wrapper], error) {
	att, err := g.remove(id, "Detach", func(w *Wrapper, att *Attachment) {
		w.detaching = att
	})
	if err != nil {
		return nil, err
	}
	w := att.wrapper

	g.logger.Info("Wrapper detaching", "wrapper", w.id, "attachment", id)

	closing := w.gate.FlipWith(flow.Closed, func() {
		att.link.Shutdown()
		w.clearDetaching(att)
	})

	return flow.Handle(closing, func(_ flow.Mode, err error) (*Wrapper, error) {
		if err != nil {
			// The gate state is unknown to us; an open gate with a live link
			// would keep delivering without an attachment.
			att.link.Abort()
			w.clearDetaching(att)
			g.logger.Warn("Gate close failed during detach", "wrapper", w.id, "attachment", id, "error", err)
			return nil, errors.Wrap(err, "Group", "Detach", "close gate")
		}

		select {
		case <-att.link.Drained():
		case <-g.in.Done():
		}

		g.logger.Info("Wrapper detached", "wrapper", w.id, "attachment", id)
		return w, nil
	}), nil
}

// Kill removes the attachment, aborts its link and terminates the wrapper
// without waiting for any gate activity. Once Kill returns no further item
// from the wrapper reaches this group's sink.
func (g *Group) Kill(id AttachmentID) error {
	att, err := g.remove(id, "Kill", func(w *Wrapper, _ *Attachment) {
		w.state = Terminated
	})
	if err != nil {
		return err
	}

	att.link.Abort()
	att.wrapper.term.Shutdown()

	g.logger.Info("Wrapper killed", "wrapper", att.wrapper.id, "attachment", id)
	return nil
}

// Close stops the group's fan-in. Remaining attachments are aborted.
func (g *Group) Close() {
	g.mu.Lock()
	atts := make([]*Attachment, 0, len(g.attachments))
	for id, att := range g.attachments {
		atts = append(atts, att)
		delete(g.attachments, id)
		att.wrapper.mu.Lock()
		if att.wrapper.attachment == att {
			att.wrapper.attachment = nil
		}
		att.wrapper.mu.Unlock()
	}
	g.mu.Unlock()

	for _, att := range atts {
		att.link.Abort()
	}
	g.in.Close()
}

// remove deletes the attachment and clears the wrapper's back-reference.
// mark runs under the same locks, so no other group can attach the wrapper
// before it has been marked.
func (g *Group) remove(id AttachmentID, method string, mark func(*Wrapper, *Attachment)) (*Attachment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	att, ok := g.attachments[id]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("attachment %s in group %s: %w", id, g.id, errors.ErrNotFound),
			"Group", method, "look up attachment")
	}
	delete(g.attachments, id)

	att.wrapper.mu.Lock()
	if att.wrapper.attachment == att {
		att.wrapper.attachment = nil
	}
	mark(att.wrapper, att)
	att.wrapper.mu.Unlock()

	return att, nil
}

// checkAttachable must be called with w.mu held. allowDetaching admits a
// wrapper whose detach is still taking its old link down.
func (g *Group) checkAttachable(w *Wrapper, method string, allowDetaching bool) error {
	if w.state == Terminated {
		return errors.WrapInvalid(
			fmt.Errorf("wrapper %s (%s) terminated: %w", w.id, w.name, errors.ErrInvalidState),
			"Group", method, "check wrapper state")
	}
	if w.attachment != nil {
		return errors.WrapInvalid(
			fmt.Errorf("wrapper %s (%s) already attached to %s: %w",
				w.id, w.name, w.attachment.group.id, errors.ErrInvalidState),
			"Group", method, "check wrapper state")
	}
	if w.detaching != nil && !allowDetaching {
		return errors.WrapInvalid(
			fmt.Errorf("wrapper %s (%s) is still detaching from %s: %w",
				w.id, w.name, w.detaching.group.id, errors.ErrInvalidState),
			"Group", method, "check wrapper state")
	}
	return nil
}

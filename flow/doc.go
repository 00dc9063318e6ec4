// Package flow is the in-process flow runtime that moves items from producers
// to sinks.
//
// # Overview
//
// The runtime exposes four primitives, each owned by a goroutine of its own:
//
//	producer ──> Gate ──> FanOut ──Link──> FanIn ──> Sink
//	              │                 Link──> FanIn ──> Sink
//	         Terminator
//
//   - Gate: pass/block control in front of a producer. Flip requests are
//     queued and applied one at a time by the gate's loop; each returns a
//     Pending that resolves once the transition is confirmed.
//   - Terminator: irreversible shutdown of a producer and its gate.
//   - FanOut: a single upstream endpoint that many Links can attach to over
//     time.
//   - FanIn: a merge point feeding one Sink from every connected Link.
//
// A pump goroutine pulls the producer while the gate is Open and publishes
// to the fan-out. While the gate is Closed the pump does not call Next, so a
// paused producer sees backpressure instead of an unbounded queue. Items with
// no live link are dropped at the fan-out.
//
// # Asynchronous Completion
//
// Operations that complete on the runtime's goroutines return a *Pending[T].
// Callers either Wait with a context or compose with Then and Handle, which
// run the continuation on a new goroutine so the caller is never blocked:
//
//	opened := flow.Then(gate.Flip(flow.Open), func(flow.Mode) (string, error) {
//	    return "ready", nil
//	})
//	msg, err := opened.Wait(ctx)
//
// # Link Shutdown
//
// A Link has two ways to end:
//
//   - Shutdown: stop accepting new items; items already queued at the fan-in
//     are still delivered. Drained closes once the last one reaches the sink.
//   - Abort: stop immediately. Queued items are discarded and Abort returns
//     only after any in-progress sink call for the link has finished, so no
//     delivery for that link starts afterwards.
//
// # Sinks
//
// A Sink is invoked on the fan-in's goroutine, one item at a time, in the
// order items were accepted. It must return promptly: a slow sink applies
// backpressure to every producer linked into that fan-in. A sink shared by
// several fan-ins must be safe for concurrent use.
package flow

// Package routing holds the producer wrappers and consumer groups that the
// control plane re-wires at runtime.
//
// A Wrapper owns one producer for its whole life together with the gate,
// terminator and fan-out endpoint the flow runtime created for it. A Group
// owns a fan-in feeding one sink and the registry of Attachments currently
// linked into it. An Attachment is the record of one live link; it is owned
// by its Group, and the Wrapper only keeps a back-reference to it.
//
// Lifecycle:
//
//	Unattached --Attach--> Attached --Detach--> Unattached
//	    any state --Kill/Terminate--> Terminated (terminal)
//
// The gate mode (open or closed) is orthogonal to attachment and is flipped
// independently with FlipGate.
//
// Locking: a Group's mutex is always taken before a Wrapper's. Wrapper
// methods that need a Group (Terminate on an attached wrapper) release the
// wrapper lock before calling into it.
//
// Errors:
//
//   - errors.ErrNotFound: the attachment id is not in the group.
//   - errors.ErrInvalidState: the wrapper is already attached or terminated.
//   - errors.ErrRuntimeRejected: the flow runtime refused a flip or connect,
//     typically because the producer stopped underneath the wrapper.
package routing

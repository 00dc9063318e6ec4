// Package controlplane is the orchestrator that callers drive to re-route
// producers between consumer groups at runtime.
//
// A Plane owns a flow runtime plus two registries: wrappers keyed by
// WrapperID and groups keyed by GroupID. Its verbs compose routing
// operations with the ordering the protocol needs:
//
//	RegisterProducer(name, producer, gate)   -> WrapperID
//	CreateGroup(name, sink)                  -> GroupID
//	Attach(wrapper, group)                   -> AttachmentID
//	AttachPaused(wrapper, group)             -> Pending[AttachmentID]  open gate, then attach
//	Detach(group, attachment)                -> Pending[WrapperID]     close gate, then drain link
//	Kill(group, attachment)                                            abort link, terminate
//	KillWrapper(wrapper)                                               terminate, attached or not
//
// No verb blocks on the runtime; verbs that depend on a gate flip return a
// flow.Pending. Unknown ids fail with errors.ErrNotFound, busy or
// terminated wrappers with errors.ErrInvalidState, and refusals from the
// runtime with errors.ErrRuntimeRejected. Nothing is retried.
//
// Terminated wrappers stay registered so later verbs against them keep
// failing with ErrInvalidState rather than ErrNotFound.
//
// Every verb is logged and, when a metrics registry is supplied, counted by
// verb and outcome under streamswitch_controlplane_*.
package controlplane

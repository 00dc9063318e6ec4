// Package gateway exposes the control plane to remote clients.
//
// The Dispatcher owns the request/reply protocol: it decodes a JSON request
// for one verb, runs it against the control plane, waits for pending
// results up to the configured timeout and encodes either the verb's reply
// or an ErrorReply. Transports only move bytes:
//
//	natsapi  <prefix>.<verb> request/reply subjects, worker-pool backed
//	http     POST <path>/<verb> on the metrics listener
//
// # Verbs
//
//	attach         {wrapper_id, group_id}       -> {attachment_id}
//	attach_paused  {wrapper_id, group_id}       -> {attachment_id}
//	detach         {group_id, attachment_id}    -> {wrapper_id}
//	kill           {group_id, attachment_id}    -> {}
//	kill_wrapper   {wrapper_id}                 -> {}
//	flip           {wrapper_id, mode}           -> {wrapper_id}
//	list           {}                           -> {wrappers, groups}
//
// Errors reply {error, code}. Codes come from errors.Code: not_found,
// invalid_state, runtime_rejected, bad_request, busy, timeout, internal.
package gateway

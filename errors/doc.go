// Package errors provides standardized error handling patterns for streamswitch.
//
// # Overview
//
// The package combines two things:
//
//   - The control-plane taxonomy: ErrNotFound (unknown attachment, wrapper or
//     group id), ErrInvalidState (attach on a busy or terminated wrapper, any
//     operation on a terminated wrapper) and ErrRuntimeRejected (the flow
//     runtime refused a gate flip or connect).
//   - A three-class classification (Transient, Invalid, Fatal) used by the
//     ambient layers such as configuration loading and the NATS connection.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Component", "Method", "action")
//	errors.WrapInvalid(err, "Component", "Method", "action")
//	errors.WrapFatal(err, "Component", "Method", "action")
//
// Sentinels survive wrapping, so callers of control-plane verbs check the
// outcome with the standard library:
//
//	if _, err := plane.Attach(wrapperID, groupID); errors.Is(err, errors.ErrInvalidState) {
//	    // wrapper is busy or terminated
//	}
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and the ClassifiedError type is safe to share across
// goroutines after creation.
package errors

// Package buffer provides a generic, thread-safe bounded buffer whose
// overflow policy drops items instead of blocking the writer.
//
// Live producers write into a CircularBuffer from callbacks they do not
// control (a NATS subscription, a ticker). When nobody reads, because the
// producer's gate is closed, the buffer stays at capacity and the overflow
// policy decides what is lost; memory never grows.
//
//	buf, _ := buffer.NewCircularBuffer[flow.Item](256,
//	    buffer.WithOverflowPolicy[flow.Item](buffer.DropOldest),
//	    buffer.WithMetrics[flow.Item](registry, "natsin_sensors"))
//
// Readers wait on Notify and drain with Read. Statistics are always
// collected; Prometheus metrics are optional.
package buffer

// Buffer is a bounded FIFO of T.
type Buffer[T any] interface {
	// Write adds an item. A full buffer applies its overflow policy.
	Write(item T) error

	// Read removes and returns the oldest item, or false if empty.
	Read() (T, bool)

	// Notify receives a signal after writes. Signals coalesce, so a reader
	// must drain with Read until empty after each one.
	Notify() <-chan struct{}

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes. Items already buffered can still be read.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	default:
		return "unknown"
	}
}

// DropCallback is called outside the buffer lock with each dropped item.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Returns an error if metrics were requested and registration failed.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}

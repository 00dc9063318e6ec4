package flow

import (
	"context"
	"encoding/json"
	"time"
)

// Item is one unit of data moving through the runtime.
type Item struct {
	// Source names the producer that emitted the item.
	Source string `json:"source"`
	// Seq is the producer's own position in its output, starting at 1.
	Seq uint64 `json:"seq"`
	// Payload is opaque to the runtime.
	Payload any `json:"payload"`
	// Produced is when the producer emitted the item.
	Produced time.Time `json:"produced"`
}

// Producer is a continuously-producing data source. Next blocks until an
// item is available; io.EOF ends the producer. A producer that also
// implements io.Closer is closed when its pump exits.
type Producer interface {
	Next(ctx context.Context) (Item, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context) (Item, error)

// Next calls f.
func (f ProducerFunc) Next(ctx context.Context) (Item, error) {
	return f(ctx)
}

// Sink receives delivered items on the fan-in's goroutine.
type Sink func(ctx context.Context, item Item)

// RawPayload keeps a JSON body as raw JSON and anything else as text.
func RawPayload(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return string(data)
}

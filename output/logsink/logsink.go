// Package logsink provides a consumer-group sink that writes each
// delivered item to a structured logger.
package logsink

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/c360/streamswitch/flow"
)

// Sink logs items for one group.
type Sink struct {
	group  string
	level  slog.Level
	logger *slog.Logger
	count  atomic.Int64
}

// New creates a log sink for group at level. A nil logger uses slog.Default().
func New(group string, level slog.Level, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		group:  group,
		level:  level,
		logger: logger.With("component", "logsink", "group", group),
	}
}

// Sink returns the delivery function to hand to a consumer group.
func (s *Sink) Sink() flow.Sink {
	return s.Deliver
}

// Deliver logs one item.
func (s *Sink) Deliver(ctx context.Context, item flow.Item) {
	s.count.Add(1)
	s.logger.Log(ctx, s.level, "Item delivered",
		"source", item.Source,
		"seq", item.Seq,
		"payload", item.Payload,
		"produced", item.Produced)
}

// Count returns how many items were logged.
func (s *Sink) Count() int64 {
	return s.count.Load()
}

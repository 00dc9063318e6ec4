package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/flow"
)

func TestSink_LogsItemFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	s := New("alpha", slog.LevelInfo, logger)
	s.Sink()(context.Background(), flow.Item{Source: "ticker", Seq: 3, Payload: 3, Produced: time.Now()})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Item delivered", entry["msg"])
	assert.Equal(t, "alpha", entry["group"])
	assert.Equal(t, "ticker", entry["source"])
	assert.Equal(t, 3.0, entry["seq"])
	assert.Equal(t, int64(1), s.Count())
}

func TestSink_RespectsHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	s := New("quiet", slog.LevelDebug, logger)
	s.Deliver(context.Background(), flow.Item{Source: "p", Seq: 1})

	assert.Empty(t, buf.String())
	assert.Equal(t, int64(1), s.Count())
}

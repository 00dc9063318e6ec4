package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/metric"
)

func startOutput(t *testing.T, cfg Config, registry *metric.Registry) (*Output, string) {
	t.Helper()
	out, err := New(cfg, registry, nil)
	require.NoError(t, err)

	server := httptest.NewServer(out)
	t.Cleanup(func() {
		_ = out.Close()
		server.Close()
	})
	return out, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Config{Name: "g", QueueSize: -1}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	out, err := New(Config{Name: "g"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 64, out.cfg.QueueSize)
	assert.Equal(t, pingPeriod, out.cfg.PingPeriod)
}

func TestOutput_BroadcastsToAllClients(t *testing.T) {
	registry := metric.NewRegistry()
	out, url := startOutput(t, Config{Name: "alpha"}, registry)

	first := dial(t, url)
	second := dial(t, url)
	require.Eventually(t, func() bool { return out.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(out.metrics.clientsConnected))

	out.Sink()(context.Background(), flow.Item{Source: "tick", Seq: 7, Payload: "hello"})

	for _, conn := range []*websocket.Conn{first, second} {
		env := readEnvelope(t, conn)
		assert.Equal(t, "data", env.Type)
		assert.Equal(t, "alpha-1", env.ID)
		assert.Equal(t, "tick", env.Payload.Source)
		assert.Equal(t, uint64(7), env.Payload.Seq)
		assert.Equal(t, "hello", env.Payload.Payload)
	}

	require.Eventually(t, func() bool { return out.Sent() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestOutput_ClientDisconnectIsRemoved(t *testing.T) {
	out, url := startOutput(t, Config{Name: "beta"}, nil)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return out.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return out.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Delivering with nobody connected is a no-op.
	out.Deliver(context.Background(), flow.Item{Source: "s", Seq: 1})
	assert.Zero(t, out.Dropped())
}

func TestOutput_FullQueueDrops(t *testing.T) {
	out, err := New(Config{Name: "slow", QueueSize: 1}, nil, nil)
	require.NoError(t, err)

	// A registered client whose writer never runs.
	info := &clientInfo{send: make(chan []byte, 1), done: make(chan struct{})}
	out.clients[info] = struct{}{}

	out.Deliver(context.Background(), flow.Item{Source: "s", Seq: 1})
	out.Deliver(context.Background(), flow.Item{Source: "s", Seq: 2})
	out.Deliver(context.Background(), flow.Item{Source: "s", Seq: 3})

	assert.Len(t, info.send, 1)
	assert.Equal(t, int64(2), out.Dropped())
}

func TestOutput_CloseDisconnectsAndRejects(t *testing.T) {
	out, err := New(Config{Name: "gamma"}, nil, nil)
	require.NoError(t, err)
	server := httptest.NewServer(out)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn := dial(t, url)
	require.Eventually(t, func() bool { return out.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, out.Close())
	assert.Zero(t, out.Clients())
	require.NoError(t, out.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOutput_CheckOrigin(t *testing.T) {
	out, err := New(Config{Name: "o", AllowOrigin: []string{"https://ops.example"}}, nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ops.example")
	assert.True(t, out.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, out.checkOrigin(req))
}

func TestNew_DuplicateMetricsFail(t *testing.T) {
	registry := metric.NewRegistry()
	_, err := New(Config{Name: "dup"}, registry, nil)
	require.NoError(t, err)

	_, err = New(Config{Name: "dup"}, registry, nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestClose_FreesMetricsForNextSink(t *testing.T) {
	registry := metric.NewRegistry()
	out, err := New(Config{Name: "live"}, registry, nil)
	require.NoError(t, err)
	assert.Len(t, registry.Owned("websocket_live"), 4)

	require.NoError(t, out.Close())
	assert.Empty(t, registry.Owned("websocket_live"))

	next, err := New(Config{Name: "live"}, registry, nil)
	require.NoError(t, err)
	require.NoError(t, next.Close())
}

package natsclient

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/config"
	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
	"github.com/c360/streamswitch/pkg/tlsutil"
	sstest "github.com/c360/streamswitch/testutil"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient_Defaults(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, time.Second, client.Backoff())
	assert.Nil(t, client.Conn())

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, client.Publish("x", nil), ErrNotConnected)
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://127.0.0.1:4222", WithReconnectWait(-time.Second))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFromConfig(t *testing.T) {
	opts, err := FromConfig(config.NATSConfig{
		URL:            "nats://127.0.0.1:4222",
		Name:           "streamswitch",
		MaxReconnects:  3,
		ReconnectWait:  config.Duration(250 * time.Millisecond),
		ConnectTimeout: config.Duration(2 * time.Second),
		Username:       "ops",
		Password:       "secret",
	})
	require.NoError(t, err)

	client, err := NewClient("nats://127.0.0.1:4222", opts...)
	require.NoError(t, err)
	assert.Equal(t, "streamswitch", client.clientName)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, 250*time.Millisecond, client.reconnectWait)
	assert.Equal(t, 2*time.Second, client.timeout)
	assert.Equal(t, "ops", client.username)
	assert.Empty(t, client.token)
	assert.Nil(t, client.tlsConfig)

	_, err = FromConfig(config.NATSConfig{
		TLS: tlsutil.ClientConfig{Enabled: true, CAFiles: []string{"/nonexistent/ca.pem"}},
	})
	assert.Error(t, err)
}

func TestClient_ConnectPublishSubscribe(t *testing.T) {
	ns, _ := sstest.StartEmbeddedNATS(t)
	registry := metric.NewRegistry()

	var healthy atomic.Bool
	client, err := NewClient(ns.ClientURL(),
		WithName("test"),
		WithHealthInterval(20*time.Millisecond),
		WithMetrics(registry),
		WithHealthChangeCallback(func(h bool) { healthy.Store(h) }),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.WaitForConnection(ctx))

	assert.True(t, client.IsHealthy())
	assert.Eventually(t, healthy.Load, time.Second, 10*time.Millisecond)
	assertNATSConnected(t, registry, 1)

	received := make(chan []byte, 1)
	_, err = client.Subscribe("test.subject", func(msg *nats.Msg) {
		received <- msg.Data
	})
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.Publish("test.subject", []byte("hello")))
	select {
	case data := <-received:
		assert.Equal(t, []byte("hello"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
	assert.Equal(t, StatusDisconnected, client.Status())
	assertNATSConnected(t, registry, 0)

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClient_CircuitBreakerOpensAfterThreshold(t *testing.T) {
	// Nothing listens on this port.
	client, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2),
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx := context.Background()
	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, client.Status())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, 2*time.Second, client.Backoff())

	assert.ErrorIs(t, client.Connect(ctx), ErrCircuitOpen)

	// The first backoff is one second; the circuit half-opens after it.
	assert.Eventually(t, func() bool {
		return client.Status() == StatusDisconnected
	}, 3*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(2), client.GetStatus().FailureCount)
}

func TestClient_ConnectCancelled(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1", WithTimeout(time.Second), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func assertNATSConnected(t *testing.T, registry *metric.Registry, want int) {
	t.Helper()
	expected := fmt.Sprintf(`# HELP streamswitch_nats_connected 1 while the NATS connection is up
# TYPE streamswitch_nats_connected gauge
streamswitch_nats_connected %d
`, want)
	assert.NoError(t, testutil.GatherAndCompare(registry.PrometheusRegistry(),
		strings.NewReader(expected), "streamswitch_nats_connected"))
}

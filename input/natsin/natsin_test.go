package natsin

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
	sstest "github.com/c360/streamswitch/testutil"
)

func newInput(t *testing.T, nc *nats.Conn, size int) *Input {
	t.Helper()
	in, err := New(nc, Config{Name: "sensors", Subject: "sensors.temp", BufferSize: size}, metric.NewRegistry(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = in.Close() })
	require.NoError(t, nc.Flush())
	return in
}

func publish(t *testing.T, nc *nats.Conn, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		require.NoError(t, nc.Publish("sensors.temp", []byte(b)))
	}
	require.NoError(t, nc.Flush())
}

func TestNew_Validation(t *testing.T) {
	_, nc := sstest.StartEmbeddedNATS(t)

	_, err := New(nil, Config{Name: "a", Subject: "b"}, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(nc, Config{Name: "a"}, nil, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestInput_DeliversInOrderWithPayloads(t *testing.T) {
	_, nc := sstest.StartEmbeddedNATS(t)
	in := newInput(t, nc, 16)

	publish(t, nc, `{"c":21.5}`, "plain text")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := in.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sensors", first.Source)
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, json.RawMessage(`{"c":21.5}`), first.Payload)
	assert.False(t, first.Produced.IsZero())

	second, err := in.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "plain text", second.Payload)
}

func TestInput_UnreadMessagesDropOldest(t *testing.T) {
	_, nc := sstest.StartEmbeddedNATS(t)
	in := newInput(t, nc, 2)

	publish(t, nc, "1", "2", "3", "4", "5")
	require.Eventually(t, func() bool { return in.Stats().Writes() == 5 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := in.Next(ctx)
	require.NoError(t, err)
	b, err := in.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{4, 5}, []uint64{a.Seq, b.Seq})
	assert.Equal(t, int64(3), in.Stats().Drops())
	assert.Equal(t, uint64(5), in.Received())
}

func TestInput_NextBlocksUntilMessageOrCancel(t *testing.T) {
	_, nc := sstest.StartEmbeddedNATS(t)
	in := newInput(t, nc, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := in.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = nc.Publish("sensors.temp", []byte("late"))
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	item, err := in.Next(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "late", item.Payload)
}

func TestInput_CloseEndsProducer(t *testing.T) {
	_, nc := sstest.StartEmbeddedNATS(t)
	in := newInput(t, nc, 4)

	done := make(chan error, 1)
	go func() {
		_, err := in.Next(context.Background())
		done <- err
	}()

	require.NoError(t, in.Close())
	require.NoError(t, in.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/errors"
	"github.com/c360/streamswitch/metric"
)

const eventually = 2 * time.Second

func TestRuntime_ClosedGateHoldsPullDrivenProducer(t *testing.T) {
	rt := newTestRuntime(t)
	c := &collector{}

	gate, _, out, err := rt.CreateGatedFanOut("range", Range("range", 1, 5), Closed)
	require.NoError(t, err)
	in, err := rt.CreateFanIn("sink", c.sink)
	require.NoError(t, err)
	_, err = rt.Connect(out, in)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, c.len(), "closed gate must not deliver")

	waitFlip(t, gate.Flip(Open))
	require.Eventually(t, func() bool { return c.len() == 5 }, eventually, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, payloads(c.snapshot()))

	for i, item := range c.snapshot() {
		assert.Equal(t, "range", item.Source)
		assert.Equal(t, uint64(i+1), item.Seq)
		assert.False(t, item.Produced.IsZero())
	}
}

func TestRuntime_ConfirmedCloseStopsDelivery(t *testing.T) {
	rt := newTestRuntime(t)
	c := &collector{}

	gate, term, out, err := rt.CreateGatedFanOut("ticks", NewTicker("ticks", 2*time.Millisecond), Closed)
	require.NoError(t, err)
	defer term.Shutdown()
	in, err := rt.CreateFanIn("sink", c.sink)
	require.NoError(t, err)
	_, err = rt.Connect(out, in)
	require.NoError(t, err)

	waitFlip(t, gate.Flip(Open))
	require.Eventually(t, func() bool { return c.len() >= 3 }, eventually, 2*time.Millisecond)

	waitFlip(t, gate.Flip(Closed))
	// Items already inside the fan-in may still land; give them time.
	time.Sleep(20 * time.Millisecond)
	settled := c.len()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, c.len(), "no deliveries after a confirmed close")
}

func TestRuntime_ReopenedTickerSkipsStaleItems(t *testing.T) {
	rt := newTestRuntime(t)
	c := &collector{}

	ticker := NewTicker("ticks", 2*time.Millisecond)
	gate, term, out, err := rt.CreateGatedFanOut("ticks", ticker, Closed)
	require.NoError(t, err)
	defer term.Shutdown()
	in, err := rt.CreateFanIn("sink", c.sink)
	require.NoError(t, err)
	_, err = rt.Connect(out, in)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	before := ticker.Produced()
	require.Greater(t, before, uint64(3))

	waitFlip(t, gate.Flip(Open))
	require.Eventually(t, func() bool { return c.len() >= 2 }, eventually, 2*time.Millisecond)

	// The ticker kept counting while closed; nothing produced then is replayed.
	first := c.snapshot()[0]
	assert.Greater(t, first.Seq, before)
}

func TestRuntime_ProducerExhaustionTerminates(t *testing.T) {
	rt := newTestRuntime(t)
	c := &collector{}

	gate, term, out, err := rt.CreateGatedFanOut("short", Range("short", 1, 3), Closed)
	require.NoError(t, err)
	in, err := rt.CreateFanIn("sink", c.sink)
	require.NoError(t, err)
	_, err = rt.Connect(out, in)
	require.NoError(t, err)

	waitFlip(t, gate.Flip(Open))

	select {
	case <-term.Done():
	case <-time.After(eventually):
		t.Fatal("pump did not exit after producer ended")
	}
	assert.True(t, term.Terminated())
	require.Eventually(t, func() bool { return c.len() == 3 }, eventually, 5*time.Millisecond)

	_, err = gate.Flip(Closed).Wait(context.Background())
	assert.True(t, errors.IsRuntimeRejected(err))

	_, err = rt.Connect(out, in)
	assert.True(t, errors.IsRuntimeRejected(err))
}

func TestTerminator_ShutdownIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)

	ticker := NewTicker("ticks", time.Millisecond)
	gate, term, _, err := rt.CreateGatedFanOut("ticks", ticker, Open)
	require.NoError(t, err)

	term.Shutdown()
	term.Shutdown()

	select {
	case <-term.Done():
	case <-time.After(eventually):
		t.Fatal("pump did not exit")
	}

	_, err = gate.Flip(Open).Wait(context.Background())
	assert.True(t, errors.IsRuntimeRejected(err))

	// The pump closes the producer on exit.
	produced := ticker.Produced()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, produced, ticker.Produced())
}

func TestLink_ShutdownDrainsAndLeavesOthersRunning(t *testing.T) {
	rt := newTestRuntime(t)
	a, b := &collector{}, &collector{}

	gate, term, out, err := rt.CreateGatedFanOut("ticks", NewTicker("ticks", 2*time.Millisecond), Closed)
	require.NoError(t, err)
	defer term.Shutdown()

	inA, err := rt.CreateFanIn("a", a.sink)
	require.NoError(t, err)
	inB, err := rt.CreateFanIn("b", b.sink)
	require.NoError(t, err)

	linkA, err := rt.Connect(out, inA)
	require.NoError(t, err)
	_, err = rt.Connect(out, inB)
	require.NoError(t, err)
	assert.Equal(t, 2, out.LiveLinks())

	waitFlip(t, gate.Flip(Open))
	require.Eventually(t, func() bool { return a.len() >= 2 && b.len() >= 2 }, eventually, 2*time.Millisecond)

	linkA.Shutdown()
	select {
	case <-linkA.Drained():
	case <-time.After(eventually):
		t.Fatal("link did not drain")
	}
	assert.False(t, linkA.Live())
	assert.Equal(t, 1, out.LiveLinks())
	assert.Equal(t, uint64(2), out.ConnectedTotal())

	countA, countB := a.len(), b.len()
	require.Eventually(t, func() bool { return b.len() > countB+2 }, eventually, 2*time.Millisecond)
	assert.Equal(t, countA, a.len())
}

func TestLink_AbortWaitsForInFlightSink(t *testing.T) {
	rt := newTestRuntime(t)

	var inSink atomic.Bool
	var calls atomic.Int64
	entered := make(chan struct{}, 1)
	sink := func(_ context.Context, _ Item) {
		inSink.Store(true)
		calls.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		inSink.Store(false)
	}

	gate, term, out, err := rt.CreateGatedFanOut("range", Range("range", 1, 1000), Closed)
	require.NoError(t, err)
	defer term.Shutdown()
	in, err := rt.CreateFanIn("slow", sink)
	require.NoError(t, err)
	link, err := rt.Connect(out, in)
	require.NoError(t, err)

	waitFlip(t, gate.Flip(Open))
	<-entered

	link.Abort()
	assert.False(t, inSink.Load(), "abort returned during a sink call")

	select {
	case <-link.Drained():
	case <-time.After(eventually):
		t.Fatal("aborted link did not report drained")
	}

	n := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestFanIn_MergesProducers(t *testing.T) {
	rt := newTestRuntime(t)
	c := &collector{}

	in, err := rt.CreateFanIn("merged", c.sink)
	require.NoError(t, err)

	var gates []*Gate
	for _, name := range []string{"p1", "p2"} {
		gate, _, out, err := rt.CreateGatedFanOut(name, Range(name, 1, 10), Closed)
		require.NoError(t, err)
		_, err = rt.Connect(out, in)
		require.NoError(t, err)
		gates = append(gates, gate)
	}
	for _, g := range gates {
		waitFlip(t, g.Flip(Open))
	}

	require.Eventually(t, func() bool { return c.len() == 20 }, eventually, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, payloads(c.fromSource("p1")))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, payloads(c.fromSource("p2")))
}

func TestFanIn_SinkPanicIsContained(t *testing.T) {
	rt := newTestRuntime(t)

	var mu sync.Mutex
	var seen []int
	sink := func(_ context.Context, item Item) {
		v := item.Payload.(int)
		if v == 2 {
			panic("bad item")
		}
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}

	gate, _, out, err := rt.CreateGatedFanOut("range", Range("range", 1, 4), Closed)
	require.NoError(t, err)
	in, err := rt.CreateFanIn("panicky", sink)
	require.NoError(t, err)
	_, err = rt.Connect(out, in)
	require.NoError(t, err)
	waitFlip(t, gate.Flip(Open))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, eventually, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 3, 4}, seen)
	mu.Unlock()
}

func TestRuntime_ConnectToClosedFanInRejected(t *testing.T) {
	rt := newTestRuntime(t)

	_, term, out, err := rt.CreateGatedFanOut("range", Range("range", 1, 1), Closed)
	require.NoError(t, err)
	defer term.Shutdown()

	in, err := rt.CreateFanIn("gone", func(context.Context, Item) {})
	require.NoError(t, err)
	in.Close()
	in.Close()

	_, err = rt.Connect(out, in)
	assert.True(t, errors.IsRuntimeRejected(err))
}

func TestRuntime_RejectsInvalidArguments(t *testing.T) {
	rt := newTestRuntime(t)

	_, _, _, err := rt.CreateGatedFanOut("nil", nil, Open)
	assert.True(t, errors.IsInvalid(err))

	_, err = rt.CreateFanIn("nil", nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = rt.Connect(nil, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestRuntime_CloseStopsEverything(t *testing.T) {
	rt, err := NewRuntime()
	require.NoError(t, err)

	_, term, _, err := rt.CreateGatedFanOut("ticks", NewTicker("ticks", time.Millisecond), Open)
	require.NoError(t, err)
	in, err := rt.CreateFanIn("sink", func(context.Context, Item) {})
	require.NoError(t, err)

	require.NoError(t, rt.Close(eventually))
	require.NoError(t, rt.Close(eventually))

	assert.True(t, term.Terminated())
	select {
	case <-in.Done():
	default:
		t.Fatal("fan-in still running after runtime close")
	}

	_, _, _, err = rt.CreateGatedFanOut("late", Range("late", 1, 1), Open)
	assert.True(t, errors.IsRuntimeRejected(err))
}

func TestRuntime_Metrics(t *testing.T) {
	registry := metric.NewRegistry()
	rt := newTestRuntime(t, WithMetricsRegistry(registry), WithFanInBuffer(8))
	c := &collector{}

	gate, _, out, err := rt.CreateGatedFanOut("range", Range("range", 1, 3), Closed)
	require.NoError(t, err)
	in, err := rt.CreateFanIn("sink", c.sink)
	require.NoError(t, err)
	link, err := rt.Connect(out, in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(rt.metrics.links))

	waitFlip(t, gate.Flip(Open))
	require.Eventually(t, func() bool { return c.len() == 3 }, eventually, 5*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(rt.metrics.pulled.WithLabelValues("range")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rt.metrics.delivered.WithLabelValues("sink")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rt.metrics.flips.WithLabelValues("range", "open", "applied")))

	link.Shutdown()
	assert.Equal(t, 0.0, testutil.ToFloat64(rt.metrics.links))

	// A second runtime on the same registry collides.
	_, err = NewRuntime(WithMetricsRegistry(registry))
	assert.True(t, errors.IsFatal(err))
}

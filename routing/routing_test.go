package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/streamswitch/flow"
	"github.com/c360/streamswitch/testutil"
)

const (
	tick    = 5 * time.Millisecond
	timeout = 3 * time.Second
)

func newRuntime(t *testing.T) *flow.Runtime {
	t.Helper()
	rt, err := flow.NewRuntime()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Close(5*time.Second))
	})
	return rt
}

func newGroup(t *testing.T, rt *flow.Runtime, name string, sink flow.Sink) *Group {
	t.Helper()
	g, err := NewGroup(rt, name, sink, nil)
	require.NoError(t, err)
	return g
}

func newTicker(t *testing.T, rt *flow.Runtime, name string, initial flow.Mode) *Wrapper {
	t.Helper()
	w, err := NewWrapper(rt, name, flow.NewTicker(name, tick), initial, nil)
	require.NoError(t, err)
	return w
}

func await[T any](t *testing.T, p *flow.Pending[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Wait(ctx)
}

func mustAwait[T any](t *testing.T, p *flow.Pending[T]) T {
	t.Helper()
	v, err := await(t, p)
	require.NoError(t, err)
	return v
}

func newRange(t *testing.T, rt *flow.Runtime, name string, initial flow.Mode) *Wrapper {
	t.Helper()
	w, err := NewWrapper(rt, name, flow.Range(name, 1, 1_000_000), initial, nil)
	require.NoError(t, err)
	return w
}

// requireHandover checks that no item from source reached both collectors
// and that everything before reached before everything after.
func requireHandover(t *testing.T, before, after *testutil.Collector, source string) {
	t.Helper()
	seen := make(map[uint64]bool)
	var last uint64
	for _, seq := range before.Seqs(source) {
		seen[seq] = true
		last = max(last, seq)
	}
	afterSeqs := after.Seqs(source)
	require.NotEmpty(t, afterSeqs)
	first := afterSeqs[0]
	for _, seq := range afterSeqs {
		require.False(t, seen[seq], "seq %d delivered to both groups", seq)
		first = min(first, seq)
	}
	require.Less(t, last, first)
}

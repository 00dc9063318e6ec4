package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collector is a Sink that records every item it receives.
type collector struct {
	mu    sync.Mutex
	items []Item
}

func (c *collector) sink(_ context.Context, item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

func (c *collector) snapshot() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.items))
	copy(out, c.items)
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collector) fromSource(source string) []Item {
	var out []Item
	for _, item := range c.snapshot() {
		if item.Source == source {
			out = append(out, item)
		}
	}
	return out
}

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := NewRuntime(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rt.Close(5*time.Second))
	})
	return rt
}

func waitFlip(t *testing.T, p *Pending[Mode]) Mode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mode, err := p.Wait(ctx)
	require.NoError(t, err)
	return mode
}

func payloads(items []Item) []int {
	out := make([]int, 0, len(items))
	for _, item := range items {
		out = append(out, item.Payload.(int))
	}
	return out
}

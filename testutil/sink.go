package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360/streamswitch/flow"
)

// Collector is a flow.Sink that records what it receives.
type Collector struct {
	mu    sync.Mutex
	items []flow.Item
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Sink records item. Pass c.Sink wherever a flow.Sink is expected.
func (c *Collector) Sink(_ context.Context, item flow.Item) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
}

// Items returns a copy of everything received so far.
func (c *Collector) Items() []flow.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]flow.Item, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of items received.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Seqs returns the sequence numbers received from source, in arrival order.
func (c *Collector) Seqs(source string) []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seqs []uint64
	for _, item := range c.items {
		if item.Source == source {
			seqs = append(seqs, item.Seq)
		}
	}
	return seqs
}

// CountFrom returns how many items came from source.
func (c *Collector) CountFrom(source string) int {
	return len(c.Seqs(source))
}

// StrictlyIncreasing reports whether source's items arrived in strictly
// increasing sequence order, which rules out both reordering and
// duplicates.
func (c *Collector) StrictlyIncreasing(source string) bool {
	seqs := c.Seqs(source)
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			return false
		}
	}
	return true
}

// WaitForCount fails the test if fewer than n items arrive within timeout.
func (c *Collector) WaitForCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Len() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d items, got %d", n, c.Len())
}

// WaitForSource fails the test if fewer than n items from source arrive
// within timeout.
func (c *Collector) WaitForSource(t *testing.T, source string, n int, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.CountFrom(source) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d items from %s, got %d", n, source, c.CountFrom(source))
}

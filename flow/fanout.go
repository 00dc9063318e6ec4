package flow

import (
	"context"
	"sync"
)

// FanOut is a producer's output endpoint. Any number of Links may be
// connected to it over its lifetime; every live link receives every item.
type FanOut struct {
	name string

	mu        sync.RWMutex
	links     map[*Link]struct{}
	connected uint64
	closed    bool
}

func newFanOut(name string) *FanOut {
	return &FanOut{
		name:  name,
		links: make(map[*Link]struct{}),
	}
}

// Name returns the producer name.
func (o *FanOut) Name() string {
	return o.name
}

// LiveLinks returns the number of links currently connected.
func (o *FanOut) LiveLinks() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.links)
}

// ConnectedTotal returns how many links have ever been connected.
func (o *FanOut) ConnectedTotal() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.connected
}

func (o *FanOut) add(l *Link) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.links[l] = struct{}{}
	o.connected++
	return true
}

func (o *FanOut) remove(l *Link) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.links, l)
}

func (o *FanOut) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
}

// publish offers item to every live link and returns how many accepted it.
func (o *FanOut) publish(ctx context.Context, item Item) int {
	o.mu.RLock()
	links := make([]*Link, 0, len(o.links))
	for l := range o.links {
		links = append(links, l)
	}
	o.mu.RUnlock()

	accepted := 0
	for _, l := range links {
		if l.offer(ctx, item) {
			accepted++
		}
	}
	return accepted
}

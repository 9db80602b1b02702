// Package offline tracks connectivity, serves cached reads while offline, and
// retries retryable failures with bounded backoff.
package offline

import "sync"

// Connectivity is the ambient online/offline signal.
type Connectivity struct {
	mu     sync.Mutex
	online bool
	next   int
	subs   map[int]func(online bool)
}

// NewConnectivity creates a signal with the given initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline updates the state and notifies subscribers on a change.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	handlers := make([]func(bool), 0, len(c.subs))
	for _, h := range c.subs {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(online)
	}
}

// OnChange registers h for state changes and returns its removal func.
func (c *Connectivity) OnChange(h func(online bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Package events delivers conversation events to UI subscribers.
package events

import (
	"sync"
	"time"

	"github.com/ashureev/chatlink/internal/domain"
	"github.com/google/uuid"
)

// Type names an event kind.
type Type string

const (
	StateChanged     Type = "state-changed"
	MessageAppended  Type = "message-appended"
	MessageUpdated   Type = "message-updated"
	ConnectionStatus Type = "connection-status"
	SessionLost      Type = "session-lost"
	Error            Type = "error"
)

// Connection describes a connection-status event.
type Connection struct {
	Endpoint string                  `json:"endpoint"`
	Status   domain.ConnectionStatus `json:"status"`
	Attempt  int                     `json:"attempt"`
}

// Failure is the payload of an error event.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Event is what subscribers receive. Only the field matching Type is set.
type Event struct {
	ID         string                    `json:"id"`
	Type       Type                      `json:"type"`
	Timestamp  time.Time                 `json:"timestamp"`
	State      *domain.ConversationState `json:"state,omitempty"`
	Message    *domain.ChatMessage       `json:"message,omitempty"`
	Connection *Connection               `json:"connection,omitempty"`
	Failure    *Failure                  `json:"failure,omitempty"`
	Reason     string                    `json:"reason,omitempty"`
}

// Handler receives events. It runs on the publisher's goroutine and must not
// block or publish back into the same bus.
type Handler func(Event)

type subscriber struct {
	id int
	fn Handler
}

// Bus fans events out to handlers synchronously, in publish order.
type Bus struct {
	mu     sync.Mutex
	subs   []subscriber
	nextID int
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers h and returns a function removing it. Calling the returned
// function more than once is a no-op.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish stamps e and delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}

	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}

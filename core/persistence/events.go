package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
)

// EventType names a connection or statement event.
type EventType string

const (
	EventConnected         EventType = "connection:connected"
	EventDisconnected      EventType = "connection:disconnected"
	EventConnectionFailed  EventType = "connection:failed"
	EventConnectionLost    EventType = "connection:lost"
	EventStatementExecuted EventType = "statement:executed"
	EventStatementFailed   EventType = "statement:failed"
	EventCacheInvalidated  EventType = "cache:invalidated"
)

// Event is published on the connection's event bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Database  string
	Dialect   string
	Table     string
	Command   string
	Args      []any
	Rows      int64
	Duration  time.Duration
	Error     string
}

// Handler receives events. Returned errors are reported by the bus and do
// not affect the publisher.
type Handler func(ctx context.Context, event Event) error

type subscription struct {
	event       EventType
	unsubscribe func()
}

// bus wraps the typed event bus with id based subscriptions.
type bus struct {
	events *events.TypedEventBus[Event]
	mu     sync.Mutex
	subs   map[string]subscription

	closeOnce sync.Once
	closeErr  error
}

func newBus() (*bus, error) {
	b, err := events.NewTypedEventBus[Event](events.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	return &bus{events: b, subs: make(map[string]subscription)}, nil
}

func (b *bus) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.events.Emit(string(event.Type), event)
}

func (b *bus) subscribe(event EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[id] = subscription{event: event, unsubscribe: b.events.Subscribe(string(event), handler)}
	return id
}

func (b *bus) unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if ok {
		sub.unsubscribe()
		delete(b.subs, id)
	}
	return ok
}

func (b *bus) unsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		sub.unsubscribe()
		delete(b.subs, id)
	}
}

// close drops every subscription and stops the bus workers. Later emits are
// discarded.
func (b *bus) close() error {
	b.closeOnce.Do(func() {
		b.unsubscribeAll()
		b.closeErr = b.events.Close()
	})
	return b.closeErr
}

package events

import (
	"slices"
	"sync"
	"time"
)

// EventType names something that happened to a store or its worker.
type EventType string

const (
	RecordAdded     EventType = "record_added"
	RecordIndexed   EventType = "record_indexed"
	RecordFailed    EventType = "record_failed"
	RecordsRequeued EventType = "records_requeued"
	StoreFlushed    EventType = "store_flushed"
	StoreCreated    EventType = "store_created"
	StoreDeleted    EventType = "store_deleted"
	StoreSwitched   EventType = "store_switched"
	WorkerStarted   EventType = "worker_started"
	WorkerStopped   EventType = "worker_stopped"
	WorkerBackoff   EventType = "worker_backoff"
)

// Event is one notification. StoreID is empty only for events that concern
// no particular store.
type Event struct {
	Type      EventType
	Timestamp time.Time
	StoreID   string
	Data      map[string]interface{}
}

// Handler is a function that handles events.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   []EventType // empty matches every type
	handler Handler
}

func (s subscription) matches(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Bus fans store, worker and registry events out to subscribers.
// Handlers run synchronously on the publishing goroutine, so they must not
// block or call back into the component that published.
// A nil *Bus is valid and drops every event.
type Bus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]Handler
	allHandlers []Handler
	byStore     map[string][]subscription
	nextID      uint64
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		byStore:  make(map[string][]subscription),
	}
}

// Subscribe registers a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// SubscribeStore registers a handler for the events of one store, limited to
// types when any are given. The returned func removes it; calling it again is
// a no-op.
func (b *Bus) SubscribeStore(storeID string, handler Handler, types ...EventType) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byStore[storeID] = append(b.byStore[storeID], subscription{id: id, types: types, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := slices.DeleteFunc(b.byStore[storeID], func(s subscription) bool { return s.id == id })
		if len(subs) == 0 {
			delete(b.byStore, storeID)
			return
		}
		b.byStore[storeID] = subs
	}
}

// Publish sends an event to all registered handlers: type handlers first,
// then handlers of the event's store, then catch-all handlers.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, handler := range b.handlers[event.Type] {
		handler(event)
	}
	if event.StoreID != "" {
		for _, sub := range b.byStore[event.StoreID] {
			if sub.matches(event.Type) {
				sub.handler(event)
			}
		}
	}
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// PublishSimple publishes an event without additional data.
func (b *Bus) PublishSimple(eventType EventType, storeID string) {
	b.Publish(Event{
		Type:    eventType,
		StoreID: storeID,
	})
}

// PublishWithData publishes an event with associated data.
func (b *Bus) PublishWithData(eventType EventType, storeID string, data map[string]interface{}) {
	b.Publish(Event{
		Type:    eventType,
		StoreID: storeID,
		Data:    data,
	})
}

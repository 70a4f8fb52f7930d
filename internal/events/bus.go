// Package events provides an in-memory event bus using Go channels.
// Supervisor components publish lifecycle events here so logging and
// status surfaces stay decoupled from the dispatch and monitor loops.
package events

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var ErrBusClosed = errors.New("event bus is closed")

// EventType represents the type of event.
type EventType string

const (
	// Queue item lifecycle
	EventItemEnqueued  EventType = "item.enqueued"
	EventItemClaimed   EventType = "item.claimed"
	EventItemDelivered EventType = "item.delivered"
	EventItemRequeued  EventType = "item.requeued"
	EventItemFailed    EventType = "item.failed"

	// Control acknowledgement
	EventControlAcked   EventType = "control.acked"
	EventControlTimeout EventType = "control.timeout"

	// Agent session
	EventAgentState   EventType = "agent.state_changed"
	EventAgentRespawn EventType = "agent.respawned"

	// Liveness
	EventHeartbeatSent  EventType = "heartbeat.sent"
	EventHeartbeatAcked EventType = "heartbeat.acked"
	EventHealthChanged  EventType = "health.state_changed"

	// Scheduled work
	EventTaskTriggered EventType = "task.triggered"

	// Upgrades
	EventUpgradeStep EventType = "upgrade.step"

	// Summarisation
	EventCheckpointCreated EventType = "checkpoint.created"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceDispatcher EventSource = "dispatcher"
	SourceMonitor    EventSource = "monitor"
	SourceLiveness   EventSource = "liveness"
	SourceUpgrader   EventSource = "upgrader"
	SourceCLI        EventSource = "cli"
)

// Event represents an event in the system.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

type subscription struct {
	id         int
	eventTypes []EventType
	handler    Subscriber
}

// Bus is an in-memory event bus using Go channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	closed      bool
	done        chan struct{}
}

// NewBus creates a new event bus.
func NewBus(bufferSize int) *Bus {
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if b.matches(sub, event) {
			go sub.handler(event)
		}
	}
}

func (b *Bus) matches(sub *subscription, event Event) bool {
	if len(sub.eventTypes) == 0 {
		return true
	}
	for _, t := range sub.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Publish sends an event to the bus. Never blocks: if the buffer is full
// the event is dropped, because the dispatch and monitor loops must not
// stall on observers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// Subscribe registers a handler for specific event types (or all, when
// none given). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	b.subscribers[id] = &subscription{
		id:         id,
		eventTypes: eventTypes,
		handler:    handler,
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Close shuts down the event bus.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
	close(b.eventChan)
}

// Package events provides a non-blocking pub/sub bus for fleet lifecycle
// events. Delivery is asynchronous via buffered channels; a full
// subscriber channel drops the event rather than stalling the publisher.
package events

import (
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	EventAgentOnline  EventType = "agent_online"
	EventAgentOffline EventType = "agent_offline"
	EventAgentRemoved EventType = "agent_removed"

	EventTaskSubmitted EventType = "task_submitted"
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventTaskPromoted  EventType = "task_promoted"

	EventStuckDetected     EventType = "stuck_detected"
	EventRecoveryAttempted EventType = "recovery_attempted"
	EventRecoveryExhausted EventType = "recovery_exhausted"

	EventPlanReloaded EventType = "plan_reloaded"
)

// Event is one occurrence on the bus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for a subscribed type.
type Subscriber func(Event)

// Bus fans events out to subscribers without blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe
// function. fn runs on a dedicated goroutine; panics are contained.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover() // a panicking subscriber must not kill the bus
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers an event to all subscribers of eventType. Full
// channels drop the event for that subscriber.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close shuts down all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents different types of order lifecycle events
type EventType string

const (
	EventOrderTracked       EventType = "ORDER_TRACKED"
	EventOrderPartialFilled EventType = "ORDER_PARTIAL_FILLED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventOrderCancelled     EventType = "ORDER_CANCELLED"
	EventOrderRejected      EventType = "ORDER_REJECTED"
	EventOrderReplaced      EventType = "ORDER_REPLACED"
	EventOrderConverted     EventType = "ORDER_CONVERTED" // timed-out sell resubmitted at market
	EventLotAdded           EventType = "LOT_ADDED"
	EventClaimReleased      EventType = "CLAIM_RELEASED"
	EventRecoveryCompleted  EventType = "RECOVERY_COMPLETED"
	EventGateChanged        EventType = "GATE_CHANGED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// String returns a data field as string, or "" when absent
func (e Event) String(key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// Subscriber is a function that handles events
type Subscriber func(Event)

type subscription struct {
	eventType EventType // empty for all events
	fn        Subscriber
	ch        chan Event
}

// EventBus fans events out to subscribers. Each subscriber has its own
// queue and goroutine, so it sees events in publish order and a slow
// subscriber never blocks the publisher. Events for a full queue are dropped.
type EventBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
	bufSize int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{bufSize: 1024}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.add(eventType, subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.add("", subscriber)
}

func (eb *EventBus) add(eventType EventType, fn Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}

	sub := &subscription{eventType: eventType, fn: fn, ch: make(chan Event, eb.bufSize)}
	eb.subs = append(eb.subs, sub)
	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for ev := range sub.ch {
			sub.fn(ev)
		}
	}()
}

// Publish sends an event to all matching subscribers
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sub := range eb.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close stops accepting events and waits until subscribers drained their queues
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.mu.Unlock()
	eb.wg.Wait()
}

// Dropped returns how many deliveries were dropped on full queues
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// PublishOrder publishes an order lifecycle event
func (eb *EventBus) PublishOrder(eventType EventType, orderID, symbol, side string, quantity, filled int64, price float64) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"filled":   filled,
			"price":    price,
		},
	})
}

// PublishConversion publishes a timed-out sell converted to a market order
func (eb *EventBus) PublishConversion(oldOrderID, newOrderID, symbol string, quantity int64) {
	eb.Publish(Event{
		Type: EventOrderConverted,
		Data: map[string]interface{}{
			"order_id":      newOrderID,
			"from_order_id": oldOrderID,
			"symbol":        symbol,
			"quantity":      quantity,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string) {
	eb.Publish(Event{
		Type: EventError,
		Data: map[string]interface{}{
			"source":  source,
			"message": message,
		},
	})
}

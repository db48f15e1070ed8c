package events

import (
	"sync"
	"testing"
)

func TestEventBusDeliversInOrder(t *testing.T) {
	bus := NewEventBus()

	var mu sync.Mutex
	var got []string
	var filled int
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.String("order_id"))
	})
	bus.Subscribe(EventOrderFilled, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		filled++
	})

	bus.PublishOrder(EventOrderTracked, "1", "12345.HK", "SELL", 100, 0, 0.5)
	bus.PublishOrder(EventOrderFilled, "2", "12345.HK", "SELL", 100, 100, 0.5)
	bus.PublishConversion("3", "4", "12345.HK", 100)
	bus.Close()

	if len(got) != 3 || got[0] != "1" || got[1] != "2" || got[2] != "4" {
		t.Errorf("Expected [1 2 4], got %v", got)
	}
	if filled != 1 {
		t.Errorf("Expected 1 filled event, got %d", filled)
	}
}

func TestEventBusIgnoresPublishAfterClose(t *testing.T) {
	bus := NewEventBus()
	calls := 0
	bus.SubscribeAll(func(Event) { calls++ })
	bus.Close()
	bus.Close()
	bus.PublishError("test", "late")
	if calls != 0 {
		t.Errorf("Expected no delivery after close, got %d", calls)
	}

	var nilBus *EventBus
	nilBus.Publish(Event{Type: EventError})
}

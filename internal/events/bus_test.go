package events

import (
	"errors"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)

	bus.Subscribe(EventSignalGenerated, func(ev Event) { got <- ev })
	bus.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{"symbol": "SPY"},
	})

	select {
	case ev := <-got:
		if ev.Data["symbol"] != "SPY" {
			t.Errorf("unexpected payload: %v", ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Error("publish should stamp a missing timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the event")
	}
}

func TestTypedSubscriberIgnoresOtherEvents(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)

	bus.Subscribe(EventTradeClosed, func(ev Event) { got <- ev })
	bus.Publish(Event{Type: EventSignalGenerated})

	select {
	case <-got:
		t.Fatal("subscriber received an event of a different type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewEventBus()
	got := make(chan EventType, 2)

	bus.SubscribeAll(func(ev Event) { got <- ev.Type })
	bus.Publish(Event{Type: EventRiskLockout})
	bus.Publish(Event{Type: EventWallBroken})

	seen := map[EventType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case typ := <-got:
			seen[typ] = true
		case <-time.After(time.Second):
			t.Fatal("missing events on the all-subscriber")
		}
	}
	if !seen[EventRiskLockout] || !seen[EventWallBroken] {
		t.Errorf("expected both events, saw %v", seen)
	}
}

func TestPublishError(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(ev Event) { got <- ev })

	bus.PublishError("feed", "read failed", errors.New("broken pipe"))

	select {
	case ev := <-got:
		if ev.Data["source"] != "feed" || ev.Data["error"] != "broken pipe" {
			t.Errorf("unexpected error payload: %v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("error event not delivered")
	}
}

package events

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := NewBus(nil)
	var got []Event
	b.Subscribe(FDState, func(e Event) { got = append(got, e) })

	b.Publish(Event{Type: FDState, Fields: []string{"null", "special"}})
	b.Publish(Event{Type: Signal, Fields: []string{"SIGHUP", "1", "5"}})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (type-filtered)", len(got))
	}
	if got[0].Fields[0] != "null" {
		t.Fatalf("unexpected fields: %+v", got[0])
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := NewBus(nil)
	var count int
	b.SubscribeAll(func(Event) { count++ })

	b.Publish(Event{Type: FDState})
	b.Publish(Event{Type: Signal})
	b.Publish(Event{Type: Error})

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus(nil)
	var count int
	id := b.Subscribe(Overflow, func(Event) { count++ })
	b.Publish(Event{Type: Overflow})
	b.Unsubscribe(id)
	b.Publish(Event{Type: Overflow})
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestPanickingHandlerDoesNotStarveOthers(t *testing.T) {
	b := NewBus(nil)
	var ranSecond bool
	b.Subscribe(Error, func(Event) { panic("boom") })
	b.Subscribe(Error, func(Event) { ranSecond = true })
	b.Publish(Event{Type: Error})
	if !ranSecond {
		t.Fatal("second handler should still run after first panics")
	}
}

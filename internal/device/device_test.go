package device

import (
	"testing"

	"syncroom/internal/config"
)

func TestNewHostWiresDirectory(t *testing.T) {
	d, err := New("dev-1", "Host", true, config.Default(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	if d.Directory == nil {
		t.Fatalf("host device should have a non-nil Directory")
	}
}

func TestNewGuestHasNoDirectory(t *testing.T) {
	d, err := New("dev-2", "Guest", false, config.Default(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	if d.Directory != nil {
		t.Fatalf("guest device should have a nil Directory")
	}
}

func TestLeaveSessionClearsTimersAndConnections(t *testing.T) {
	d, err := New("dev-3", "Host", true, config.Default(), t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)

	d.Timers.Set("some-timer", func() {}, 0)
	d.LeaveSession()
	if d.Timers.Count() != 0 {
		t.Fatalf("Timers.Count() = %d after LeaveSession, want 0", d.Timers.Count())
	}
	if d.ConnectionCount() != 0 {
		t.Fatalf("ConnectionCount() = %d after LeaveSession, want 0", d.ConnectionCount())
	}
}

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe("topic.a", func(ev Event) { got <- ev })
	bus.Publish("topic.a", 42)

	select {
	case ev := <-got:
		if ev.Payload != 42 {
			t.Fatalf("Payload = %v, want 42", ev.Payload)
		}
	default:
		t.Fatalf("subscriber was not called synchronously")
	}
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	called := false
	unsub := bus.Subscribe("topic.b", func(ev Event) { called = true })
	unsub()
	bus.Publish("topic.b", nil)
	if called {
		t.Fatalf("unsubscribed callback should not be called")
	}
}

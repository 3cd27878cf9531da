// Package device wires every subsystem together into the single Device
// struct the spec's Design Notes call for: host and guest are symmetric,
// the same binary and the same Device type, differing only in which
// optional host-only fields are populated.
package device

import "sync"

// Event is one published notification: Topic names the kind of event,
// Payload carries whatever data that kind of event needs (its concrete
// type is a contract between publishers and subscribers of a given topic).
type Event struct {
	Topic   string
	Payload any
}

// EventBus is a simple typed pub/sub bus connecting a device's subsystems
// without giving them direct references to each other (spec §9, "event
// bus" design note).
type EventBus struct {
	mu   sync.RWMutex
	subs map[string][]func(Event)
}

// NewEventBus creates an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]func(Event))}
}

// Subscribe registers fn to be called for every event published on topic.
// The returned function unsubscribes it.
func (b *EventBus) Subscribe(topic string, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], fn)
	idx := len(b.subs[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[topic]
		if idx < len(subs) {
			subs[idx] = nil
		}
	}
}

// Publish synchronously calls every subscriber of topic with payload.
func (b *EventBus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := append([]func(Event){}, b.subs[topic]...)
	b.mu.RUnlock()
	ev := Event{Topic: topic, Payload: payload}
	for _, fn := range subs {
		if fn != nil {
			fn(ev)
		}
	}
}

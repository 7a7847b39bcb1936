// Package bus is the in-process event spine between the store writers
// (router, engine, cron) and the reactive loops (scheduler, executors,
// adapter registry). Dispatch is synchronous: Publish invokes every matching
// handler on the caller's goroutine before returning, so a subscriber that
// re-checks the database is guaranteed to see the state the publisher just
// committed. Handlers that need to block must hand off to their own
// goroutine.
package bus

import (
	"strings"
	"sync"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Handler receives matching events. It runs on the publisher's goroutine
// and may itself Publish.
type Handler func(Event)

// Subscription is a registered handler; pass it to Unsubscribe to detach.
type Subscription struct {
	id     int
	prefix string
	fn     Handler
}

// Bus is an in-process pub/sub bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID int
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every topic starting with topicPrefix. An
// empty prefix matches all topics. Handlers fire in subscription order.
func (b *Bus) Subscribe(topicPrefix string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, prefix: topicPrefix, fn: fn}
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe detaches a subscription. Safe to call twice or with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every matching handler, synchronously, in
// subscription order. The subscriber list is snapshotted first so handlers
// can subscribe, unsubscribe or publish without deadlocking.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		fn(event)
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

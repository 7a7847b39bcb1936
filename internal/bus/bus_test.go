package bus

import (
	"sync"
	"testing"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	var got []Event
	sub := b.Subscribe("test", func(e Event) { got = append(got, e) })
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Topic != "test.event" || got[0].Payload != "hello" {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	var envelopeTopics, allTopics []string
	b.Subscribe("envelope.", func(e Event) { envelopeTopics = append(envelopeTopics, e.Topic) })
	b.Subscribe("", func(e Event) { allTopics = append(allTopics, e.Topic) })

	b.Publish(TopicEnvelopeCreated, EnvelopeEvent{EnvelopeID: "e1"})
	b.Publish(TopicRunStarted, RunEvent{RunID: "r1"})

	if len(envelopeTopics) != 1 || envelopeTopics[0] != TopicEnvelopeCreated {
		t.Fatalf("envelope subscriber saw %v", envelopeTopics)
	}
	if len(allTopics) != 2 {
		t.Fatalf("catch-all subscriber saw %v", allTopics)
	}
}

func TestBus_DispatchIsSynchronous(t *testing.T) {
	b := New()
	fired := false
	b.Subscribe(TopicEnvelopeDone, func(Event) { fired = true })

	b.Publish(TopicEnvelopeDone, EnvelopeEvent{EnvelopeID: "e1"})

	// No waiting: the handler must have run before Publish returned.
	if !fired {
		t.Fatal("handler did not run synchronously")
	}
}

func TestBus_SubscriptionOrder(t *testing.T) {
	b := New()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.Subscribe("", func(Event) { order = append(order, i) })
	}

	b.Publish("anything", nil)

	for i, want := range []int{1, 2, 3} {
		if order[i] != want {
			t.Fatalf("order = %v", order)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("", func(Event) { calls++ })

	b.Publish("x", nil)
	b.Unsubscribe(sub)
	b.Publish("x", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count = %d, want 0", b.SubscriberCount())
	}

	// Double unsubscribe and nil are no-ops.
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
}

func TestBus_NestedPublish(t *testing.T) {
	b := New()
	var seen []string
	b.Subscribe(TopicEnvelopeDone, func(e Event) {
		seen = append(seen, e.Topic)
		// A cron advance reacting to a done envelope publishes the next one.
		b.Publish(TopicEnvelopeCreated, EnvelopeEvent{EnvelopeID: "next"})
	})
	b.Subscribe(TopicEnvelopeCreated, func(e Event) { seen = append(seen, e.Topic) })

	b.Publish(TopicEnvelopeDone, EnvelopeEvent{EnvelopeID: "e1"})

	if len(seen) != 2 || seen[0] != TopicEnvelopeDone || seen[1] != TopicEnvelopeCreated {
		t.Fatalf("seen = %v", seen)
	}
}

func TestBus_HandlerMayUnsubscribeItself(t *testing.T) {
	b := New()
	calls := 0
	var sub *Subscription
	sub = b.Subscribe("", func(Event) {
		calls++
		b.Unsubscribe(sub)
	})

	b.Publish("x", nil)
	b.Publish("x", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (one-shot)", calls)
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.Subscribe("", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish("x", nil)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 800 {
		t.Fatalf("count = %d, want 800", count)
	}
}

package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/bus"
	"github.com/hiboss/hi-boss/internal/persistence"
	"github.com/hiboss/hi-boss/internal/scheduler"
)

// markingDeliverer mirrors the router's contract: successful deliveries
// mark the envelope done so it leaves the due set.
type markingDeliverer struct {
	store *persistence.Store

	mu        sync.Mutex
	delivered []string
	fail      error
	attempts  int
}

func (d *markingDeliverer) DeliverEnvelope(ctx context.Context, env *persistence.Envelope) error {
	d.mu.Lock()
	d.attempts++
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return fail
	}
	if _, err := d.store.MarkEnvelopeDone(ctx, env.ID); err != nil {
		return err
	}
	d.mu.Lock()
	d.delivered = append(d.delivered, env.ID)
	d.mu.Unlock()
	return nil
}

func (d *markingDeliverer) deliveredCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func (d *markingDeliverer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

type recordingKicker struct {
	mu    sync.Mutex
	kicks []string
}

func (k *recordingKicker) CheckAndRun(agent string) {
	k.mu.Lock()
	k.kicks = append(k.kicks, agent)
	k.mu.Unlock()
}

func (k *recordingKicker) kicked() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.kicks...)
}

type fixture struct {
	store     *persistence.Store
	bus       *bus.Bus
	deliverer *markingDeliverer
	kicker    *recordingKicker
	sched     *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "hiboss.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fx := &fixture{
		store:     store,
		bus:       bus.New(),
		deliverer: &markingDeliverer{store: store},
		kicker:    &recordingKicker{},
	}
	fx.sched = scheduler.New(scheduler.Config{
		Store:     store,
		Deliverer: fx.deliverer,
		Bus:       fx.bus,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	fx.sched.SetAgentKicker(fx.kicker)
	t.Cleanup(fx.sched.Stop)
	return fx
}

func (fx *fixture) addEnvelope(t *testing.T, to string, deliverAt *time.Time) *persistence.Envelope {
	t.Helper()
	env, err := fx.store.CreateEnvelope(context.Background(), persistence.CreateEnvelopeInput{
		From:      "agent:alpha",
		To:        to,
		Content:   persistence.Content{Text: "x"},
		DeliverAt: deliverAt,
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return env
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartupTickDrainsDueEnvelopes(t *testing.T) {
	fx := newFixture(t)
	fx.addEnvelope(t, "channel:telegram:42", nil)
	fx.addEnvelope(t, "agent:beta", nil)

	fx.sched.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return fx.deliverer.deliveredCount() == 1 })
	waitFor(t, 2*time.Second, func() bool {
		kicks := fx.kicker.kicked()
		return len(kicks) >= 1 && kicks[0] == "beta"
	})

	n, err := fx.store.CountDuePendingEnvelopes(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	// Only the agent-bound envelope remains pending; the engine owns it.
	if n != 1 {
		t.Fatalf("due pending after drain = %d, want 1", n)
	}
}

func TestEnvelopeCreatedEventWakesScheduler(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Start(context.Background())

	// Let the startup tick finish against an empty store.
	waitFor(t, 2*time.Second, func() bool { return fx.sched.NextWake() == nil })

	soon := time.Now().Add(50 * time.Millisecond)
	env := fx.addEnvelope(t, "channel:telegram:42", &soon)
	fx.bus.Publish(bus.TopicEnvelopeCreated, bus.EnvelopeEvent{EnvelopeID: env.ID, Scheduled: true})

	waitFor(t, 3*time.Second, func() bool { return fx.deliverer.deliveredCount() == 1 })
}

func TestBacklogLargerThanCapDrainsInOrder(t *testing.T) {
	fx := newFixture(t)
	for i := 0; i < 150; i++ {
		fx.addEnvelope(t, "channel:telegram:42", nil)
	}

	fx.sched.Start(context.Background())

	waitFor(t, 5*time.Second, func() bool { return fx.deliverer.deliveredCount() == 150 })

	n, err := fx.store.CountPendingEnvelopes(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending after backlog drain = %d, want 0", n)
	}
}

func TestFailedDeliveriesDoNotHotLoop(t *testing.T) {
	fx := newFixture(t)
	fx.deliverer.fail = errors.New("send rejected")
	fx.addEnvelope(t, "channel:telegram:42", nil)

	fx.sched.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return fx.deliverer.attemptCount() >= 1 })
	attempts := fx.deliverer.attemptCount()

	// The retry floor keeps the loop from spinning on a failing envelope.
	time.Sleep(300 * time.Millisecond)
	if got := fx.deliverer.attemptCount(); got != attempts {
		t.Fatalf("attempts grew from %d to %d within the retry floor", attempts, got)
	}

	next := fx.sched.NextWake()
	if next == nil {
		t.Fatal("expected a retry wake to be scheduled")
	}
	if until := time.Until(*next); until > 31*time.Second {
		t.Fatalf("retry wake %v out, want within the 30s floor", until)
	}
}

func TestNextWakeTracksScheduledEnvelope(t *testing.T) {
	fx := newFixture(t)
	at := time.Now().Add(time.Hour)
	fx.addEnvelope(t, "channel:telegram:42", &at)

	fx.sched.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return fx.sched.NextWake() != nil })
	next := fx.sched.NextWake()
	if diff := next.Sub(at); diff < -5*time.Second || diff > 5*time.Second {
		t.Fatalf("next wake %v, want about %v", next, at)
	}
	if n := fx.deliverer.deliveredCount(); n != 0 {
		t.Fatalf("future envelope delivered early (%d)", n)
	}
}

func TestStopIsIdempotentAndWaits(t *testing.T) {
	fx := newFixture(t)
	fx.sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return fx.sched.NextWake() == nil })

	fx.sched.Stop()
	fx.sched.Stop()

	// After Stop, new envelopes are not picked up.
	fx.addEnvelope(t, "channel:telegram:42", nil)
	fx.bus.Publish(bus.TopicEnvelopeCreated, bus.EnvelopeEvent{})
	time.Sleep(100 * time.Millisecond)
	if n := fx.deliverer.deliveredCount(); n != 0 {
		t.Fatalf("delivery after Stop (%d)", n)
	}
}

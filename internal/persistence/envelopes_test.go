package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/persistence"
)

var compactIDRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

func mustCreateEnvelope(t *testing.T, store *persistence.Store, in persistence.CreateEnvelopeInput) *persistence.Envelope {
	t.Helper()
	env, err := store.CreateEnvelope(context.Background(), in)
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return env
}

// insertEnvelopeWithID plants a pending envelope with a chosen id, for
// prefix-resolution tests where the random id must be controlled.
func insertEnvelopeWithID(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	_, err := store.DB().Exec(`
		INSERT INTO envelopes (id, from_addr, to_addr, content, created_at)
		VALUES (?, 'agent:boss', 'agent:alpha', '{}', ?);`,
		id, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("insert envelope %s: %v", id, err)
	}
}

func TestEnvelopes_CreateDefaults(t *testing.T) {
	store, _ := openTestStore(t)

	env := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From:    "agent:boss",
		To:      "agent:alpha",
		Content: persistence.Content{Text: "status report please"},
	})
	if !compactIDRe.MatchString(env.ID) {
		t.Fatalf("id %q is not 32 lowercase hex chars", env.ID)
	}
	if env.ShortID() != env.ID[:8] {
		t.Fatalf("short id = %q, want first 8 of %q", env.ShortID(), env.ID)
	}
	if env.Status != persistence.EnvelopeStatusPending {
		t.Fatalf("status = %q, want pending", env.Status)
	}
	if env.DeliverAt != nil {
		t.Fatalf("deliverAt should be nil, got %v", env.DeliverAt)
	}

	got, err := store.GetEnvelope(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content.Text != "status report please" {
		t.Fatalf("content = %+v", got.Content)
	}
}

func TestEnvelopes_RejectsBadAddresses(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := store.CreateEnvelope(ctx, persistence.CreateEnvelopeInput{
		From: "nonsense", To: "agent:alpha",
	})
	if err == nil {
		t.Fatal("expected error for bad from address")
	}
	_, err = store.CreateEnvelope(ctx, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "channel:telegram",
	})
	if err == nil {
		t.Fatal("expected error for channel address without chat id")
	}
}

func TestEnvelopes_DrainOrder(t *testing.T) {
	base := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)
	store := openTestStoreAt(t, clk)
	ctx := context.Background()

	hourAgo := base.Add(-time.Hour)
	twoHoursAgo := base.Add(-2 * time.Hour)

	// Created first, scheduled an hour ago.
	scheduledLate := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha", DeliverAt: &hourAgo,
	})
	clk.Advance(time.Millisecond)
	// Unscheduled, created second: still drains first (NULL deliverAt wins).
	unscheduled := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha",
	})
	clk.Advance(time.Millisecond)
	// Created last but scheduled earliest of the scheduled pair.
	scheduledEarly := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha", DeliverAt: &twoHoursAgo,
	})
	clk.Advance(time.Millisecond)
	// Future: not due, must not appear.
	future := base.Add(time.Hour)
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha", DeliverAt: &future,
	})

	inbox, err := store.ListPendingInboxForAgent(ctx, "alpha", clk.Now())
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 3 {
		t.Fatalf("expected 3 due envelopes, got %d", len(inbox))
	}
	wantOrder := []string{unscheduled.ID, scheduledEarly.ID, scheduledLate.ID}
	for i, want := range wantOrder {
		if inbox[i].ID != want {
			t.Fatalf("inbox[%d] = %s, want %s", i, inbox[i].ShortID(), want[:8])
		}
	}
}

func TestEnvelopes_MarkDoneIsTerminal(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	env := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha",
	})

	changed, err := store.MarkEnvelopeDone(ctx, env.ID)
	if err != nil || !changed {
		t.Fatalf("first mark: changed=%v err=%v", changed, err)
	}
	changed, err = store.MarkEnvelopeDone(ctx, env.ID)
	if err != nil {
		t.Fatalf("second mark errored: %v", err)
	}
	if changed {
		t.Fatal("done must be terminal; second mark reported a change")
	}

	if _, err := store.MarkEnvelopeDone(ctx, "ffffffffffffffffffffffffffffffff"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.EnvelopeStatusDone {
		t.Fatalf("status = %q, want done", got.Status)
	}
}

func TestEnvelopes_FindByIDPrefix(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	insertEnvelopeWithID(t, store, "aaaa0000000000000000000000000001")
	insertEnvelopeWithID(t, store, "aaaa0000000000000000000000000002")
	insertEnvelopeWithID(t, store, "bbbb0000000000000000000000000003")

	// Unique prefix resolves.
	env, err := store.FindEnvelopeByIDPrefix(ctx, "bbbb")
	if err != nil {
		t.Fatalf("unique prefix: %v", err)
	}
	if env.ID != "bbbb0000000000000000000000000003" {
		t.Fatalf("resolved wrong envelope: %s", env.ID)
	}

	// Full id works too, and dashes/case are normalized away.
	env, err = store.FindEnvelopeByIDPrefix(ctx, "AAAA-0000-0000-0000-0000-0000-0000-0001")
	if err != nil {
		t.Fatalf("full id with dashes: %v", err)
	}
	if env.ID != "aaaa0000000000000000000000000001" {
		t.Fatalf("resolved wrong envelope: %s", env.ID)
	}

	// Ambiguous prefix reports every candidate in full.
	_, err = store.FindEnvelopeByIDPrefix(ctx, "aaaa")
	var ambiguous *persistence.AmbiguousPrefixError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousPrefixError, got %v", err)
	}
	if ambiguous.MatchCount != 2 || len(ambiguous.Candidates) != 2 {
		t.Fatalf("ambiguous = %+v", ambiguous)
	}
	for _, c := range ambiguous.Candidates {
		if !compactIDRe.MatchString(c) {
			t.Fatalf("candidate %q is not a full id", c)
		}
	}

	// No match.
	if _, err := store.FindEnvelopeByIDPrefix(ctx, "cccc"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Invalid characters are rejected before touching the table.
	if _, err := store.FindEnvelopeByIDPrefix(ctx, "zz!!"); err == nil {
		t.Fatal("expected error for non-hex prefix")
	}
}

func TestEnvelopes_MetadataRoundTripKeepsUnknownKeys(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	md := persistence.Metadata{
		Platform:         "telegram",
		ChannelMessageID: "512",
		Author:           &persistence.Author{ID: "99", Username: "boss_user", DisplayName: "The Boss"},
		Chat:             &persistence.Chat{ID: "-100123", Name: "ops"},
		ParseMode:        "markdown",
		Extra: map[string]json.RawMessage{
			"futureFeatureFlag": json.RawMessage(`{"nested":true}`),
		},
	}
	env := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "channel:telegram:-100123", To: "agent:alpha", Metadata: md,
	})

	got, err := store.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.Platform != "telegram" || got.Metadata.ChannelMessageID != "512" {
		t.Fatalf("metadata = %+v", got.Metadata)
	}
	if got.Metadata.Author == nil || got.Metadata.Author.Username != "boss_user" {
		t.Fatalf("author = %+v", got.Metadata.Author)
	}
	if got.Metadata.Chat == nil || got.Metadata.Chat.ID != "-100123" {
		t.Fatalf("chat = %+v", got.Metadata.Chat)
	}
	if string(got.Metadata.Extra["futureFeatureFlag"]) != `{"nested":true}` {
		t.Fatalf("unknown key lost: %+v", got.Metadata.Extra)
	}

	// A read-modify-write through another field keeps the unknown key.
	got.Metadata.ReplyToEnvelopeID = "deadbeef000000000000000000000000"
	if err := store.UpdateEnvelopeMetadata(ctx, env.ID, got.Metadata); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	again, err := store.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(again.Metadata.Extra["futureFeatureFlag"]) != `{"nested":true}` {
		t.Fatal("unknown key lost across rewrite")
	}
	if again.Metadata.ReplyToEnvelopeID != "deadbeef000000000000000000000000" {
		t.Fatalf("replyToEnvelopeId = %q", again.Metadata.ReplyToEnvelopeID)
	}
}

func TestEnvelopes_RecordDeliveryErrorKeepsStatusPending(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	env := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:alpha", To: "channel:telegram:42",
		Metadata: persistence.Metadata{Platform: "telegram"},
	})

	de := persistence.DeliveryError{Kind: "send-failed", Detail: "429 too many requests", At: time.Now().UnixMilli()}
	if err := store.RecordDeliveryError(ctx, env.ID, de); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := store.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.EnvelopeStatusPending {
		t.Fatalf("status = %q, want pending after failed delivery", got.Status)
	}
	if got.Metadata.LastDeliveryError == nil || got.Metadata.LastDeliveryError.Kind != "send-failed" {
		t.Fatalf("lastDeliveryError = %+v", got.Metadata.LastDeliveryError)
	}
	if got.Metadata.Platform != "telegram" {
		t.Fatal("existing metadata clobbered")
	}
}

func TestEnvelopes_ClearDueNonCron(t *testing.T) {
	base := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)
	store := openTestStoreAt(t, clk)
	ctx := context.Background()

	plain := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha",
	})
	cronOwned := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:alpha", To: "agent:alpha",
		Metadata: persistence.Metadata{CronScheduleID: "abc0000000000000000000000000000f"},
	})
	future := base.Add(time.Hour)
	notDue := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:boss", To: "agent:alpha", DeliverAt: &future,
	})

	cleared, err := store.ClearDueNonCronEnvelopes(ctx, "alpha", clk.Now())
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != plain.ID {
		t.Fatalf("cleared = %v, want just %s", cleared, plain.ShortID())
	}

	got, _ := store.GetEnvelope(ctx, plain.ID)
	if got.Status != persistence.EnvelopeStatusDone || !got.Metadata.Cancelled || got.Metadata.CancelledAt == 0 {
		t.Fatalf("cleared envelope not cancelled: status=%s metadata=%+v", got.Status, got.Metadata)
	}
	for _, keep := range []string{cronOwned.ID, notDue.ID} {
		got, _ := store.GetEnvelope(ctx, keep)
		if got.Status != persistence.EnvelopeStatusPending {
			t.Fatalf("envelope %s should still be pending", got.ShortID())
		}
	}
}

func TestEnvelopes_DueQueries(t *testing.T) {
	base := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(base)
	store := openTestStoreAt(t, clk)
	ctx := context.Background()

	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:alpha"})
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:alpha"})
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:beta"})
	soon := base.Add(10 * time.Minute)
	later := base.Add(40 * time.Minute)
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:gamma", DeliverAt: &later})
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:gamma", DeliverAt: &soon})

	names, err := store.ListAgentNamesWithDueEnvelopes(ctx, clk.Now())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("names = %v, want [alpha beta]", names)
	}

	next, err := store.NextScheduledDeliverAt(ctx, clk.Now())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if next == nil || !next.Equal(soon) {
		t.Fatalf("next = %v, want %v", next, soon)
	}

	n, err := store.CountDuePendingEnvelopes(ctx, clk.Now())
	if err != nil || n != 3 {
		t.Fatalf("due count = %d, %v; want 3", n, err)
	}

	// Past the last schedule nothing is left in the future.
	clk.Set(later.Add(time.Second))
	next, err = store.NextScheduledDeliverAt(ctx, clk.Now())
	if err != nil {
		t.Fatalf("next after advance: %v", err)
	}
	if next != nil {
		t.Fatalf("next = %v, want nil", next)
	}
}

func TestEnvelopes_ListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:boss", To: "agent:alpha", FromBoss: true})
	mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{From: "agent:alpha", To: "channel:telegram:42"})
	if _, err := store.MarkEnvelopeDone(ctx, a.ID); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	pending, err := store.ListEnvelopes(ctx, persistence.EnvelopeFilter{Status: persistence.EnvelopeStatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].To != "channel:telegram:42" {
		t.Fatalf("pending = %+v", pending)
	}

	mine, err := store.ListEnvelopes(ctx, persistence.EnvelopeFilter{Agent: "alpha"})
	if err != nil {
		t.Fatalf("list agent: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("agent filter matched %d, want 2 (sent and received)", len(mine))
	}

	done, err := store.ListEnvelopes(ctx, persistence.EnvelopeFilter{Status: persistence.EnvelopeStatusDone})
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(done) != 1 || !done[0].FromBoss {
		t.Fatalf("done = %+v", done)
	}
}

func TestEnvelopes_ClearOrphanChannelEnvelopes(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")
	if err := store.UpsertBinding(ctx, persistence.Binding{
		AgentName: "alpha", AdapterType: "telegram", AdapterToken: "bot-a",
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	bound := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:alpha", To: "channel:telegram:42",
	})
	orphanAgent := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:ghost", To: "channel:telegram:42",
	})
	orphanType := mustCreateEnvelope(t, store, persistence.CreateEnvelopeInput{
		From: "agent:alpha", To: "channel:discord:42",
	})

	n, err := store.ClearOrphanChannelEnvelopes(ctx, time.Now(), 100)
	if err != nil {
		t.Fatalf("clear orphans: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}

	got, _ := store.GetEnvelope(ctx, bound.ID)
	if got.Status != persistence.EnvelopeStatusPending {
		t.Fatal("deliverable envelope was cleared")
	}
	for _, id := range []string{orphanAgent.ID, orphanType.ID} {
		got, _ := store.GetEnvelope(ctx, id)
		if got.Status != persistence.EnvelopeStatusDone {
			t.Fatalf("orphan %s not cleared", got.ShortID())
		}
		if got.Metadata.LastDeliveryError == nil || got.Metadata.LastDeliveryError.Kind != "no-binding" {
			t.Fatalf("orphan %s missing delivery error: %+v", got.ShortID(), got.Metadata)
		}
	}
}

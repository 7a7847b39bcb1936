package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/hiboss/hi-boss/internal/persistence"
)

func mustInsertCron(t *testing.T, store *persistence.Store, in persistence.CreateCronScheduleInput) *persistence.CronSchedule {
	t.Helper()
	var c *persistence.CronSchedule
	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		var err error
		c, err = store.InsertCronScheduleTx(context.Background(), tx, in)
		return err
	})
	if err != nil {
		t.Fatalf("insert cron: %v", err)
	}
	return c
}

func TestCron_InsertAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")

	c := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha",
		Cron:      "0 9 * * 1-5",
		Timezone:  "Europe/Berlin",
		To:        "agent:alpha",
		Content:   "morning briefing",
	})
	if !c.Enabled {
		t.Fatal("new schedule must start enabled")
	}

	got, err := store.GetCronSchedule(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Cron != "0 9 * * 1-5" || got.Timezone != "Europe/Berlin" || got.Content != "morning briefing" {
		t.Fatalf("schedule = %+v", got)
	}
	if got.PendingEnvelopeID != "" {
		t.Fatalf("pending pointer should start empty, got %q", got.PendingEnvelopeID)
	}
}

func TestCron_InsertUnknownAgent(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := store.InsertCronScheduleTx(context.Background(), tx, persistence.CreateCronScheduleInput{
			AgentName: "ghost", Cron: "* * * * *", To: "agent:ghost",
		})
		return err
	})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCron_ListFiltersDisabled(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")

	a := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 9 * * *", To: "agent:alpha", Content: "a",
	})
	mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 18 * * *", To: "agent:alpha", Content: "b",
	})

	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.SetCronEnabledTx(ctx, tx, a.ID, false)
	}); err != nil {
		t.Fatalf("disable: %v", err)
	}

	enabled, err := store.ListCronSchedules(ctx, false)
	if err != nil {
		t.Fatalf("list enabled: %v", err)
	}
	if len(enabled) != 1 || enabled[0].Content != "b" {
		t.Fatalf("enabled = %+v", enabled)
	}

	all, err := store.ListCronSchedules(ctx, true)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all = %d, want 2", len(all))
	}
}

func TestCron_PendingPointerCAS(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")
	c := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 9 * * *", To: "agent:alpha",
	})

	// Empty → e1 succeeds.
	var swapped bool
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		swapped, err = store.UpdateCronPendingEnvelopeIDTx(ctx, tx, c.ID, "", "envelope-1")
		return err
	}); err != nil {
		t.Fatalf("cas empty→e1: %v", err)
	}
	if !swapped {
		t.Fatal("expected swap from empty pointer")
	}

	// Stale expectation loses.
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		swapped, err = store.UpdateCronPendingEnvelopeIDTx(ctx, tx, c.ID, "envelope-0", "envelope-2")
		return err
	}); err != nil {
		t.Fatalf("cas stale: %v", err)
	}
	if swapped {
		t.Fatal("stale expectation must not swap")
	}

	// Matching expectation wins and can clear.
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		swapped, err = store.UpdateCronPendingEnvelopeIDTx(ctx, tx, c.ID, "envelope-1", "")
		return err
	}); err != nil {
		t.Fatalf("cas clear: %v", err)
	}
	if !swapped {
		t.Fatal("matching expectation must swap")
	}
	got, err := store.GetCronSchedule(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PendingEnvelopeID != "" {
		t.Fatalf("pointer = %q, want empty", got.PendingEnvelopeID)
	}
	if got.UpdatedAt == nil {
		t.Fatal("updatedAt not stamped")
	}
}

func TestCron_DeleteForAgentReturnsPendingIDs(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")
	mustCreateAgent(t, store, "beta")

	c1 := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 9 * * *", To: "agent:alpha",
	})
	mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 12 * * *", To: "agent:alpha",
	})
	other := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "beta", Cron: "0 9 * * *", To: "agent:beta",
	})

	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := store.UpdateCronPendingEnvelopeIDTx(ctx, tx, c1.ID, "", "envelope-1")
		return err
	}); err != nil {
		t.Fatalf("set pointer: %v", err)
	}

	var pending []string
	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pending, err = store.DeleteCronSchedulesForAgentTx(ctx, tx, "alpha")
		return err
	}); err != nil {
		t.Fatalf("delete for agent: %v", err)
	}
	if len(pending) != 1 || pending[0] != "envelope-1" {
		t.Fatalf("pending = %v, want [envelope-1]", pending)
	}

	schedules, err := store.ListCronSchedules(ctx, true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(schedules) != 1 || schedules[0].ID != other.ID {
		t.Fatalf("schedules = %+v", schedules)
	}
}

func TestCron_FindByIDPrefix(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")
	c := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 9 * * *", To: "agent:alpha",
	})

	got, err := store.FindCronScheduleByIDPrefix(ctx, c.ShortID())
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("resolved %s, want %s", got.ID, c.ID)
	}

	if _, err := store.FindCronScheduleByIDPrefix(ctx, "00000000"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCron_DeleteSchedule(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	mustCreateAgent(t, store, "alpha")
	c := mustInsertCron(t, store, persistence.CreateCronScheduleInput{
		AgentName: "alpha", Cron: "0 9 * * *", To: "agent:alpha",
	})

	if err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.DeleteCronScheduleTx(ctx, tx, c.ID)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetCronSchedule(ctx, c.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		return store.DeleteCronScheduleTx(ctx, tx, c.ID)
	})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

package daemon_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/daemon"
	"github.com/hiboss/hi-boss/internal/gateway"
	"github.com/hiboss/hi-boss/internal/persistence"
)

func testConfig(dir string) config.Config {
	return config.Config{DataDir: dir, LogLevel: "debug", Quiet: true}
}

// startDaemon boots a full daemon on dir and tears it down with the test.
// It returns once the socket answers a dial.
func startDaemon(t *testing.T, dir string) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- daemon.Run(ctx, daemon.Options{Config: testConfig(dir), Version: "test"})
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(20 * time.Second):
			t.Error("daemon did not stop after cancel")
		}
	})
	waitFor(t, "daemon socket", func() bool {
		cl, err := gateway.Dial(config.SocketPath(dir))
		if err != nil {
			return false
		}
		cl.Close()
		return true
	})
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// completeSetup runs the first-boot handshake over the socket and returns
// the boss token.
func completeSetup(t *testing.T, dir string) string {
	t.Helper()
	cl, err := gateway.Dial(config.SocketPath(dir))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()

	var out struct {
		Completed bool   `json:"completed"`
		BossToken string `json:"bossToken"`
	}
	err = cl.Call(context.Background(), "setup.execute",
		map[string]any{"bossName": "tester", "timezone": "UTC"}, &out)
	if err != nil {
		t.Fatalf("setup.execute: %v", err)
	}
	if !out.Completed || out.BossToken == "" {
		t.Fatalf("setup.execute = %+v, want completed with token", out)
	}
	return out.BossToken
}

func TestRunRecoversOrphanRunsOnBoot(t *testing.T) {
	dir := t.TempDir()

	// A previous process died mid-run: the store holds a running row with
	// nobody behind it.
	seed, err := persistence.Open(config.DBPath(dir), clock.System{})
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	ctx := context.Background()
	if err := seed.CreateAgent(ctx, &persistence.Agent{
		Name: "alpha", Token: "tok-alpha", Provider: "claude",
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	run, err := seed.CreateRun(ctx, "alpha", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}

	startDaemon(t, dir)

	check, err := persistence.Open(config.DBPath(dir), clock.System{})
	if err != nil {
		t.Fatalf("open check store: %v", err)
	}
	defer check.Close()

	// The sweep runs right after the socket claim; give it a moment.
	waitFor(t, "orphan run recovery", func() bool {
		got, err := check.GetRun(ctx, run.ID)
		return err == nil && got.Status == persistence.RunStatusFailed
	})
	got, err := check.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Error != "daemon restarted" {
		t.Errorf("run error = %q, want %q", got.Error, "daemon restarted")
	}
	if got.CompletedAt == nil {
		t.Error("recovered run has no completion time")
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	startDaemon(t, dir)

	// State owned by the live daemon, to prove the loser never ran its
	// recovery pass.
	live, err := persistence.Open(config.DBPath(dir), clock.System{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer live.Close()
	ctx := context.Background()
	if err := live.CreateAgent(ctx, &persistence.Agent{
		Name: "alpha", Token: "tok-alpha", Provider: "claude",
	}); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	run, err := live.CreateRun(ctx, "alpha", nil)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	err = daemon.Run(context.Background(), daemon.Options{Config: testConfig(dir), Version: "test"})
	if !errors.Is(err, gateway.ErrAlreadyRunning) {
		t.Fatalf("second instance error = %v, want ErrAlreadyRunning", err)
	}

	got, err := live.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != persistence.RunStatusRunning {
		t.Errorf("run status = %q after refused instance, want running", got.Status)
	}
}

func TestRunGracefulStop(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- daemon.Run(ctx, daemon.Options{Config: testConfig(dir), Version: "test"})
	}()

	waitFor(t, "daemon socket", func() bool {
		cl, err := gateway.Dial(config.SocketPath(dir))
		if err != nil {
			return false
		}
		cl.Close()
		return true
	})
	waitFor(t, "pid file", func() bool {
		_, err := os.Stat(config.PIDPath(dir))
		return err == nil
	})

	token := completeSetup(t, dir)
	cl, err := gateway.Dial(config.SocketPath(dir))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := cl.Call(ctx, "daemon.ping", map[string]any{"token": token}, &pong); err != nil {
		t.Fatalf("daemon.ping: %v", err)
	}
	if !pong.Pong {
		t.Fatal("daemon.ping did not pong")
	}
	cl.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v on graceful stop", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop after cancel")
	}

	if _, err := os.Stat(config.PIDPath(dir)); !os.IsNotExist(err) {
		t.Errorf("pid file still present after stop: %v", err)
	}
	if _, err := gateway.Dial(config.SocketPath(dir)); !errors.Is(err, gateway.ErrDaemonUnreachable) {
		t.Errorf("dial after stop = %v, want ErrDaemonUnreachable", err)
	}
}

func TestRunStopsOnStopRPC(t *testing.T) {
	dir := t.TempDir()
	done := startDaemon(t, dir)
	token := completeSetup(t, dir)

	cl, err := gateway.Dial(config.SocketPath(dir))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cl.Close()
	// The daemon may tear the connection down before the response is
	// flushed; only the exit below matters.
	_ = cl.Call(context.Background(), "daemon.stop", map[string]any{"token": token}, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after daemon.stop", err)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not stop after daemon.stop")
	}
}

package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hiboss/hi-boss/internal/config"
	"github.com/hiboss/hi-boss/internal/persistence"
)

func seedStore(t *testing.T, dir string) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(config.DBPath(dir), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCheckLayout(t *testing.T) {
	t.Run("missing dir warns", func(t *testing.T) {
		r := checkLayout(context.Background(), filepath.Join(t.TempDir(), "nope"))
		if r.Status != statusWarn {
			t.Fatalf("status = %s, want WARN", r.Status)
		}
	})

	t.Run("writable dir passes", func(t *testing.T) {
		r := checkLayout(context.Background(), t.TempDir())
		if r.Status != statusPass {
			t.Fatalf("status = %s (%s), want PASS", r.Status, r.Message)
		}
	})

	t.Run("file in place of dir fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "data")
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		r := checkLayout(context.Background(), path)
		if r.Status != statusFail {
			t.Fatalf("status = %s, want FAIL", r.Status)
		}
	})
}

func TestCheckDatabase(t *testing.T) {
	t.Run("missing db warns", func(t *testing.T) {
		r := checkDatabase(context.Background(), t.TempDir())
		if r.Status != statusWarn {
			t.Fatalf("status = %s, want WARN", r.Status)
		}
	})

	t.Run("healthy db passes", func(t *testing.T) {
		dir := t.TempDir()
		seedStore(t, dir)
		r := checkDatabase(context.Background(), dir)
		if r.Status != statusPass {
			t.Fatalf("status = %s (%s), want PASS", r.Status, r.Message)
		}
	})
}

func TestCheckDaemon(t *testing.T) {
	t.Run("no socket warns", func(t *testing.T) {
		r := checkDaemon(context.Background(), t.TempDir())
		if r.Status != statusWarn {
			t.Fatalf("status = %s, want WARN", r.Status)
		}
		if r.Detail != "" {
			t.Fatalf("detail = %q, want empty without a pid file", r.Detail)
		}
	})

	t.Run("pid file without socket mentions crash", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(config.DaemonDir(dir), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(config.PIDPath(dir), []byte("12345\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		r := checkDaemon(context.Background(), dir)
		if r.Status != statusWarn || r.Detail == "" {
			t.Fatalf("result = %+v, want WARN with detail", r)
		}
	})

	t.Run("dead socket file warns", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(config.DaemonDir(dir), 0o700); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(config.SocketPath(dir), nil, 0o600); err != nil {
			t.Fatal(err)
		}
		r := checkDaemon(context.Background(), dir)
		if r.Status != statusWarn {
			t.Fatalf("status = %s (%s), want WARN", r.Status, r.Message)
		}
	})

	t.Run("answering daemon passes", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(config.DaemonDir(dir), 0o700); err != nil {
			t.Fatal(err)
		}
		ln, err := net.Listen("unix", config.SocketPath(dir))
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		defer ln.Close()
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
			buf := make([]byte, 4096)
			if _, err := conn.Read(buf); err != nil {
				return
			}
			fmt.Fprintf(conn, `{"jsonrpc":"2.0","id":1,"result":{"completed":true}}`+"\n")
		}()

		r := checkDaemon(context.Background(), dir)
		if r.Status != statusPass {
			t.Fatalf("status = %s (%s), want PASS", r.Status, r.Message)
		}
	})
}

func TestCheckConfiguration(t *testing.T) {
	ctx := context.Background()

	t.Run("missing db skips", func(t *testing.T) {
		r := checkConfiguration(ctx, t.TempDir())
		if r.Status != statusSkip {
			t.Fatalf("status = %s, want SKIP", r.Status)
		}
	})

	t.Run("setup not completed warns", func(t *testing.T) {
		dir := t.TempDir()
		seedStore(t, dir)
		r := checkConfiguration(ctx, dir)
		if r.Status != statusWarn {
			t.Fatalf("status = %s (%s), want WARN", r.Status, r.Message)
		}
	})

	t.Run("valid timezone passes", func(t *testing.T) {
		dir := t.TempDir()
		store := seedStore(t, dir)
		err := store.SetConfigs(ctx, map[string]string{
			persistence.ConfigKeySetupCompleted: "true",
			persistence.ConfigKeyBossTimezone:   "UTC",
		})
		if err != nil {
			t.Fatal(err)
		}
		r := checkConfiguration(ctx, dir)
		if r.Status != statusPass {
			t.Fatalf("status = %s (%s), want PASS", r.Status, r.Message)
		}
	})

	t.Run("bogus timezone fails", func(t *testing.T) {
		dir := t.TempDir()
		store := seedStore(t, dir)
		err := store.SetConfigs(ctx, map[string]string{
			persistence.ConfigKeySetupCompleted: "true",
			persistence.ConfigKeyBossTimezone:   "Mars/Olympus_Mons",
		})
		if err != nil {
			t.Fatal(err)
		}
		r := checkConfiguration(ctx, dir)
		if r.Status != statusFail {
			t.Fatalf("status = %s (%s), want FAIL", r.Status, r.Message)
		}
	})
}

func TestCheckNetwork(t *testing.T) {
	ctx := context.Background()

	t.Run("missing db skips", func(t *testing.T) {
		r := checkNetwork(ctx, t.TempDir())
		if r.Status != statusSkip {
			t.Fatalf("status = %s, want SKIP", r.Status)
		}
	})

	t.Run("no bindings skips", func(t *testing.T) {
		dir := t.TempDir()
		seedStore(t, dir)
		r := checkNetwork(ctx, dir)
		if r.Status != statusSkip {
			t.Fatalf("status = %s (%s), want SKIP", r.Status, r.Message)
		}
	})

	t.Run("bound adapter resolves its host", func(t *testing.T) {
		dir := t.TempDir()
		store := seedStore(t, dir)
		err := store.CreateAgent(ctx, &persistence.Agent{
			Name: "alpha", Token: "tok-alpha", Provider: "claude",
		})
		if err != nil {
			t.Fatal(err)
		}
		err = store.UpsertBinding(ctx, persistence.Binding{
			AgentName: "alpha", AdapterType: "telegram", AdapterToken: "123:abc",
		})
		if err != nil {
			t.Fatal(err)
		}

		lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		r := checkNetwork(lookupCtx, dir)
		// Offline environments legitimately fail the lookup.
		if r.Status != statusPass && r.Status != statusFail {
			t.Fatalf("status = %s (%s), want PASS or FAIL", r.Status, r.Message)
		}
		if r.Name != "Network" {
			t.Fatalf("name = %s, want Network", r.Name)
		}
	})
}

func TestRunCoversAllChecks(t *testing.T) {
	d := Run(context.Background(), t.TempDir(), "test")

	want := []string{"Data dir", "Database", "Daemon", "Configuration", "Providers", "Network"}
	if len(d.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(d.Results), len(want))
	}
	for i, name := range want {
		if d.Results[i].Name != name {
			t.Errorf("results[%d].Name = %q, want %q", i, d.Results[i].Name, name)
		}
	}

	anyFail := false
	for _, r := range d.Results {
		if r.Status == statusFail {
			anyFail = true
		}
	}
	if d.Healthy() == anyFail {
		t.Errorf("Healthy() = %v with anyFail = %v", d.Healthy(), anyFail)
	}
}

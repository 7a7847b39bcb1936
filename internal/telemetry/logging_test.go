package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func logLines(t *testing.T, dataDir string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dataDir, ".daemon", "daemon.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLoggerEmitsStructuredSchema(t *testing.T) {
	dataDir := t.TempDir()
	logger, closer, err := NewLogger(dataDir, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("rpc request handled", "method", "daemon.ping", "trace_id", "tr-1")

	entries := logLines(t, dataDir)
	if len(entries) == 0 {
		t.Fatal("expected at least one log line")
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "daemon" {
		t.Fatalf("component = %#v, want daemon", entry["component"])
	}
	if entry["method"] != "daemon.ping" {
		t.Fatalf("method = %#v", entry["method"])
	}
}

func TestNewLoggerRedactsSecrets(t *testing.T) {
	dataDir := t.TempDir()
	logger, closer, err := NewLogger(dataDir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("auth attempt",
		"token", "hb_0123456789abcdef0123456789abcdef",
		"detail", "header Authorization: Bearer super-secret",
		"error", `invalid token "hb_0123456789abcdef0123456789abcdef"`,
	)

	entries := logLines(t, dataDir)
	entry := entries[len(entries)-1]
	if entry["token"] != "[REDACTED]" {
		t.Fatalf("token = %#v, want [REDACTED]", entry["token"])
	}
	if entry["detail"] != "[REDACTED]" {
		t.Fatalf("detail = %#v, want [REDACTED]", entry["detail"])
	}
	if got, _ := entry["error"].(string); strings.Contains(got, "hb_0123456789") {
		t.Fatalf("error still carries the token: %q", got)
	}
}

func TestRotationKeepsNewestTen(t *testing.T) {
	dataDir := t.TempDir()
	daemonDir := filepath.Join(dataDir, ".daemon")
	historyDir := filepath.Join(daemonDir, "log_history")
	if err := os.MkdirAll(historyDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("daemon-20250101-0000%02d.log", i)
		if err := os.WriteFile(filepath.Join(historyDir, name), []byte("old"), 0o644); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(daemonDir, "daemon.log"), []byte("previous run\n"), 0o644); err != nil {
		t.Fatalf("seed previous log: %v", err)
	}

	logger, closer, err := NewLogger(dataDir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("fresh run")
	closer.Close()

	entries, err := os.ReadDir(historyDir)
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("history holds %d files, want 10", len(entries))
	}
	// The oldest seeds are the ones trimmed.
	for _, e := range entries {
		if e.Name() == "daemon-20250101-000000.log" || e.Name() == "daemon-20250101-000001.log" {
			t.Fatalf("oldest history file %s survived trimming", e.Name())
		}
	}

	raw, err := os.ReadFile(filepath.Join(daemonDir, "daemon.log"))
	if err != nil {
		t.Fatalf("read fresh log: %v", err)
	}
	if strings.Contains(string(raw), "previous run") {
		t.Fatal("previous run's lines leaked into the fresh log")
	}
}

func TestRotationDropsEmptyPrevious(t *testing.T) {
	dataDir := t.TempDir()
	daemonDir := filepath.Join(dataDir, ".daemon")
	if err := os.MkdirAll(daemonDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(daemonDir, "daemon.log"), nil, 0o644); err != nil {
		t.Fatalf("seed empty log: %v", err)
	}

	_, closer, err := NewLogger(dataDir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	closer.Close()

	if _, err := os.Stat(filepath.Join(daemonDir, "log_history")); err == nil {
		t.Fatal("empty previous log was archived")
	}
}

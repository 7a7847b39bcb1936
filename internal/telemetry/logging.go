// Package telemetry builds the daemon's structured logger: JSON lines in
// <data>/.daemon/daemon.log, mirrored to stderr unless quiet, with secret
// redaction applied to every attribute before it is written.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hiboss/hi-boss/internal/shared"
)

// historyKeep is how many rotated logs survive in log_history.
const historyKeep = 10

// NewLogger rotates the previous daemon.log into log_history and opens a
// fresh one. The returned closer owns the log file.
func NewLogger(dataDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	daemonDir := filepath.Join(dataDir, ".daemon")
	if err := os.MkdirAll(daemonDir, 0o700); err != nil {
		return nil, nil, err
	}
	logPath := filepath.Join(daemonDir, "daemon.log")
	if err := rotateExisting(logPath, filepath.Join(daemonDir, "log_history")); err != nil {
		return nil, nil, fmt.Errorf("rotate logs: %w", err)
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stderr, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shared.SecretKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(handler).With("component", "daemon")
	return logger, file, nil
}

// rotateExisting moves the previous log aside with a timestamped name and
// trims the history directory. An empty previous log is dropped instead of
// archived.
func rotateExisting(logPath, historyDir string) error {
	info, err := os.Stat(logPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return os.Remove(logPath)
	}
	if err := os.MkdirAll(historyDir, 0o700); err != nil {
		return err
	}
	stamp := time.Now().Format("20060102-150405")
	dst := filepath.Join(historyDir, "daemon-"+stamp+".log")
	for i := 1; ; i++ {
		if _, err := os.Stat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dst = filepath.Join(historyDir, fmt.Sprintf("daemon-%s.%d.log", stamp, i))
	}
	if err := os.Rename(logPath, dst); err != nil {
		return err
	}
	return trimHistory(historyDir, historyKeep)
}

func trimHistory(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "daemon-") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// redactStringValue scrubs attribute values. Whole-value redaction for
// anything carrying an auth header; pattern redaction for embedded tokens.
func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if redacted := shared.Redact(v); redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

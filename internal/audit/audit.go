// Package audit appends one JSONL record per mutating RPC call to
// <data>/.daemon/audit.log: who called what, whether it worked, correlated
// to the daemon log through the trace id. Error text is redacted before it
// lands so tokens never reach disk.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hiboss/hi-boss/internal/clock"
	"github.com/hiboss/hi-boss/internal/shared"
)

// Entry is one audit record.
type Entry struct {
	Timestamp string `json:"ts"`
	TraceID   string `json:"traceId,omitempty"`
	Method    string `json:"method"`
	Principal string `json:"principal,omitempty"`
	OK        bool   `json:"ok"`
	Err       string `json:"err,omitempty"`
}

// Log is an append-only JSONL file. A nil *Log discards records, so callers
// never need to branch on whether auditing is wired.
type Log struct {
	clk clock.Clock

	mu sync.Mutex
	f  *os.File
}

// Open creates or appends to the audit log at path.
func Open(path string, clk clock.Clock) (*Log, error) {
	if clk == nil {
		clk = clock.System{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Log{clk: clk, f: f}, nil
}

// Record appends one entry. The trace id is read from ctx; callErr nil
// means the call succeeded. Write failures are swallowed: auditing never
// fails the call it describes.
func (l *Log) Record(ctx context.Context, method, principal string, callErr error) {
	if l == nil {
		return
	}
	e := Entry{
		Timestamp: l.clk.Now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Method:    method,
		Principal: principal,
		OK:        callErr == nil,
	}
	if callErr != nil {
		e.Err = shared.Redact(callErr.Error())
	}
	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		_, _ = l.f.Write(append(b, '\n'))
	}
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

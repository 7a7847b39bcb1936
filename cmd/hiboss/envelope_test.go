package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hiboss/hi-boss/internal/gateway"
)

func TestEnvelopeSendParams(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.handle("envelope.send", map[string]any{
		"envelopeId": "env-0123456789abcdef",
		"shortId":    "env-0123",
		"to":         "agent:casey",
		"status":     "pending",
		"deliverAt":  "2026-08-25 09:00:00 UTC",
		"createdAt":  "2026-08-25 08:00:00 UTC",
	})

	code, stdout, _ := runCLI(t,
		"envelope", "send",
		"--to", "agent:casey",
		"--text", "standup in 10",
		"--deliver-at", "+1h",
		"--attach", "/tmp/notes.pdf",
		"--dir", dir, "--token", "tok-boss")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "env-0123 queued for agent:casey (deliver at 2026-08-25 09:00:00 UTC)") {
		t.Fatalf("stdout = %q", stdout)
	}

	params := fd.lastCall("envelope.send")
	if params["to"] != "agent:casey" || params["text"] != "standup in 10" || params["deliverAt"] != "+1h" {
		t.Fatalf("params = %v", params)
	}
	atts, ok := params["attachments"].([]any)
	if !ok || len(atts) != 1 {
		t.Fatalf("attachments = %v", params["attachments"])
	}
	if att := atts[0].(map[string]any); att["source"] != "/tmp/notes.pdf" {
		t.Fatalf("attachment = %v", att)
	}
}

func TestEnvelopeListEmpty(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.handle("envelope.list", map[string]any{"envelopes": []any{}})

	code, stdout, _ := runCLI(t, "envelope", "list", "--status", "pending", "--dir", dir, "--token", "tok-boss")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "no envelopes") {
		t.Fatalf("stdout = %q", stdout)
	}
	if fd.lastCall("envelope.list")["status"] != "pending" {
		t.Fatal("status filter not sent")
	}
}

func TestEnvelopeGetRendersBody(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.handle("envelope.get", map[string]any{
		"envelopeId": "env-0123456789abcdef",
		"shortId":    "env-0123",
		"from":       "boss",
		"to":         "agent:casey",
		"status":     "done",
		"text":       "ship the release notes",
		"createdAt":  "2026-08-25 08:00:00 UTC",
	})

	code, stdout, _ := runCLI(t, "envelope", "get", "env-0123", "--dir", dir, "--token", "tok-boss")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"env-0123456789abcdef", "boss", "agent:casey", "done", "ship the release notes"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestRPCUnauthorizedMapsToExit3(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.fail("envelope.list", &gateway.Error{Code: gateway.CodeUnauthorized, Message: "unknown token"})

	code, _, stderr := runCLI(t, "envelope", "list", "--dir", dir, "--token", "bogus")
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
	if !strings.Contains(stderr, "unknown token") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRPCInvalidParamsMapsToExit2(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.fail("envelope.send", &gateway.Error{Code: gateway.CodeInvalidParams, Message: "to: unknown address"})

	code, _, _ := runCLI(t, "envelope", "send", "--to", "nowhere", "--text", "x", "--dir", dir, "--token", "tok")
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestJSONFlagPrintsRawResult(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.handle("envelope.get", map[string]any{
		"envelopeId": "env-0123456789abcdef",
		"status":     "pending",
		"metadata":   map[string]any{"platform": "telegram"},
	})

	code, stdout, _ := runCLI(t, "envelope", "get", "env-0123", "--json", "--dir", dir, "--token", "tok")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(stdout), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout)
	}
	if decoded["envelopeId"] != "env-0123456789abcdef" {
		t.Fatalf("decoded = %v", decoded)
	}
	// Fields the human renderer ignores must survive JSON mode untouched.
	meta, ok := decoded["metadata"].(map[string]any)
	if !ok || meta["platform"] != "telegram" {
		t.Fatalf("metadata lost: %v", decoded)
	}
}

func TestReactionSet(t *testing.T) {
	dir := t.TempDir()
	fd := startFakeDaemon(t, dir)
	fd.handle("reaction.set", map[string]any{"reacted": true, "envelopeId": "env-0123456789abcdef"})

	code, stdout, _ := runCLI(t, "reaction", "set", "env-0123", "👍", "--dir", dir, "--token", "tok-agent")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "reacted 👍 on env-0123456789abcdef") {
		t.Fatalf("stdout = %q", stdout)
	}
	params := fd.lastCall("reaction.set")
	if params["envelopeId"] != "env-0123" || params["emoji"] != "👍" {
		t.Fatalf("params = %v", params)
	}
}

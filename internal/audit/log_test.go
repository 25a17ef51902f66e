package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"otterchat.org/internal/auth"
	"otterchat.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := context.Background()
	ctx = WithConnID(ctx, "conn-123")
	ctx = auth.ContextWithUser(ctx, "mod", auth.RoleModerator)

	if err := LogEvent(ctx, "moderation.ban", map[string]any{"target": "bob"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "moderation.ban" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["conn_id"] != "conn-123" {
		t.Fatalf("unexpected conn id: %v", entry["conn_id"])
	}
	if entry["actor"] != "mod" || entry["actor_role"] != "moderator" {
		t.Fatalf("unexpected actor: %v/%v", entry["actor"], entry["actor_role"])
	}
	if entry["id"] == "" {
		t.Fatal("expected entry id")
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["target"] != "bob" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

package audit

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sarraf.org/internal/auth"
	"sarraf.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))
	defer restore()

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, auth.AuthenticatedUser{ID: "user-42", OfficeID: "of-1", Roles: []string{"admin"}})

	if err := LogEvent(ctx, "transaction.review", map[string]any{"code": "MDM-0000ABCD"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	entry := logs.All()[0].ContextMap()
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "transaction.review" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" || entry["office_id"] != "of-1" {
		t.Fatalf("unexpected user scope: %v %v", entry["user_id"], entry["office_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["code"] != "MDM-0000ABCD" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event")
	}
}

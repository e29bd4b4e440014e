package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if sid := SessionID(ctx); sid != "" {
		t.Errorf("expected empty session id, got %q", sid)
	}

	ctx = WithSessionID(ctx, "chart-123")
	if sid := SessionID(ctx); sid != "chart-123" {
		t.Errorf("expected 'chart-123', got %q", sid)
	}
}

func TestNewSessionID(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected a UUID, got %q: %v", a, err)
	}
}

func TestLogWithSession(t *testing.T) {
	ctx := context.Background()

	if attrs := LogWithSession(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no session id, got %v", attrs)
	}

	ctx = WithSessionID(ctx, "abc-123")
	if attrs := LogWithSession(ctx); len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with session id set")
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != slog.Default() {
		t.Error("nil logger should fall back to slog.Default()")
	}
	l := slog.New(slog.NewTextHandler(nil, nil))
	if OrDefault(l) != l {
		t.Error("non-nil logger should be returned unchanged")
	}
}

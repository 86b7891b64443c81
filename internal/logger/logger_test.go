package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/Strob0t/taskforge/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestContextHandlerAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(contextHandler{slog.NewJSONHandler(&buf, nil)})

	ctx := WithTaskID(WithRequestID(context.Background(), "req-1"), "task-9")
	l.InfoContext(ctx, "processing")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if rec["request_id"] != "req-1" || rec["task_id"] != "task-9" {
		t.Fatalf("missing context attributes: %v", rec)
	}
}

func TestContextHandlerWithoutIDs(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(contextHandler{slog.NewJSONHandler(&buf, nil)}).With("component", "x")
	l.Info("plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if _, ok := rec["task_id"]; ok {
		t.Fatal("task_id must be absent without context value")
	}
	if rec["component"] != "x" {
		t.Fatal("WithAttrs must be preserved")
	}
}

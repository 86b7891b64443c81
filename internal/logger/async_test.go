package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// collector keeps every record it is handed.
type collector struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *collector) Enabled(context.Context, slog.Level) bool { return true }

func (c *collector) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
	return nil
}

func (c *collector) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *collector) WithGroup(string) slog.Handler      { return c }

func (c *collector) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.records))
	for i, r := range c.records {
		out[i] = r.Message
	}
	return out
}

// gated blocks every Handle until release is closed, announcing each call
// on entered.
type gated struct {
	collector
	entered chan struct{}
	release chan struct{}
}

func newGated() *gated {
	return &gated{entered: make(chan struct{}, 64), release: make(chan struct{})}
}

func (g *gated) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	g.entered <- struct{}{}
	<-g.release
	return g.collector.Handle(ctx, rec)
}

func record(msg string) slog.Record {
	return slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
}

func TestAsyncDeliversAllUnderConcurrency(t *testing.T) {
	const writers, each = 20, 50
	inner := &collector{}
	ah := NewAsyncHandler(inner, writers*each, 3)

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				_ = ah.Handle(context.Background(), record("task processed"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := len(inner.messages()); got != writers*each {
		t.Fatalf("expected %d records, got %d", writers*each, got)
	}
	if ah.DroppedCount() != 0 {
		t.Fatalf("expected no drops, got %d", ah.DroppedCount())
	}
}

func TestAsyncCloseReportsDrops(t *testing.T) {
	inner := newGated()
	ah := NewAsyncHandler(inner, 1, 1)

	// The worker holds the first record, the queue holds the second and
	// the remaining three are dropped.
	_ = ah.Handle(context.Background(), record("first"))
	<-inner.entered
	for range 4 {
		_ = ah.Handle(context.Background(), record("flood"))
	}
	if got := ah.DroppedCount(); got != 3 {
		t.Fatalf("expected 3 drops, got %d", got)
	}

	close(inner.release)
	ah.Close()

	msgs := inner.messages()
	if len(msgs) != 3 || msgs[0] != "first" || msgs[1] != "flood" {
		t.Fatalf("unexpected records %v", msgs)
	}
	inner.mu.Lock()
	last := inner.records[2]
	inner.mu.Unlock()
	if last.Level != slog.LevelWarn || last.Message != "async logger dropped records" {
		t.Fatalf("expected drop report last, got %s %q", last.Level, last.Message)
	}
	var dropped int64
	last.Attrs(func(a slog.Attr) bool {
		if a.Key == "dropped" {
			dropped = a.Value.Int64()
		}
		return true
	})
	if dropped != 3 {
		t.Fatalf("expected dropped=3 in report, got %d", dropped)
	}
}

func TestAsyncCloseWithoutDropsWritesNoReport(t *testing.T) {
	inner := &collector{}
	ah := NewAsyncHandler(inner, 8, 1)
	_ = ah.Handle(context.Background(), record("task classified"))
	ah.Close()

	if msgs := inner.messages(); len(msgs) != 1 || msgs[0] != "task classified" {
		t.Fatalf("unexpected records %v", msgs)
	}
}

func TestAsyncHandleAfterCloseDrops(t *testing.T) {
	inner := &collector{}
	ah := NewAsyncHandler(inner, 8, 1)
	ah.Close()
	ah.Close()

	if err := ah.Handle(context.Background(), record("late")); err != nil {
		t.Fatalf("Handle after Close: %v", err)
	}
	if ah.DroppedCount() != 1 {
		t.Fatalf("expected late record counted as dropped, got %d", ah.DroppedCount())
	}
	if len(inner.messages()) != 0 {
		t.Fatal("nothing may be written after Close")
	}
}

func TestAsyncDerivedHandlersKeepAttrs(t *testing.T) {
	var buf bytes.Buffer
	ah := NewAsyncHandler(slog.NewJSONHandler(&buf, nil), 8, 1)
	slog.New(ah).With("task_id", "t-1").WithGroup("usage").Info("execution recorded", "tokens", 1500)
	ah.Close()

	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["task_id"] != "t-1" {
		t.Fatalf("missing task_id: %v", rec)
	}
	usage, ok := rec["usage"].(map[string]any)
	if !ok || usage["tokens"] != float64(1500) {
		t.Fatalf("expected grouped tokens, got %v", rec)
	}
}

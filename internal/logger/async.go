package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes and stops a logger backend.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by an AsyncHandler and every handler derived from it
// through WithAttrs or WithGroup.
type asyncQueue struct {
	mu      sync.RWMutex // guards closed against concurrent sends
	closed  bool
	ch      chan queuedRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// queuedRecord pairs a record with the handler that must write it, so
// derived handlers keep their own attrs and groups.
type queuedRecord struct {
	inner slog.Handler
	rec   slog.Record
}

// AsyncHandler hands records to a pool of workers through a bounded queue.
// A full queue drops the record instead of blocking the caller, and so does
// a closed one.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler starts workers draining a queue of size queueSize into inner.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan queuedRecord, queueSize)}
	for range max(workers, 1) {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for qr := range q.ch {
		_ = qr.inner.Handle(context.Background(), qr.rec)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues rec and never blocks.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		h.q.dropped.Add(1)
		return nil
	}
	select {
	case h.q.ch <- queuedRecord{inner: h.inner, rec: rec}:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount reports how many records were discarded so far.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close stops accepting records, waits for the queue to drain and, when
// anything was dropped, writes one warning with the count directly to the
// inner handler. Calling Close again is a no-op.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.ch)
	h.q.mu.Unlock()

	h.q.wg.Wait()

	if n := h.q.dropped.Load(); n > 0 {
		rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
		rec.AddAttrs(slog.Int64("dropped", n))
		_ = h.inner.Handle(context.Background(), rec)
	}
}

// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/taskforge/internal/logger"
	"github.com/Strob0t/taskforge/internal/port/messagequeue"
)

const (
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"

	// maxRetries is how often a failing message is redelivered before it
	// moves to {subject}.dlq.
	maxRetries = 3
	dlqSuffix  = ".dlq"
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream capturing tasks.> and events.> exists.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.Name("taskforge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{"tasks.>", messagequeue.SubjectEventsPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// JetStream exposes the JetStream context, e.g. for key-value buckets.
func (q *Queue) JetStream() jetstream.JetStream { return q.js }

// Publish sends a message to the given subject. The request ID in ctx,
// if any, travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestID(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe consumes subject through a durable consumer shared by every
// worker, so each message is handled once. Messages failing schema
// validation go straight to the DLQ; handler failures are retried up to
// maxRetries times.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       consumerName(q.stream, subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

func (q *Queue) handle(msg jetstream.Msg, handler messagequeue.Handler) {
	subject := msg.Subject()
	hdrs := msg.Headers()

	ctx := context.Background()
	if id := hdrs.Get(headerRequestID); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}

	if err := messagequeue.Validate(subject, msg.Data()); err != nil {
		slog.ErrorContext(ctx, "invalid message, moving to dlq", "subject", subject, "error", err)
		q.moveToDLQ(ctx, msg)
		return
	}

	if err := handler(ctx, subject, msg.Data()); err != nil {
		n := retryCount(hdrs)
		slog.ErrorContext(ctx, "message handler failed", "subject", subject, "retry", n, "error", err)
		if n >= maxRetries {
			q.moveToDLQ(ctx, msg)
			return
		}
		q.redeliver(ctx, msg, n+1)
		return
	}
	if err := msg.Ack(); err != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", err)
	}
}

// redeliver republishes msg with an incremented retry count and acks the original.
func (q *Queue) redeliver(ctx context.Context, msg jetstream.Msg, retry int) {
	out := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: nats.Header{}}
	copyHeaders(out.Header, msg.Headers())
	out.Header.Set(headerRetryCount, strconv.Itoa(retry))
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.ErrorContext(ctx, "nats redeliver failed, nak", "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		slog.ErrorContext(ctx, "nats ack failed", "error", err)
	}
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg) {
	out := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: nats.Header{}}
	copyHeaders(out.Header, msg.Headers())
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.ErrorContext(ctx, "nats dlq publish failed", "subject", out.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.ErrorContext(ctx, "nats nak failed", "error", nakErr)
		}
		return
	}
	if err := msg.Term(); err != nil {
		slog.ErrorContext(ctx, "nats term failed", "error", err)
	}
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeaders(dst, src nats.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// consumerName derives a durable consumer name from stream and subject.
// Durable names may not contain '.', '*', '>' or path separators.
func consumerName(stream, subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all", "/", "_", "\\", "_", " ", "_")
	return stream + "_" + r.Replace(subject)
}

package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tfotel "github.com/Strob0t/taskforge/internal/adapter/otel"
	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/resilience"
)

// Reply is a provider response with its cost attached.
type Reply struct {
	Provider string
	Content  string
	Model    string
	Tokens   int
	CostUSD  float64
	Duration time.Duration
}

// Caller issues provider calls on behalf of strategies. Transient
// provider errors are retried with exponential backoff; all calls share
// one concurrency limiter.
type Caller struct {
	providers *provider.Registry
	limiter   *resilience.Limiter
	retry     resilience.RetryPolicy
	metrics   *tfotel.Metrics
}

// NewCaller creates a Caller. limiter and metrics may be nil.
func NewCaller(providers *provider.Registry, limiter *resilience.Limiter, retry resilience.RetryPolicy, metrics *tfotel.Metrics) *Caller {
	return &Caller{providers: providers, limiter: limiter, retry: retry, metrics: metrics}
}

// Call sends req to the provider registered under name. role labels the
// call in traces and metrics.
func (c *Caller) Call(ctx context.Context, name, role string, req provider.Request) (Reply, error) {
	entry, err := c.providers.Get(name)
	if err != nil {
		return Reply{}, err
	}

	ctx, span := tfotel.StartProviderSpan(ctx, name, role)
	start := time.Now()

	retry := c.retry
	retry.Notify = func(err error, next time.Duration) {
		slog.WarnContext(ctx, "provider call failed, retrying",
			"provider", name, "role", role, "error", err, "retry_in", next)
	}

	resp, err := resilience.Retry(ctx, retry, func(ctx context.Context) (provider.Response, error) {
		var resp provider.Response
		err := c.limiter.Run(ctx, func() error {
			var genErr error
			resp, genErr = entry.Provider.Generate(ctx, req)
			return genErr
		})
		if err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrTransientProvider) {
			return resp, resilience.Permanent(err)
		}
		return resp, err
	})
	elapsed := time.Since(start)
	tfotel.EndSpan(span, err)

	if err != nil {
		c.metrics.RecordProviderCall(ctx, name, "error", 0, elapsed)
		return Reply{Provider: name, Duration: elapsed}, fmt.Errorf("provider %s (%s): %w", name, role, err)
	}
	if resp.TokensUsed < 0 {
		resp.TokensUsed = 0
	}
	c.metrics.RecordProviderCall(ctx, name, "success", resp.TokensUsed, elapsed)

	return Reply{
		Provider: name,
		Content:  resp.Content,
		Model:    resp.Model,
		Tokens:   resp.TokensUsed,
		CostUSD:  entry.Cost(resp.TokensUsed),
		Duration: elapsed,
	}, nil
}

// Package anthropic provides a provider.Provider backed by the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/resilience"
)

const defaultMaxTokens = 4096

// Config holds the settings for one Anthropic-backed provider.
type Config struct {
	Model     string
	APIKey    string
	// BaseURL overrides the API endpoint; empty uses the SDK default.
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// Provider generates completions through the Anthropic SDK.
type Provider struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	breaker   *resilience.Breaker
}

// New creates an Anthropic provider. Retries are left to the caller, so
// the SDK's own retry loop is disabled.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Provider{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(maxTokens),
	}, nil
}

// SetBreaker attaches a circuit breaker to all API calls.
func (p *Provider) SetBreaker(b *resilience.Breaker) {
	p.breaker = b
}

// Generate implements provider.Provider.
func (p *Provider) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(provider.UserMessage(req))),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	var msg *anthropic.Message
	err := p.breaker.Execute(func() error {
		var err error
		msg, err = p.client.Messages.New(ctx, params)
		return classify(ctx, err)
	})
	if err != nil {
		return provider.Response{}, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	return provider.Response{
		Content:    text.String(),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		Model:      string(msg.Model),
	}, nil
}

// classify maps SDK errors onto the provider error contract: overload,
// rate limiting, 5xx and transport failures are transient; other API
// errors are permanent.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", domain.ErrTransientProvider, err)
		}
		return resilience.Permanent(err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientProvider, err)
}

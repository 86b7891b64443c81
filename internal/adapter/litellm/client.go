// Package litellm provides a provider.Provider backed by a LiteLLM proxy's
// OpenAI-compatible chat completions API.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/port/provider"
	"github.com/Strob0t/taskforge/internal/resilience"
)

// defaultMaxTokens applies when neither the request nor the client sets a limit.
const defaultMaxTokens = 4096

// maxErrorBody bounds how much of an error response ends up in error text.
const maxErrorBody = 512

// Client talks to a LiteLLM proxy.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a LiteLLM client that generates with model.
func NewClient(baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate implements provider.Provider.
func (c *Client) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	body := chatRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: provider.UserMessage(req)})

	data, err := json.Marshal(body)
	if err != nil {
		return provider.Response{}, fmt.Errorf("marshal chat request: %w", err)
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", data)
	if err != nil {
		return provider.Response{}, fmt.Errorf("chat completion: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return provider.Response{}, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, resilience.Permanent(errors.New("chat completion returned no choices"))
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	return provider.Response{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: tokens,
		Model:      model,
	}, nil
}

// Health checks if the proxy answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err
}

// doRequest performs one HTTP call. Network failures, 429 and 5xx are
// wrapped with domain.ErrTransientProvider; other 4xx responses are permanent.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("create request: %w", err))
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("http request: %w: %w", domain.ErrTransientProvider, err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w: %w", domain.ErrTransientProvider, err)
		}

		if resp.StatusCode >= 400 {
			apiErr := fmt.Errorf("litellm API error %d: %s", resp.StatusCode, truncate(data, maxErrorBody))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return fmt.Errorf("%w: %w", domain.ErrTransientProvider, apiErr)
			}
			return resilience.Permanent(apiErr)
		}

		result = data
		return nil
	}

	if err := c.breaker.Execute(call); err != nil {
		return nil, err
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

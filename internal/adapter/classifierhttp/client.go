// Package classifierhttp is a classifier.Classifier backed by a remote
// classification service speaking JSON over HTTP.
package classifierhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/taskforge/internal/domain"
	"github.com/Strob0t/taskforge/internal/port/classifier"
	"github.com/Strob0t/taskforge/internal/resilience"
)

const maxErrorBody = 512

// Client talks to the classification service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

var _ classifier.Classifier = (*Client)(nil)

// NewClient creates a classifier client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type classifyRequest struct {
	TaskDescription string `json:"task_description"`
}

// Classify implements classifier.Classifier.
func (c *Client) Classify(ctx context.Context, description string) (classifier.Classification, error) {
	body, err := json.Marshal(classifyRequest{TaskDescription: description})
	if err != nil {
		return classifier.Classification{}, fmt.Errorf("marshal classify request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/classify/", body)
	if err != nil {
		return classifier.Classification{}, fmt.Errorf("classify: %w", err)
	}

	var out classifier.Classification
	if err := json.Unmarshal(data, &out); err != nil {
		return classifier.Classification{}, resilience.Permanent(fmt.Errorf("unmarshal classification: %w", err))
	}
	return out, nil
}

// ClassifyBatch classifies several descriptions in one round trip. Results
// are returned in input order.
func (c *Client) ClassifyBatch(ctx context.Context, descriptions []string) ([]classifier.Classification, error) {
	if len(descriptions) == 0 {
		return nil, nil
	}
	reqs := make([]classifyRequest, len(descriptions))
	for i, d := range descriptions {
		reqs[i] = classifyRequest{TaskDescription: d}
	}
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/classify/batch", body)
	if err != nil {
		return nil, fmt.Errorf("classify batch: %w", err)
	}

	var out []classifier.Classification
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("unmarshal batch classification: %w", err))
	}
	if len(out) != len(descriptions) {
		return nil, resilience.Permanent(fmt.Errorf("classify batch: got %d results for %d descriptions", len(out), len(descriptions)))
	}
	return out, nil
}

// Health checks if the classification service is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	return err
}

// doRequest performs one HTTP call. Network failures, 429 and 5xx wrap
// domain.ErrTransientProvider; other 4xx responses are permanent.
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
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
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
			if len(data) > maxErrorBody {
				data = data[:maxErrorBody]
			}
			apiErr := fmt.Errorf("classifier API error %d: %s", resp.StatusCode, data)
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

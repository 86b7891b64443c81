// Package slack implements a notifier.Notifier for Slack incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/taskforge/internal/port/notifier"
)

const kind = "slack"

// maxFields is the Block Kit limit for fields in one section.
const maxFields = 10

func init() {
	notifier.Register(kind, func(settings map[string]string) (notifier.Notifier, error) {
		return NewNotifier(settings["webhook_url"]), nil
	})
}

// Notifier posts Block Kit messages to a Slack webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements notifier.Notifier.
func (n *Notifier) Name() string { return kind }

type message struct {
	Text   string  `json:"text"` // fallback for clients without blocks
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send implements notifier.Notifier.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	header := fmt.Sprintf("%s %s", levelTag(notification.Level), notification.Title)
	msg := message{
		Text: header,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: header}},
		},
	}
	if notification.Message != "" {
		msg.Blocks = append(msg.Blocks, block{Type: "section", Text: &text{Type: "mrkdwn", Text: notification.Message}})
	}
	if len(notification.Fields) > 0 {
		fields := make([]text, 0, min(len(notification.Fields), maxFields))
		for _, f := range notification.Fields[:min(len(notification.Fields), maxFields)] {
			fields = append(fields, text{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", f.Name, f.Value)})
		}
		msg.Blocks = append(msg.Blocks, block{Type: "section", Fields: fields})
	}
	if notification.Source != "" {
		msg.Blocks = append(msg.Blocks, block{
			Type:     "context",
			Elements: []text{{Type: "mrkdwn", Text: "_" + notification.Source + "_"}},
		})
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func levelTag(level notifier.Level) string {
	switch level {
	case notifier.LevelSuccess:
		return "[OK]"
	case notifier.LevelError:
		return "[FAILED]"
	case notifier.LevelWarning:
		return "[WARN]"
	default:
		return "[INFO]"
	}
}

// Package discord implements a notifier.Notifier for Discord webhooks.
package discord

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

const kind = "discord"

// maxFields is Discord's per-embed field limit.
const maxFields = 25

func init() {
	notifier.Register(kind, func(settings map[string]string) (notifier.Notifier, error) {
		return NewNotifier(settings["webhook_url"]), nil
	})
}

// Notifier posts embeds to a Discord webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

// NewNotifier creates a Discord notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements notifier.Notifier.
func (n *Notifier) Name() string { return kind }

type webhook struct {
	Embeds []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Footer      *footer      `json:"footer,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

// Send implements notifier.Notifier.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	e := embed{
		Title:       notification.Title,
		Description: notification.Message,
		Color:       levelColor(notification.Level),
	}
	for _, f := range notification.Fields[:min(len(notification.Fields), maxFields)] {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	if notification.Source != "" {
		e.Footer = &footer{Text: notification.Source}
	}

	body, err := json.Marshal(webhook{Embeds: []embed{e}})
	if err != nil {
		return fmt.Errorf("discord marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Discord answers 204 on success.
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord API %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// levelColor returns the embed sidebar color for level.
func levelColor(level notifier.Level) int {
	switch level {
	case notifier.LevelSuccess:
		return 0x2ECC71 // green
	case notifier.LevelError:
		return 0xE74C3C // red
	case notifier.LevelWarning:
		return 0xF39C12 // orange
	default:
		return 0x3498DB // blue
	}
}

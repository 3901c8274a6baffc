package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookConfig configures a Slack-style incoming webhook.
type WebhookConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Channel string        `yaml:"channel"`
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

// WebhookSink posts events to an incoming webhook.
type WebhookSink struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookSink creates a webhook sink. A zero timeout means 10 seconds.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		config: cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements Sink.
func (w *WebhookSink) Name() string {
	return "webhook"
}

type webhookField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type webhookAttachment struct {
	Color     string         `json:"color"`
	Title     string         `json:"title"`
	TitleLink string         `json:"title_link,omitempty"`
	Text      string         `json:"text"`
	Fields    []webhookField `json:"fields"`
	Timestamp int64          `json:"ts"`
}

type webhookPayload struct {
	Channel     string              `json:"channel,omitempty"`
	Text        string              `json:"text"`
	Attachments []webhookAttachment `json:"attachments"`
}

func attachmentColor(event Event) string {
	if event.Resolved {
		return "good"
	}
	switch event.Severity {
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "#439FE0"
	}
}

func buildPayload(channel string, event Event) webhookPayload {
	state := "unresolved"
	text := ":warning: " + event.Title
	if event.Resolved {
		state = "resolved"
		text = ":white_check_mark: " + event.Title
	}

	return webhookPayload{
		Channel: channel,
		Text:    text,
		Attachments: []webhookAttachment{{
			Color:     attachmentColor(event),
			Title:     event.Title,
			TitleLink: event.Link,
			Text:      event.Message,
			Fields: []webhookField{
				{Title: "Server", Value: event.Server, Short: true},
				{Title: "Pack", Value: event.PackName, Short: true},
				{Title: "Category", Value: event.Category, Short: true},
				{Title: "Severity", Value: event.Severity, Short: true},
				{Title: "Mismatches", Value: strconv.Itoa(event.Value), Short: true},
				{Title: "State", Value: state, Short: true},
			},
			Timestamp: event.Timestamp.Unix(),
		}},
	}
}

// Notify implements Sink. Any non-2xx response is an error.
func (w *WebhookSink) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(buildPayload(w.config.Channel, event))
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

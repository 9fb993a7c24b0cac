package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/integration"
)

const maxNotifyTextLen = 3000

// Slack delivers detection notifications to an incoming webhook.
type Slack struct {
	name       string
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// NewSlack creates a Slack notifier from its descriptor.
func NewSlack(d integration.Descriptor, logger log.Logger) *Slack {
	return &Slack{
		name:       d.Name,
		webhookURL: d.Credential("webhook_url"),
		client:     httpClient(d),
		logger:     logger.With("integration", d.Name),
	}
}

// Name returns the integration name.
func (s *Slack) Name() string { return s.name }

// Send posts the message to the configured webhook. An empty webhook
// URL makes Send a no-op so a half-configured integration does not
// fail playbook chains.
func (s *Slack) Send(ctx context.Context, msg integration.Message) error {
	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildBlocks(msg))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildBlocks(msg integration.Message) map[string]any {
	text := msg.Text
	if len(text) > maxNotifyTextLen {
		text = text[:maxNotifyTextLen] + "…"
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:*\n%d", msg.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Detection:*\n%s", msg.DetectionID)},
	}
	if msg.TicketID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Ticket:*\n%s", msg.TicketID)})
	}

	return map[string]any{
		"blocks": []map[string]any{
			{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("%s %s", severityEmoji(msg.Severity), msg.Title),
				},
			},
			{"type": "section", "fields": fields},
			{"type": "divider"},
			{
				"type": "section",
				"text": map[string]any{"type": "mrkdwn", "text": text},
			},
		},
	}
}

func severityEmoji(severity int) string {
	switch {
	case severity >= 80:
		return "🔴"
	case severity >= 50:
		return "🟠"
	case severity >= 20:
		return "🟡"
	default:
		return "🟢"
	}
}

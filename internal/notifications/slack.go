// Package notifications delivers spend and backend alerts to chat webhooks.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/MarletteFunding/nestwatch-nvidia-nemo-agent/pkg/resilience"
)

const (
	defaultUsername = "SRE Dashboard"
	defaultTimeout  = 10 * time.Second
	footer          = "nestwatch LLM guard"
)

// SlackConfig configures a SlackPoster
type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
}

// SlackPoster posts alerts to a Slack incoming webhook. It implements
// resilience.AlertHandler.
type SlackPoster struct {
	config     SlackConfig
	logger     *zap.Logger
	httpClient *http.Client
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackPoster creates a poster. A nil client gets one with config.Timeout.
func NewSlackPoster(config SlackConfig, logger *zap.Logger, client *http.Client) *SlackPoster {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &SlackPoster{
		config:     config,
		logger:     logger,
		httpClient: client,
	}
}

// Name implements resilience.AlertHandler
func (p *SlackPoster) Name() string {
	return "slack"
}

// HandleAlert implements resilience.AlertHandler
func (p *SlackPoster) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	if p.config.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	payload, err := json.Marshal(p.buildMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	p.logger.Info("Sent Slack alert",
		zap.String("alert_id", alert.ID),
		zap.String("type", alert.Type),
		zap.String("webhook_url", maskWebhookURL(p.config.WebhookURL)))

	return nil
}

func (p *SlackPoster) buildMessage(alert resilience.Alert) SlackMessage {
	msg := SlackMessage{
		Text:      fmt.Sprintf("%s: %s", alert.Title, alert.Description),
		Username:  p.config.Username,
		Channel:   p.config.Channel,
		IconEmoji: iconFor(alert.Severity),
	}

	attachment := SlackAttachment{
		Color:     colorFor(alert.Severity),
		Title:     alert.Title,
		Text:      alert.Description,
		Footer:    footer,
		Timestamp: alert.Timestamp.Unix(),
		Fields: []SlackField{
			{Title: "Severity", Value: alert.Severity.String(), Short: true},
		},
	}
	if alert.Type != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Type", Value: alert.Type, Short: true})
	}
	if alert.Source != "" {
		attachment.Fields = append(attachment.Fields, SlackField{Title: "Source", Value: alert.Source, Short: true})
	}

	msg.Attachments = []SlackAttachment{attachment}
	return msg
}

func iconFor(severity resilience.AlertSeverity) string {
	switch severity {
	case resilience.SeverityCritical, resilience.SeverityError:
		return ":rotating_light:"
	case resilience.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func colorFor(severity resilience.AlertSeverity) string {
	switch severity {
	case resilience.SeverityCritical, resilience.SeverityError:
		return "danger"
	case resilience.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}

// maskWebhookURL masks the webhook URL for logging
func maskWebhookURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}

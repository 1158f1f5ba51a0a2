package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/packetmind/packetmind/internal/config"
)

// SlackSender sends alerts to Slack via incoming webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender creates a new Slack alert sender.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

type slackPayload struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields"`
	TS     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Send posts an alert to Slack.
func (s *SlackSender) Send(alert Alert) error {
	payload := slackPayload{
		Channel: s.channel,
		Attachments: []slackAttachment{{
			Color:  severityColor(alert.Severity),
			Title:  "PacketMind: " + alert.Title,
			Text:   alert.Message,
			Fields: slackFields(alert),
			TS:     alert.Timestamp.Unix(),
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func slackFields(alert Alert) []slackField {
	fields := []slackField{
		{Title: "Type", Value: alert.Type, Short: true},
		{Title: "Severity", Value: alert.Severity, Short: true},
	}
	if alert.Rule != "" {
		fields = append(fields, slackField{Title: "Rule", Value: alert.Rule, Short: true})
	}
	if alert.Domain != "" {
		fields = append(fields, slackField{Title: "Domain", Value: alert.Domain, Short: true})
	}
	if alert.TransactionID != "" {
		fields = append(fields, slackField{Title: "Transaction", Value: alert.TransactionID, Short: false})
	}
	return fields
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "#dc3545"
	case "warning":
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}

package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/packetmind/packetmind/internal/config"
)

// Webhook headers. The signature is hex HMAC-SHA256 over "<timestamp>.<body>"
// and is only sent when a secret is configured.
const (
	SignatureHeader = "X-PacketMind-Signature"
	TimestampHeader = "X-PacketMind-Timestamp"
)

// webhookEnvelope is the JSON document posted to generic webhooks.
type webhookEnvelope struct {
	Event  string    `json:"event"`
	SentAt time.Time `json:"sent_at"`
	Alert  Alert     `json:"alert"`
}

// WebhookSender posts alerts to a generic HTTP endpoint.
type WebhookSender struct {
	endpoint string
	secret   []byte
	client   *http.Client
	now      func() time.Time
}

func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		endpoint: cfg.URL,
		secret:   []byte(cfg.Secret),
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

// Send posts the alert wrapped in an envelope. Any non-2xx answer is an error.
func (w *WebhookSender) Send(alert Alert) error {
	sentAt := w.now().UTC()
	body, err := json.Marshal(webhookEnvelope{Event: "packetmind.alert", SentAt: sentAt, Alert: alert})
	if err != nil {
		return fmt.Errorf("webhook: encode %s alert: %w", alert.Type, err)
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "PacketMind/1.0")
	if len(w.secret) > 0 {
		ts := strconv.FormatInt(sentAt.Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(ts, body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post to %s: %w", req.URL.Host, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: %s answered %s", req.URL.Host, resp.Status)
	}
	return nil
}

// Sign computes the value of SignatureHeader for a timestamp and body.
func Sign(timestamp string, body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(timestamp, signature string, body, secret []byte) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(timestamp, body, secret))
	return hmac.Equal(got, want)
}

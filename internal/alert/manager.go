// Package alert delivers rule-match notifications to Slack and generic
// webhooks.
package alert

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packetmind/packetmind/internal/config"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type          string         `json:"type"`     // rule_match
	Severity      string         `json:"severity"` // info, warning, critical
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Rule          string         `json:"rule,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// Recorder receives delivery outcomes. Implemented by the metrics package.
type Recorder interface {
	RecordAlert(channel string, err error)
}

// Manager orchestrates alert delivery with deduplication. The same rule
// firing for the same domain is delivered at most once per dedup window.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	recorder Recorder
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithSender adds a delivery channel.
func WithSender(s Sender) Option {
	return func(m *Manager) { m.senders = append(m.senders, s) }
}

// WithDedupTTL sets the deduplication window.
func WithDedupTTL(d time.Duration) Option {
	return func(m *Manager) { m.dedupTTL = d }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager creates a new alert manager with the senders configured in cfg.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SendAlert builds a rule_match alert from a pipeline notification and
// dispatches it. Known detail keys (rule, domain, transaction_id) are lifted
// onto the alert.
func (m *Manager) SendAlert(severity, message string, details map[string]any) {
	a := Alert{
		Type:     "rule_match",
		Severity: severity,
		Message:  message,
		Details:  details,
	}
	a.Rule, _ = details["rule"].(string)
	a.Domain, _ = details["domain"].(string)
	a.TransactionID, _ = details["transaction_id"].(string)
	a.Title = "Rule matched"
	if a.Rule != "" {
		a.Title = fmt.Sprintf("Rule %s matched", a.Rule)
	}
	m.Send(a)
}

// Send dispatches an alert to all configured channels with deduplication.
// Delivery is asynchronous; Wait blocks until it finishes.
func (m *Manager) Send(alert Alert) {
	if len(m.senders) == 0 {
		return
	}
	alert.Timestamp = time.Now().UTC()

	dedupKey := alert.Type + "|" + alert.Rule + "|" + alert.Domain
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	m.mu.Unlock()

	for _, sender := range m.senders {
		m.wg.Add(1)
		go func(s Sender) {
			defer m.wg.Done()
			err := s.Send(alert)
			if m.recorder != nil {
				m.recorder.RecordAlert(s.Name(), err)
			}
			if err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"rule", alert.Rule,
					"error", err,
				)
			}
		}(sender)
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	return len(m.senders) > 0
}

// Package capture turns intercepted HTTP(S) traffic into stored, classified
// transactions. The Pipeline is the single ingestion path; the Proxy feeds it
// from live traffic and the Controller owns the proxy's running state.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/packetmind/packetmind/internal/filter"
	"github.com/packetmind/packetmind/internal/txn"
)

var (
	// ErrUnavailable is returned when capture is not running.
	ErrUnavailable = errors.New("capture unavailable")
	// ErrAlreadyRunning is returned when starting a running capture.
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrInvalidEvent is returned for a capture event without method or URL.
	ErrInvalidEvent = errors.New("invalid capture event")
)

// AlertSender dispatches alerts for rules that request one.
// Implemented by the alert package.
type AlertSender interface {
	SendAlert(severity, message string, details map[string]any)
}

// Recorder receives pipeline measurements. Implemented by the metrics package.
type Recorder interface {
	ObserveIngest(t txn.Transaction)
	ObserveComplete(status int, d time.Duration)
	ObserveResponseBytes(n int64)
	RecordIngestRejected()
	SetCaptureRunning(running bool)
}

// Pipeline classifies and stores capture events. Ingest is safe for
// concurrent use by any number of proxy connections.
type Pipeline struct {
	store   *txn.Store
	filters *filter.Registry

	rules    *filter.RuleSet
	alerts   AlertSender
	recorder Recorder

	open  atomic.Bool
	now   func() time.Time
	newID func() string

	logger *slog.Logger
}

// Option configures the Pipeline via functional options.
type Option func(*Pipeline)

// WithRuleSet enables CEL tagging rules at ingestion.
func WithRuleSet(rs *filter.RuleSet) Option {
	return func(p *Pipeline) { p.rules = rs }
}

// WithAlertSender sets the alert dispatcher for alerting rules.
func WithAlertSender(a AlertSender) Option {
	return func(p *Pipeline) { p.alerts = a }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a Pipeline that accepts events until Close is called.
func NewPipeline(store *txn.Store, filters *filter.Registry, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		store:   store,
		filters: filters,
		now:     time.Now,
		newID:   func() string { return ulid.Make().String() },
		logger:  logger.With("component", "capture.Pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.open.Store(true)
	return p
}

// Open lets Ingest accept events.
func (p *Pipeline) Open() {
	p.open.Store(true)
	if p.recorder != nil {
		p.recorder.SetCaptureRunning(true)
	}
}

// Close makes Ingest fail with ErrUnavailable. Complete keeps working so
// in-flight exchanges still get their response recorded.
func (p *Pipeline) Close() {
	p.open.Store(false)
	if p.recorder != nil {
		p.recorder.SetCaptureRunning(false)
	}
}

// Accepting reports whether Ingest currently accepts events.
func (p *Pipeline) Accepting() bool {
	return p.open.Load()
}

// Store returns the backing transaction store.
func (p *Pipeline) Store() *txn.Store { return p.store }

// Ingest records the request side of an exchange: it assigns an id and
// timestamp, classifies against a snapshot of the filters, applies tagging
// rules and appends the result to the store.
func (p *Pipeline) Ingest(method, rawURL string) (txn.Transaction, error) {
	if !p.open.Load() {
		if p.recorder != nil {
			p.recorder.RecordIngestRejected()
		}
		return txn.Transaction{}, ErrUnavailable
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	rawURL = strings.TrimSpace(rawURL)
	if method == "" || rawURL == "" {
		return txn.Transaction{}, fmt.Errorf("%w: method and url are required", ErrInvalidEvent)
	}

	t := txn.Transaction{
		ID:        p.newID(),
		Method:    method,
		URL:       rawURL,
		Timestamp: p.now().UTC(),
	}

	// The registry lock is released before the store lock is taken.
	snapshot := p.filters.Snapshot()
	tags := filter.Classify(t, snapshot)

	var matches []filter.Match
	if p.rules != nil {
		matches = p.rules.Evaluate(t)
		for _, m := range matches {
			tags = tags.With(m.Tag)
		}
	}
	t.Tags = t.Tags.With(tags...)

	if err := p.store.Append(t); err != nil {
		return txn.Transaction{}, fmt.Errorf("ingest: %w", err)
	}
	if p.recorder != nil {
		p.recorder.ObserveIngest(t)
	}

	if t.Tags.Has(txn.TagFiltered) {
		pattern, _ := filter.FirstMatch(t.URL, snapshot)
		p.logger.Warn("filtered transaction",
			"id", t.ID,
			"method", t.Method,
			"url", t.URL,
			"pattern", pattern,
		)
	} else {
		p.logger.Debug("transaction captured", "id", t.ID, "method", t.Method, "url", t.URL)
	}

	p.raiseAlerts(t, matches)
	return t, nil
}

func (p *Pipeline) raiseAlerts(t txn.Transaction, matches []filter.Match) {
	if p.alerts == nil {
		return
	}
	for _, m := range matches {
		if !m.Alert {
			continue
		}
		p.alerts.SendAlert("warning",
			fmt.Sprintf("Rule %q matched %s %s", m.Rule, t.Method, t.URL),
			map[string]any{
				"transaction_id": t.ID,
				"rule":           m.Rule,
				"tag":            m.Tag,
				"domain":         filter.ExtractDomain(t.URL),
			})
	}
}

// Complete records the response side of an exchange.
func (p *Pipeline) Complete(id string, status int, d time.Duration) error {
	if err := p.store.UpdateResult(id, status, d.Milliseconds()); err != nil {
		return err
	}
	if p.recorder != nil {
		p.recorder.ObserveComplete(status, d)
	}
	p.logger.Info("transaction completed", "id", id, "status", status, "duration_ms", d.Milliseconds())
	return nil
}

// RecordResponseBytes counts response body bytes relayed to a client.
func (p *Pipeline) RecordResponseBytes(n int64) {
	if p.recorder != nil {
		p.recorder.ObserveResponseBytes(n)
	}
}

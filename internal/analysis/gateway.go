package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/packetmind/packetmind/internal/txn"
)

// Recorder receives analysis call measurements. Implemented by the metrics
// package.
type Recorder interface {
	ObserveAnalysis(op string, d time.Duration, err error)
}

// Gateway resolves transaction ids through the store and forwards snapshots
// to the engine under a per-call timeout. Unknown ids fail with
// txn.ErrNotFound before the engine is invoked. Failures are not retried or
// cached.
type Gateway struct {
	store    *txn.Store
	engine   Engine
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// GatewayOption configures the Gateway.
type GatewayOption func(*Gateway)

// WithTimeout sets the per-call engine timeout. Zero disables it.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

// NewGateway creates a Gateway with a 30s default timeout.
func NewGateway(store *txn.Store, engine Engine, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		store:   store,
		engine:  engine,
		timeout: 30 * time.Second,
		logger:  logger.With("component", "analysis.Gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Analyze returns the engine's analysis of the transaction with the given id.
// The result is passed through as the engine produced it.
func (g *Gateway) Analyze(ctx context.Context, id string) (*Result, error) {
	t, err := g.store.Get(id)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = g.call(ctx, "analyze", id, func(ctx context.Context) error {
		r, err := g.engine.AnalyzeTransaction(ctx, t)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DetectVulnerabilities returns the engine's findings for the transaction.
func (g *Gateway) DetectVulnerabilities(ctx context.Context, id string) ([]string, error) {
	t, err := g.store.Get(id)
	if err != nil {
		return nil, err
	}

	var findings []string
	err = g.call(ctx, "vulnerabilities", id, func(ctx context.Context) error {
		f, err := g.engine.DetectVulnerabilities(ctx, t)
		findings = f
		return err
	})
	if err != nil {
		return nil, err
	}
	if findings == nil {
		findings = []string{}
	}
	return findings, nil
}

// Insights returns corpus-wide observations over the current history.
func (g *Gateway) Insights(ctx context.Context) ([]string, error) {
	corpus := g.store.List()

	var insights []string
	err := g.call(ctx, "insights", "", func(ctx context.Context) error {
		in, err := g.engine.Insights(ctx, corpus)
		insights = in
		return err
	})
	if err != nil {
		return nil, err
	}
	if insights == nil {
		insights = []string{}
	}
	return insights, nil
}

func (g *Gateway) call(ctx context.Context, op, id string, fn func(context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if g.recorder != nil {
		g.recorder.ObserveAnalysis(op, elapsed, err)
	}

	if err != nil {
		g.logger.Error("analysis backend failed", "op", op, "id", id, "duration_ms", elapsed.Milliseconds(), "error", err)
		return &BackendError{Op: op, Err: err}
	}
	g.logger.Debug("analysis completed", "op", op, "id", id, "duration_ms", elapsed.Milliseconds())
	return nil
}

package analysis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packetmind/packetmind/internal/txn"
)

type stubEngine struct {
	calls   atomic.Int32
	result  *Result
	err     error
	delay   time.Duration
	corpusN int
}

func (s *stubEngine) wait(ctx context.Context) error {
	if s.delay == 0 {
		return nil
	}
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stubEngine) AnalyzeTransaction(ctx context.Context, t txn.Transaction) (*Result, error) {
	s.calls.Add(1)
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.result, s.err
}

func (s *stubEngine) DetectVulnerabilities(ctx context.Context, t txn.Transaction) ([]string, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

func (s *stubEngine) Insights(ctx context.Context, corpus []txn.Transaction) ([]string, error) {
	s.calls.Add(1)
	s.corpusN = len(corpus)
	if s.err != nil {
		return nil, s.err
	}
	return []string{"ok"}, nil
}

func seededStore(t *testing.T) *txn.Store {
	t.Helper()
	s := txn.NewStore()
	if err := s.Append(txn.Transaction{ID: "known", Method: "GET", URL: "https://api.example.com/v1/users", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestGateway_UnknownIDSkipsEngine(t *testing.T) {
	engine := &stubEngine{result: &Result{SecurityRisk: RiskLow}}
	g := NewGateway(seededStore(t), engine, nil)

	if _, err := g.Analyze(context.Background(), "missing"); !errors.Is(err, txn.ErrNotFound) {
		t.Errorf("Analyze err = %v, want txn.ErrNotFound", err)
	}
	if _, err := g.DetectVulnerabilities(context.Background(), "missing"); !errors.Is(err, txn.ErrNotFound) {
		t.Errorf("DetectVulnerabilities err = %v, want txn.ErrNotFound", err)
	}
	if n := engine.calls.Load(); n != 0 {
		t.Errorf("engine called %d times, want 0", n)
	}
}

func TestGateway_BackendErrorVerbatim(t *testing.T) {
	engine := &stubEngine{err: errors.New("model overloaded")}
	g := NewGateway(seededStore(t), engine, nil)

	_, err := g.Analyze(context.Background(), "known")
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if err.Error() != "model overloaded" {
		t.Errorf("message = %q, want verbatim engine message", err.Error())
	}
	if errors.Is(err, txn.ErrNotFound) {
		t.Error("backend error must not look like not-found")
	}

	if _, err := g.Insights(context.Background()); !IsBackendError(err) {
		t.Errorf("Insights err = %v, want backend error", err)
	}

	// No caching of failures: each call reaches the engine.
	g.Analyze(context.Background(), "known")
	if n := engine.calls.Load(); n != 3 {
		t.Errorf("engine calls = %d, want 3", n)
	}
}

func TestGateway_ResultPassedThrough(t *testing.T) {
	want := &Result{SecurityRisk: RiskHigh, PerformanceInsights: []string{"slow"}}
	g := NewGateway(seededStore(t), &stubEngine{result: want}, nil)

	got, err := g.Analyze(context.Background(), "known")
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("result = %+v, want the engine's result unchanged", got)
	}
	if got.APIPatterns != nil {
		t.Error("gateway should not rewrite engine results")
	}
}

func TestGateway_Timeout(t *testing.T) {
	engine := &stubEngine{result: &Result{SecurityRisk: RiskLow}, delay: time.Second}
	g := NewGateway(seededStore(t), engine, nil, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := g.Analyze(context.Background(), "known")
	if !errors.Is(err, context.DeadlineExceeded) || !IsBackendError(err) {
		t.Errorf("err = %v, want backend error wrapping DeadlineExceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout not applied")
	}
}

func TestGateway_EmptyFindings(t *testing.T) {
	engine := &stubEngine{result: &Result{SecurityRisk: RiskMedium}}
	g := NewGateway(seededStore(t), engine, nil)

	findings, err := g.DetectVulnerabilities(context.Background(), "known")
	if err != nil || findings == nil || len(findings) != 0 {
		t.Errorf("findings = %#v, %v; want empty non-nil", findings, err)
	}

	insights, err := g.Insights(context.Background())
	if err != nil || len(insights) != 1 || engine.corpusN != 1 {
		t.Errorf("insights = %v, %v (corpus %d)", insights, err, engine.corpusN)
	}
}

type fakeRecorder struct{ ops []string }

func (f *fakeRecorder) ObserveAnalysis(op string, d time.Duration, err error) {
	f.ops = append(f.ops, op)
}

func TestGateway_Recorder(t *testing.T) {
	rec := &fakeRecorder{}
	g := NewGateway(seededStore(t), &stubEngine{result: &Result{SecurityRisk: RiskLow}}, nil, WithRecorder(rec))
	g.Analyze(context.Background(), "known")
	g.Analyze(context.Background(), "missing")
	g.Insights(context.Background())
	if len(rec.ops) != 2 || rec.ops[0] != "analyze" || rec.ops[1] != "insights" {
		t.Errorf("recorded ops = %v", rec.ops)
	}
}

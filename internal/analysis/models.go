// Package analysis resolves captured transactions and hands them to an
// analysis engine: the local heuristic rules or an OpenAI-compatible LLM.
package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/packetmind/packetmind/internal/txn"
)

// SecurityRisk is the overall risk level assigned to a transaction.
type SecurityRisk string

const (
	RiskLow      SecurityRisk = "Low"
	RiskMedium   SecurityRisk = "Medium"
	RiskHigh     SecurityRisk = "High"
	RiskCritical SecurityRisk = "Critical"
)

// Valid reports whether r is one of the four defined levels.
func (r SecurityRisk) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// APIPattern is a recognized API style with a confidence in [0,1].
type APIPattern struct {
	PatternType string  `json:"pattern_type"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description"`
}

// DataFlowAnalysis describes what data moves in which direction.
type DataFlowAnalysis struct {
	DataTypes             []string `json:"data_types"`
	SensitiveDataDetected bool     `json:"sensitive_data_detected"`
	DataFlowDirection     string   `json:"data_flow_direction"`
	ComplianceIssues      []string `json:"compliance_issues"`
}

// Result is an engine's analysis of a single transaction.
type Result struct {
	SecurityRisk            SecurityRisk     `json:"security_risk"`
	PerformanceInsights     []string         `json:"performance_insights"`
	OptimizationSuggestions []string         `json:"optimization_suggestions"`
	AnomalyDetection        []string         `json:"anomaly_detection"`
	APIPatterns             []APIPattern     `json:"api_patterns"`
	DataFlowAnalysis        DataFlowAnalysis `json:"data_flow_analysis"`
}

// Validate checks the invariants of a Result coming from an engine.
func (r *Result) Validate() error {
	if !r.SecurityRisk.Valid() {
		return fmt.Errorf("invalid security_risk %q", r.SecurityRisk)
	}
	for i, p := range r.APIPatterns {
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("api_patterns[%d]: confidence %v outside [0,1]", i, p.Confidence)
		}
	}
	return nil
}

// normalize replaces nil slices with empty ones so the wire shape always
// carries arrays.
func (r *Result) normalize() {
	if r.PerformanceInsights == nil {
		r.PerformanceInsights = []string{}
	}
	if r.OptimizationSuggestions == nil {
		r.OptimizationSuggestions = []string{}
	}
	if r.AnomalyDetection == nil {
		r.AnomalyDetection = []string{}
	}
	if r.APIPatterns == nil {
		r.APIPatterns = []APIPattern{}
	}
	if r.DataFlowAnalysis.DataTypes == nil {
		r.DataFlowAnalysis.DataTypes = []string{}
	}
	if r.DataFlowAnalysis.ComplianceIssues == nil {
		r.DataFlowAnalysis.ComplianceIssues = []string{}
	}
}

// Engine is an analysis backend. Engines receive transaction snapshots and
// never touch the store.
type Engine interface {
	AnalyzeTransaction(ctx context.Context, t txn.Transaction) (*Result, error)
	DetectVulnerabilities(ctx context.Context, t txn.Transaction) ([]string, error)
	Insights(ctx context.Context, corpus []txn.Transaction) ([]string, error)
}

// BackendError wraps a failure reported by the engine. Error returns the
// engine's message unchanged.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsBackendError reports whether err carries a *BackendError.
func IsBackendError(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

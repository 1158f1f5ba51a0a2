package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/packetmind/packetmind/internal/analysis"
	"github.com/packetmind/packetmind/internal/capture"
	"github.com/packetmind/packetmind/internal/filter"
	"github.com/packetmind/packetmind/internal/txn"
)

const maxRequestBody = 1 << 20

// --- Capture ---

func (s *Server) handleCaptureStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.deps.Controller.Running(),
		"listen":  s.deps.Controller.Listen(),
	})
}

func (s *Server) handleCaptureStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Start(); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleCaptureStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Stop(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type requestEvent struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

type resultEvent struct {
	Status   int   `json:"status"`
	Duration int64 `json:"duration"` // milliseconds
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev requestEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	t, err := s.deps.Pipeline.Ingest(ev.Method, ev.URL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCompleteEvent(w http.ResponseWriter, r *http.Request) {
	var ev resultEvent
	if err := decodeBody(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if ev.Status < 100 || ev.Status > 599 || ev.Duration < 0 {
		writeError(w, http.StatusBadRequest, "invalid_event",
			fmt.Sprintf("status must be 100-599 and duration non-negative, got %d/%d", ev.Status, ev.Duration))
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.deps.Pipeline.Complete(id, ev.Status, time.Duration(ev.Duration)*time.Millisecond); err != nil {
		writeDomainError(w, err)
		return
	}
	t, err := s.store.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- Transactions ---

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleClearTransactions(w http.ResponseWriter, r *http.Request) {
	s.store.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSearchTransactions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "search_unavailable", "search index is not enabled")
		return
	}

	q := r.URL.Query()
	f := txn.SearchFilter{
		Keyword: q.Get("q"),
		Method:  q.Get("method"),
		Domain:  q.Get("domain"),
		Limit:   queryInt(r, "limit", 0),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", fmt.Sprintf("status %q is not a number", raw))
			return
		}
		f.Status = status
	}

	results, err := s.deps.Index.Search(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleExportHAR(w http.ResponseWriter, r *http.Request) {
	har := txn.ExportHAR(s.store.List(), s.deps.Version)
	w.Header().Set("Content-Disposition", `attachment; filename="packetmind.har"`)
	writeJSON(w, http.StatusOK, har)
}

func (s *Server) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	fav, err := s.store.ToggleFavorite(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"favorite": fav})
}

func (s *Server) handleListFavorites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Favorites())
}

// --- Analysis ---

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Gateway.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVulnerabilities(w http.ResponseWriter, r *http.Request) {
	findings, err := s.deps.Gateway.DetectVulnerabilities(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"vulnerabilities": findings})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.deps.Gateway.Insights(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"insights": insights})
}

// --- Filters ---

func (s *Server) handleListFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"filters": s.deps.Filters.Snapshot()})
}

func (s *Server) handleAddFilter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filter string `json:"filter"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	added, err := s.deps.Filters.Add(req.Filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if added {
		s.logger.Info("filter added", "pattern", strings.TrimSpace(req.Filter))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) handleRemoveFilter(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	removed := s.deps.Filters.Remove(pattern)
	if removed {
		s.logger.Info("filter removed", "pattern", strings.TrimSpace(pattern))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// --- Rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := []filter.Rule{}
	if s.deps.Rules != nil {
		rules = s.deps.Rules.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rules == nil {
		writeError(w, http.StatusServiceUnavailable, "rules_unavailable", "rule engine is not enabled")
		return
	}
	var rule filter.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
		return
	}
	if err := s.deps.Rules.Add(rule); err != nil {
		writeDomainError(w, err)
		return
	}
	s.logger.Info("rule added", "name", rule.Name, "condition", rule.Condition)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	removed := false
	if s.deps.Rules != nil {
		removed = s.deps.Rules.Remove(chi.URLParam(r, "name"))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	txn.Stats
	Filters            int    `json:"filters"`
	Rules              int    `json:"rules"`
	Subscribers        int    `json:"subscribers"`
	DroppedSubscribers int64  `json:"dropped_subscribers"`
	WebSocketClients   int    `json:"websocket_clients"`
	CaptureRunning     bool   `json:"capture_running"`
	Version            string `json:"version,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Stats:              s.store.Stats(),
		Filters:            s.deps.Filters.Len(),
		Subscribers:        s.store.SubscriberCount(),
		DroppedSubscribers: s.store.DroppedSubscribers(),
		WebSocketClients:   s.wsHub.ClientCount(),
		CaptureRunning:     s.deps.Pipeline.Accepting(),
		Version:            s.deps.Version,
	}
	if s.deps.Rules != nil {
		resp.Rules = s.deps.Rules.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps package errors onto status codes and error codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, filter.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
	case errors.Is(err, filter.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, "invalid_rule", err.Error())
	case errors.Is(err, capture.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, txn.ErrNotFound):
		writeError(w, http.StatusNotFound, "transaction_not_found", err.Error())
	case errors.Is(err, capture.ErrUnavailable):
		writeError(w, http.StatusConflict, "capture_unavailable", err.Error())
	case errors.Is(err, capture.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "capture_running", err.Error())
	case analysis.IsBackendError(err):
		writeError(w, http.StatusBadGateway, "analysis_backend", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// Package api serves the PacketMind control surface: the HTTP/JSON routes,
// the live WebSocket feed and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/packetmind/packetmind/internal/analysis"
	"github.com/packetmind/packetmind/internal/capture"
	"github.com/packetmind/packetmind/internal/config"
	"github.com/packetmind/packetmind/internal/filter"
	"github.com/packetmind/packetmind/internal/metrics"
	"github.com/packetmind/packetmind/internal/txn"
)

// Deps are the services the API exposes. Index and Metrics may be nil.
type Deps struct {
	Pipeline   *capture.Pipeline
	Controller *capture.Controller
	Filters    *filter.Registry
	Rules      *filter.RuleSet
	Index      *txn.Index
	Gateway    *analysis.Gateway
	Metrics    *metrics.Metrics

	// SubscriberBuffer is the per-client WebSocket event buffer.
	SubscriberBuffer int
	Version          string
}

// Server is the management API server.
type Server struct {
	config     config.ServerConfig
	deps       Deps
	store      *txn.Store
	wsHub      *WebSocketHub
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new management API server.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Pipeline.Store()
	s := &Server{
		config: cfg,
		deps:   deps,
		store:  store,
		wsHub:  NewWebSocketHub(store, deps.SubscriberBuffer, logger, cfg.CORS),
		logger: logger.With("component", "api.Server"),
	}
	s.buildRouter()
	return s
}

func (s *Server) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if s.config.CORS {
		r.Use(corsMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Route("/capture", func(r chi.Router) {
			r.Get("/status", s.handleCaptureStatus)
			r.Post("/start", s.handleCaptureStart)
			r.Post("/stop", s.handleCaptureStop)
			r.Post("/events", s.handleIngestEvent)
			r.Post("/events/{id}/result", s.handleCompleteEvent)
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handleListTransactions)
			r.Delete("/", s.handleClearTransactions)
			r.Get("/search", s.handleSearchTransactions)
			r.Get("/har", s.handleExportHAR)
			r.Get("/{id}", s.handleGetTransaction)
			r.Post("/{id}/favorite", s.handleToggleFavorite)
			r.Post("/{id}/analyze", s.handleAnalyze)
			r.Post("/{id}/vulnerabilities", s.handleVulnerabilities)
		})
		r.Get("/favorites", s.handleListFavorites)
		r.Get("/insights", s.handleInsights)

		r.Get("/filters", s.handleListFilters)
		r.Post("/filters", s.handleAddFilter)
		r.Delete("/filters", s.handleRemoveFilter)

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleAddRule)
		r.Delete("/rules/{name}", s.handleRemoveRule)

		r.Get("/ws/transactions", s.wsHub.HandleWebSocket)
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves the API on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // analysis calls and the WebSocket feed run long
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("management API listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// requestLogger logs each request at Debug with its status and latency.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware adds CORS headers for browser clients.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}

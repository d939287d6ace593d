package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pixelmood/social-poller/internal/checkpoint"
	"github.com/pixelmood/social-poller/internal/observability"
)

// Server exposes the operational HTTP surface: health, run status, the
// current checkpoint, and Prometheus metrics.
type Server struct {
	httpServer    *http.Server
	store         checkpoint.Store
	checkpointKey string
	metrics       *observability.Metrics
	state         func() string
	log           *slog.Logger
}

// New creates the HTTP server. The state function reports the poller's
// lifecycle state for the health endpoint; nil means unreported.
func New(port int, store checkpoint.Store, checkpointKey string, metrics *observability.Metrics, state func() string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		store:         store,
		checkpointKey: checkpointKey,
		metrics:       metrics,
		state:         state,
		log:           log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/checkpoint", s.handleCheckpoint)
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info("starting HTTP server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body := map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.state != nil {
		body["poller_state"] = s.state()
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.store.GetRunStatus(r.Context())
	if err != nil {
		s.log.Error("failed to read run status", slog.String("error", err.Error()))
		http.Error(w, "failed to read run status", http.StatusInternalServerError)
		return
	}
	if status == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "no_runs_recorded"})
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cp, err := s.store.Read(r.Context(), s.checkpointKey)
	if err != nil {
		s.log.Error("failed to read checkpoint", slog.String("error", err.Error()))
		http.Error(w, "failed to read checkpoint", http.StatusInternalServerError)
		return
	}
	if cp == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"checkpoint": "none"})
		return
	}
	s.writeJSON(w, http.StatusOK, cp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

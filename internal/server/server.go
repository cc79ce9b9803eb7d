// Package server exposes a running job's state, its predictions and its
// Prometheus metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/josephgoksu/tunewatch/internal/orchestrator"
	"github.com/josephgoksu/tunewatch/internal/predictions"
)

const shutdownTimeout = 5 * time.Second

// StateSource reports the state of a job.
type StateSource interface {
	Snapshot() orchestrator.TrainingRunState
}

// PredictionStore reads persisted predictions.
type PredictionStore interface {
	List(ctx context.Context, jobID string) ([]predictions.Record, error)
	Jobs(ctx context.Context) ([]string, error)
}

type Server struct {
	state   StateSource
	store   PredictionStore
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// New returns a server listening on addr. store and metrics may be nil; their
// routes then answer 404.
func New(addr string, state StateSource, store PredictionStore, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{state: state, store: store, metrics: metrics, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/best", s.handleBest)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}/predictions", s.handlePredictions)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("status server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeAPIJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		http.Error(w, "no job running", http.StatusNotFound)
		return
	}
	writeAPIJSON(w, NewStateView(s.state.Snapshot()))
}

func (s *Server) handleBest(w http.ResponseWriter, _ *http.Request) {
	if s.state == nil {
		http.Error(w, "no job running", http.StatusNotFound)
		return
	}
	snap := s.state.Snapshot()
	if snap.Best == nil {
		http.Error(w, "no best checkpoint yet", http.StatusNotFound)
		return
	}
	writeAPIJSON(w, snap.Best)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "prediction store not configured", http.StatusNotFound)
		return
	}
	jobs, err := s.store.Jobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeAPIJSON(w, map[string][]string{"jobs": jobs})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "prediction store not configured", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	records, err := s.store.List(r.Context(), id)
	if err != nil {
		s.logger.Error("list predictions", "job_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []predictions.Record{}
	}
	writeAPIJSON(w, map[string]any{"job_id": id, "records": records})
}

func writeAPIJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

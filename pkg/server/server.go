// Package server exposes sessions over HTTP: create a session, run code in
// it, stream its journal and tear it down.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/session"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

// Server serves the session API.
type Server struct {
	sessions     *session.Manager
	capabilities *tools.Registry
	journal      store.Journal
	srv          *http.Server
}

// New creates a new Server. journal may be nil, in which case the events
// stream is unavailable.
func New(sessions *session.Manager, capabilities *tools.Registry, journal store.Journal) *Server {
	return &Server{
		sessions:     sessions,
		capabilities: capabilities,
		journal:      journal,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/capabilities", s.handleListCapabilities)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	// Session Actions
	mux.HandleFunc("POST /api/sessions/{id}/run", s.handleRun)

	// Journal
	mux.HandleFunc("GET /api/journal", s.handleListJournal)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEventsWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting API server", "addr", addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.logError(status, KindInternal, err)
	s.jsonResponse(w, status, ErrorBody{Error: err.Error(), Kind: KindInternal})
}

func (s *Server) logError(status int, kind string, err error) {
	slog.Error("API Error", "status", status, "kind", kind, "error", err)
}

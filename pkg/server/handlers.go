package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
)

// CapabilityInfo describes a locally executed capability.
type CapabilityInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RunRequest is the body of POST /api/sessions/{id}/run.
type RunRequest struct {
	Code  string           `json:"code"`
	State statesync.Bundle `json:"state,omitempty"`
}

// --- Capabilities ---

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	out := []CapabilityInfo{}
	for _, c := range s.capabilities.List() {
		out = append(out, CapabilityInfo{Name: c.Name(), Description: c.Description()})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Create(r.Context())
	if err != nil {
		s.failure(w, err, "")
		return
	}
	s.jsonResponse(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.failure(w, err, "")
		return
	}
	s.jsonResponse(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		s.failure(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.failure(w, err, "")
		return
	}

	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, ErrorBody{Error: fmt.Sprintf("invalid request body: %v", err), Kind: KindBadRequest})
		return
	}
	if req.Code == "" {
		s.jsonResponse(w, http.StatusBadRequest, ErrorBody{Error: "code is required", Kind: KindBadRequest})
		return
	}

	out, err := sess.Run(r.Context(), req.Code, req.State)
	if err != nil {
		var runErr *runner.RunError
		logs := ""
		if errors.As(err, &runErr) {
			logs = runErr.Logs
		}
		s.failure(w, err, logs)
		return
	}
	s.jsonResponse(w, http.StatusOK, out)
}

// --- Journal ---

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.jsonResponse(w, http.StatusNotFound, ErrorBody{Error: "journal disabled", Kind: KindNotFound})
		return
	}
	sessions, err := s.journal.ListSessions(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sessions)
}

// failure writes a typed error body.
func (s *Server) failure(w http.ResponseWriter, err error, logs string) {
	kind, status := classify(err)
	if status >= http.StatusInternalServerError {
		s.logError(status, kind, err)
	}
	s.jsonResponse(w, status, ErrorBody{Error: err.Error(), Kind: kind, Logs: logs})
}

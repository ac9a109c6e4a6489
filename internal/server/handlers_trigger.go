package server

import (
	"net/http"

	"github.com/jonathan/catalog-sync/internal/pipeline"
)

// handleGetTrigger returns the trigger configuration and auto-disable banner state
func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.TriggerStatus(r.Context())
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// handleUpdateTrigger applies an admin change to the trigger
func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	var req pipeline.TriggerUpdate
	if err := decodeJSON(r, &req); err != nil {
		s.errorFrom(w, err)
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.errorFrom(w, validationError(err))
		return
	}
	if _, err := s.orch.SetTrigger(r.Context(), req); err != nil {
		s.errorFrom(w, err)
		return
	}

	status, err := s.orch.TriggerStatus(r.Context())
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// handleStreak returns the current failure streak of the cron trigger
func (s *Server) handleStreak(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.Streak(r.Context())
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

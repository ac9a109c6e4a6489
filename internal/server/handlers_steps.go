package server

import (
	"net/http"

	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/schemas"
	"github.com/jonathan/catalog-sync/internal/types"
)

// WriteResponse represents the response to an executor write
type WriteResponse struct {
	Applied bool     `json:"applied"`
	Warned  bool     `json:"warned,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Run     *RunView `json:"run,omitempty"`
}

// FinalizeRequest represents the request body for POST /runs/{id}/finalize
type FinalizeRequest struct {
	Status          string         `json:"status" validate:"required,oneof=success success_with_warning failed timeout cancelled"`
	ErrorMessage    string         `json:"error_message,omitempty" validate:"max=4000"`
	ErrorDetails    map[string]any `json:"error_details,omitempty"`
	CancelledByUser bool           `json:"cancelled_by_user,omitempty"`
}

// writeOutcome writes applied outcomes with okStatus and rejections as 409.
func (s *Server) writeOutcome(w http.ResponseWriter, okStatus int, out pipeline.WriteOutcome) {
	resp := WriteResponse{Applied: out.Applied, Warned: out.Warned, Reason: out.Reason}
	if out.Applied {
		resp.Run = newRunView(out.Run)
		s.jsonResponse(w, okStatus, resp)
		return
	}
	s.jsonResponse(w, http.StatusConflict, resp)
}

// handlePatchStep merges a partial step update from an executor
func (s *Server) handlePatchStep(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := decodeJSON(r, &partial); err != nil {
		s.errorFrom(w, err)
		return
	}
	if partial == nil {
		s.errorFrom(w, &ErrValidation{Field: "body", Message: "patch must be a JSON object"})
		return
	}

	out, err := s.orch.PatchStep(r.Context(), r.PathValue("id"), r.Header.Get(InvocationHeader), r.PathValue("step"), partial)
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, out)
}

// handleRecordProgress merges run-level counters from an executor
func (s *Server) handleRecordProgress(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := decodeJSON(r, &doc); err != nil {
		s.errorFrom(w, err)
		return
	}
	if err := schemas.ValidateRunProgress(doc); err != nil {
		s.errorFrom(w, &ErrValidation{Field: "body", Message: err.Error()})
		return
	}

	p := pipeline.RunProgress{}
	if m, ok := doc["metrics"].(map[string]any); ok {
		p.Metrics = m
	}
	if m, ok := doc["location_warnings"].(map[string]any); ok {
		p.LocationWarnings = m
	}
	if n, ok := doc["warning_count"].(float64); ok {
		count := int(n)
		p.WarningCount = &count
	}

	out, err := s.orch.RecordProgress(r.Context(), r.PathValue("id"), r.Header.Get(InvocationHeader), p)
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, out)
}

// handleFinalize sets the terminal status of a run
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorFrom(w, err)
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.errorFrom(w, validationError(err))
		return
	}

	out, err := s.orch.Finalize(r.Context(), r.PathValue("id"), r.Header.Get(InvocationHeader), pipeline.Finalization{
		Status:          types.RunStatus(req.Status),
		ErrorMessage:    req.ErrorMessage,
		ErrorDetails:    req.ErrorDetails,
		CancelledByUser: req.CancelledByUser,
	})
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, out)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/db"
	"github.com/jonathan/catalog-sync/internal/observer"
	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/types"
)

// List limits
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// RunView is a run as served over HTTP: the stored record without its invocation token,
// plus its classification.
type RunView struct {
	*types.Run
	Classification classify.Classification `json:"classification"`
}

func newRunView(run *types.Run) *RunView {
	if run == nil {
		return nil
	}
	out := run.Clone()
	out.LockInvocationID = ""
	return &RunView{Run: out, Classification: classify.Classify(run)}
}

// StartRunRequest represents the request body for POST /runs
type StartRunRequest struct {
	TriggerType string `json:"trigger_type" validate:"required,oneof=cron manual"`
}

// LastRunResponse represents the response for GET /runs/last
type LastRunResponse struct {
	Run         *RunView `json:"run"`
	PollAfterMs int64    `json:"poll_after_ms"`
}

// RunListResponse represents the response for GET /runs
type RunListResponse struct {
	Runs  []*RunView `json:"runs"`
	Count int        `json:"count"`
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

func startStatus(outcome pipeline.StartOutcome) int {
	switch outcome {
	case pipeline.StartStarted:
		return http.StatusCreated
	case pipeline.StartWaitingRetry:
		return http.StatusAccepted
	case pipeline.StartBusy:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// handleStartRun starts a run and executes it in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	req := StartRunRequest{TriggerType: string(types.TriggerManual)}
	if err := decodeJSON(r, &req); err != nil {
		s.errorFrom(w, err)
		return
	}
	if err := s.validator.Struct(req); err != nil {
		s.errorFrom(w, validationError(err))
		return
	}

	res := s.orch.Dispatch(r.Context(), types.TriggerType(req.TriggerType))
	if res.Outcome == pipeline.StartError {
		s.logger.Warn("start refused", slog.String("trigger", req.TriggerType), slog.String("error", res.Message))
	}
	s.jsonResponse(w, startStatus(res.Outcome), res)
}

// handleListRuns lists runs most recent first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.RunFilter{Limit: defaultListLimit}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorFrom(w, &ErrValidation{Field: "limit", Message: "must be a positive integer"})
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	if v := q.Get("trigger_type"); v != "" {
		tt := types.TriggerType(v)
		if !tt.Valid() {
			s.errorFrom(w, &ErrValidation{Field: "trigger_type", Message: "must be cron or manual"})
			return
		}
		filter.TriggerType = tt
	}
	if v := q.Get("primary_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.errorFrom(w, &ErrValidation{Field: "primary_only", Message: "must be a boolean"})
			return
		}
		filter.PrimaryOnly = b
	}

	runs, err := s.orch.ListRuns(r.Context(), filter)
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	views := make([]*RunView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	s.jsonResponse(w, http.StatusOK, RunListResponse{Runs: views, Count: len(views)})
}

// handleLastRun returns the most recent run and when to poll again
func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.LastRun(r.Context())
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, LastRunResponse{
		Run:         newRunView(run),
		PollAfterMs: observer.Interval(run, s.activePoll, s.idlePoll).Milliseconds(),
	})
}

// loadRun fetches the run named in the path, writing a 404 if it does not exist.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*types.Run, bool) {
	runID := r.PathValue("id")
	run, err := s.orch.GetRun(r.Context(), runID)
	if err != nil {
		s.errorFrom(w, err)
		return nil, false
	}
	if run == nil {
		s.errorFrom(w, &ErrRunNotFound{RunID: runID})
		return nil, false
	}
	return run, true
}

// handleGetRun returns a single run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, newRunView(run))
}

// handleCancelRun asks an active run to stop at its next step boundary
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadRun(w, r); !ok {
		return
	}
	out, err := s.orch.RequestCancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorFrom(w, err)
		return
	}
	s.writeOutcome(w, http.StatusAccepted, out)
}

// handleRunEvents streams run snapshots until the run is final
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadRun(w, r); !ok {
		return
	}
	runID := r.PathValue("id")

	reconnect := s.activePoll
	if reconnect <= 0 {
		reconnect = observer.DefaultActiveInterval
	}
	sse, err := NewSSEWriter(w, reconnect)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	poller := &observer.Poller{
		Fetch:  func(ctx context.Context) (*types.Run, error) { return s.orch.GetRun(ctx, runID) },
		Active: s.activePoll,
		Idle:   s.idlePoll,
		Logger: s.logger,
	}
	err = poller.Run(r.Context(), func(snap observer.Snapshot) bool {
		if snap.Err != nil {
			sse.WriteError(snap.Err.Error())
			return true
		}
		if snap.Run == nil {
			sse.WriteError("run not found: " + runID)
			return false
		}
		if err := sse.WriteEvent(EventRun, newRunView(snap.Run)); err != nil {
			return false
		}
		if !snap.Run.IsActive() {
			sse.WriteComplete(runID, string(snap.Run.Status))
			return false
		}
		return true
	})
	if err != nil && !errors.Is(err, observer.ErrStopped) && !errors.Is(err, context.Canceled) {
		s.logger.Warn("event stream ended", slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/pipeline"
	"github.com/jonathan/catalog-sync/internal/pipeline/steps"
	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/server/ratelimit"
	"github.com/jonathan/catalog-sync/internal/testutil"
	"github.com/jonathan/catalog-sync/internal/types"
)

func allSucceed() steps.Executors {
	execs := steps.Executors{}
	for _, name := range types.KnownSteps() {
		execs[name] = steps.FuncExecutor(func(context.Context, *steps.StepContext) (*steps.Result, error) {
			return &steps.Result{Counters: map[string]any{"rows": 1}}, nil
		})
	}
	return execs
}

type testServer struct {
	*Server
	orch *pipeline.Orchestrator
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	logger := testutil.NewTestLogger(t)
	orch, err := pipeline.New(pipeline.Config{
		Store:     testutil.NewBoltStore(t),
		Executors: allSucceed(),
		RetryPolicy: retry.BoundedExponential{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxRetries:   1,
		},
		DefaultMaxAttempts: 3,
		Logger:             logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	cfg := Config{
		Orchestrator: orch,
		Logger:       logger,
		ActivePoll:   5 * time.Millisecond,
		IdlePoll:     time.Minute,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return &testServer{Server: s, orch: orch}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, req)
	return w
}

// startIdle creates an active run that no runner is executing.
func (ts *testServer) startIdle(t *testing.T) pipeline.StartResult {
	t.Helper()
	res := ts.orch.Start(context.Background(), types.TriggerCron)
	require.Equal(t, pipeline.StartStarted, res.Outcome, res.Message)
	return res
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNew_RequiresOrchestrator(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "orchestrator is required")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodOptions, "/runs", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), InvocationHeader)
}

func TestStartRun(t *testing.T) {
	t.Run("manual by default", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/runs", nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		res := decode[pipeline.StartResult](t, w)
		assert.Equal(t, pipeline.StartStarted, res.Outcome)
		assert.NotEmpty(t, res.RunID)
		assert.NotEmpty(t, res.InvocationID)

		ts.orch.Wait()
		run, err := ts.orch.GetRun(context.Background(), res.RunID)
		require.NoError(t, err)
		assert.Equal(t, types.TriggerManual, run.TriggerType)
		assert.Equal(t, types.RunStatusSuccess, run.Status)
	})

	t.Run("busy", func(t *testing.T) {
		ts := newTestServer(t)
		active := ts.startIdle(t)

		w := ts.do(t, http.MethodPost, "/runs", StartRunRequest{TriggerType: "manual"})
		assert.Equal(t, http.StatusConflict, w.Code)
		res := decode[pipeline.StartResult](t, w)
		assert.Equal(t, pipeline.StartBusy, res.Outcome)
		assert.Equal(t, active.RunID, res.RunID)
		assert.Empty(t, res.InvocationID)
	})

	t.Run("invalid trigger", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.do(t, http.MethodPost, "/runs", StartRunRequest{TriggerType: "webhook"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("disabled cron trigger", func(t *testing.T) {
		ts := newTestServer(t)
		disabled := false
		_, err := ts.orch.SetTrigger(context.Background(), pipeline.TriggerUpdate{Enabled: &disabled, Reason: "maintenance"})
		require.NoError(t, err)

		w := ts.do(t, http.MethodPost, "/runs", StartRunRequest{TriggerType: "cron"})
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, decode[pipeline.StartResult](t, w).Message, "cron trigger is disabled")
	})
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)

	w := ts.do(t, http.MethodGet, "/runs/"+res.RunID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), res.InvocationID)

	view := decode[RunView](t, w)
	assert.Equal(t, res.RunID, view.ID)
	assert.Equal(t, types.RunStatusRunning, view.Status)
	assert.Equal(t, classify.DisplayRunning, view.Classification.DisplayStatus)

	w = ts.do(t, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListAndLastRun(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/runs/last", nil)
	require.Equal(t, http.StatusOK, w.Code)
	empty := decode[LastRunResponse](t, w)
	assert.Nil(t, empty.Run)
	assert.Equal(t, time.Minute.Milliseconds(), empty.PollAfterMs)

	res := ts.startIdle(t)

	w = ts.do(t, http.MethodGet, "/runs/last", nil)
	last := decode[LastRunResponse](t, w)
	require.NotNil(t, last.Run)
	assert.Equal(t, res.RunID, last.Run.ID)
	assert.Equal(t, int64(5), last.PollAfterMs)

	w = ts.do(t, http.MethodGet, "/runs?trigger_type=cron&primary_only=true&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[RunListResponse](t, w)
	assert.Equal(t, 1, list.Count)

	w = ts.do(t, http.MethodGet, "/runs?trigger_type=manual", nil)
	assert.Equal(t, 0, decode[RunListResponse](t, w).Count)

	for _, q := range []string{"limit=0", "limit=abc", "trigger_type=webhook", "primary_only=maybe"} {
		w = ts.do(t, http.MethodGet, "/runs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestPatchStep(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)
	path := "/runs/" + res.RunID + "/steps/" + string(types.StepImportFTP)

	t.Run("applied with token", func(t *testing.T) {
		w := ts.do(t, http.MethodPatch, path, map[string]any{"status": "in_progress"}, InvocationHeader, res.InvocationID)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[WriteResponse](t, w)
		assert.True(t, resp.Applied)
		assert.False(t, resp.Warned)
		require.NotNil(t, resp.Run)
		assert.Equal(t, string(types.StepImportFTP), resp.Run.Steps[types.CurrentStepKey])
	})

	t.Run("warned without token", func(t *testing.T) {
		w := ts.do(t, http.MethodPatch, path, map[string]any{"files": 3})
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[WriteResponse](t, w).Warned)
	})

	t.Run("wrong token", func(t *testing.T) {
		w := ts.do(t, http.MethodPatch, path, map[string]any{"status": "completed"}, InvocationHeader, "someone-else")
		assert.Equal(t, http.StatusConflict, w.Code)
		resp := decode[WriteResponse](t, w)
		assert.False(t, resp.Applied)
		assert.Equal(t, pipeline.ReasonTokenMismatch, resp.Reason)
	})

	t.Run("unknown step", func(t *testing.T) {
		w := ts.do(t, http.MethodPatch, "/runs/"+res.RunID+"/steps/bogus", map[string]any{"status": "completed"}, InvocationHeader, res.InvocationID)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, pipeline.ReasonUnknownStep, decode[WriteResponse](t, w).Reason)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPatch, path, strings.NewReader("{not json"))
		w := httptest.NewRecorder()
		ts.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = ts.do(t, http.MethodPatch, path, nil, InvocationHeader, res.InvocationID)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing run", func(t *testing.T) {
		w := ts.do(t, http.MethodPatch, "/runs/missing/steps/"+string(types.StepImportFTP), map[string]any{"status": "in_progress"}, InvocationHeader, res.InvocationID)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRecordProgress(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)
	path := "/runs/" + res.RunID + "/progress"

	w := ts.do(t, http.MethodPost, path, map[string]any{
		"metrics":           map[string]any{"priced": 10},
		"location_warnings": map[string]any{"store-2": "missing sheet"},
		"warning_count":     2,
	}, InvocationHeader, res.InvocationID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[WriteResponse](t, w)
	require.NotNil(t, resp.Run)
	assert.Equal(t, 2, resp.Run.WarningCount)
	assert.Equal(t, float64(10), resp.Run.Metrics["priced"])

	w = ts.do(t, http.MethodPost, path, map[string]any{"warning_count": -1}, InvocationHeader, res.InvocationID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFinalize(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)
	path := "/runs/" + res.RunID + "/finalize"

	w := ts.do(t, http.MethodPost, path, FinalizeRequest{Status: "running"}, InvocationHeader, res.InvocationID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, path, FinalizeRequest{
		Status:       "failed",
		ErrorMessage: "ftp unreachable",
		ErrorDetails: map[string]any{"step": "import_ftp"},
	}, InvocationHeader, res.InvocationID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[WriteResponse](t, w)
	require.NotNil(t, resp.Run)
	assert.Equal(t, types.RunStatusFailed, resp.Run.Status)
	assert.NotNil(t, resp.Run.FinishedAt)
	assert.Equal(t, classify.DisplayFailed, resp.Run.Classification.DisplayStatus)

	w = ts.do(t, http.MethodPost, path, FinalizeRequest{Status: "success"}, InvocationHeader, res.InvocationID)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, pipeline.ReasonRunFinished, decode[WriteResponse](t, w).Reason)

	w = ts.do(t, http.MethodPost, "/runs/"+res.RunID+"/progress", map[string]any{"warning_count": 1}, InvocationHeader, res.InvocationID)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)

	w := ts.do(t, http.MethodPost, "/runs/"+res.RunID+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[WriteResponse](t, w)
	assert.True(t, resp.Applied)
	assert.True(t, resp.Run.CancelRequested)

	w = ts.do(t, http.MethodPost, "/runs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := ts.orch.Finalize(context.Background(), res.RunID, res.InvocationID, pipeline.Finalization{Status: types.RunStatusCancelled})
	require.NoError(t, err)

	w = ts.do(t, http.MethodPost, "/runs/"+res.RunID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, pipeline.ReasonRunFinished, decode[WriteResponse](t, w).Reason)
}

func TestTriggerEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/trigger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[pipeline.TriggerStatus](t, w)
	require.NotNil(t, status.Config)
	assert.True(t, status.Config.Enabled)
	assert.Equal(t, 3, status.Config.MaxAttempts)

	disabled := false
	maxAttempts := 5
	w = ts.do(t, http.MethodPut, "/trigger", pipeline.TriggerUpdate{Enabled: &disabled, MaxAttempts: &maxAttempts, Reason: "holiday freeze"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	status = decode[pipeline.TriggerStatus](t, w)
	assert.False(t, status.Config.Enabled)
	assert.Equal(t, 5, status.Config.MaxAttempts)
	assert.Contains(t, status.Config.LastDisabledReason, "holiday freeze")
	assert.False(t, status.AutoDisable.IsAutoDisabled)

	tooMany := 9
	w = ts.do(t, http.MethodPut, "/trigger", pipeline.TriggerUpdate{MaxAttempts: &tooMany})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/streak", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"streak":0`)
}

func TestRunEvents(t *testing.T) {
	ts := newTestServer(t)
	res := ts.startIdle(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = ts.orch.Finalize(context.Background(), res.RunID, res.InvocationID, pipeline.Finalization{Status: types.RunStatusSuccess})
	}()

	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/runs/"+res.RunID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	require.NotEmpty(t, events)
	assert.Equal(t, EventRun, events[0])
	assert.Equal(t, EventComplete, events[len(events)-1])
}

func TestRunEvents_NotFound(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/runs/missing/events", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.RateLimit = ratelimit.Config{
			Enabled: true,
			Endpoints: []ratelimit.EndpointConfig{
				{Path: "/runs", Method: http.MethodGet, Limit: 2, Window: time.Hour},
			},
		}
	})

	for i := 0; i < 2; i++ {
		w := ts.do(t, http.MethodGet, "/runs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	}

	w := ts.do(t, http.MethodGet, "/runs", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

package steps

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/types"
)

// ExitTempFail is the exit status a step command uses to report a transient failure
// (EX_TEMPFAIL from sysexits.h).
const ExitTempFail = 75

// StepContext is what an executor knows about the step it is running
type StepContext struct {
	RunID        string
	Step         types.StepName
	Attempt      int
	RetryAttempt int
	State        types.StepState

	report func(ctx context.Context, counters map[string]any) error
}

// NewStepContext builds a context whose Report calls report.
func NewStepContext(runID string, step types.StepName, attempt int, state types.StepState,
	report func(ctx context.Context, counters map[string]any) error) *StepContext {
	return &StepContext{
		RunID:        runID,
		Step:         step,
		Attempt:      attempt,
		RetryAttempt: state.RetryAttempt,
		State:        state,
		report:       report,
	}
}

// Report persists intermediate counters for the step. Counters must be absolute values.
func (sc *StepContext) Report(ctx context.Context, counters map[string]any) error {
	if sc.report == nil || len(counters) == 0 {
		return nil
	}
	return sc.report(ctx, counters)
}

// Result is returned by a successful step
type Result struct {
	// Counters are merged into the step entry.
	Counters map[string]any `json:"counters,omitempty"`
	// Metrics and LocationWarnings are merged into the run.
	Metrics          map[string]any `json:"metrics,omitempty"`
	LocationWarnings map[string]any `json:"location_warnings,omitempty"`
	Warnings         int            `json:"warnings,omitempty"`
}

// Executor runs one step. Returning an error wrapped with retry.Transient asks for a retry.
type Executor interface {
	Execute(ctx context.Context, sc *StepContext) (*Result, error)
}

// FuncExecutor adapts a function to Executor
type FuncExecutor func(ctx context.Context, sc *StepContext) (*Result, error)

// Execute implements Executor.
func (f FuncExecutor) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	return f(ctx, sc)
}

// Executors binds step names to executors
type Executors map[types.StepName]Executor

// For returns the executor bound to name
func (e Executors) For(name types.StepName) (Executor, error) {
	ex, ok := e[name]
	if !ok || ex == nil {
		return nil, fmt.Errorf("no executor configured for step %s", name)
	}
	return ex, nil
}

// CommandExecutor runs a shell command for a step. The last stdout line, when it holds a
// JSON object, becomes the Result: "metrics", "location_warnings" and "warnings" are lifted
// out and every other key is a step counter.
type CommandExecutor struct {
	Command string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Execute implements Executor.
func (c *CommandExecutor) Execute(ctx context.Context, sc *StepContext) (*Result, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, fmt.Errorf("step %s has no command", sc.Step)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Env = append(cmd.Env,
		"CATALOG_SYNC_RUN_ID="+sc.RunID,
		"CATALOG_SYNC_STEP="+string(sc.Step),
		"CATALOG_SYNC_ATTEMPT="+strconv.Itoa(sc.Attempt),
		"CATALOG_SYNC_RETRY_ATTEMPT="+strconv.Itoa(sc.RetryAttempt),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("step %s command: %w", sc.Step, ctxErr)
		}
		msg := strings.TrimSpace(lastLine(stderr.String()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			failure := fmt.Errorf("step %s exited with status %d: %s", sc.Step, exitErr.ExitCode(), msg)
			if exitErr.ExitCode() == ExitTempFail {
				return nil, retry.Transient(failure)
			}
			return nil, failure
		}
		return nil, fmt.Errorf("failed to run step %s: %w", sc.Step, err)
	}

	return parseResult(stdout.String())
}

func lastLine(s string) string {
	var last string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	return last
}

func parseResult(stdout string) (*Result, error) {
	res := &Result{}
	line := lastLine(stdout)
	if !strings.HasPrefix(line, "{") {
		return res, nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(line), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse step output: %w", err)
	}
	if m, ok := doc["metrics"].(map[string]any); ok {
		res.Metrics = m
	}
	if m, ok := doc["location_warnings"].(map[string]any); ok {
		res.LocationWarnings = m
	}
	if n, ok := doc["warnings"].(float64); ok {
		res.Warnings = int(n)
	}
	for k, v := range doc {
		switch k {
		case "metrics", "location_warnings", "warnings":
			continue
		}
		if res.Counters == nil {
			res.Counters = make(map[string]any)
		}
		res.Counters[k] = v
	}
	return res, nil
}

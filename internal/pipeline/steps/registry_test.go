package steps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/catalog-sync/internal/retry"
	"github.com/jonathan/catalog-sync/internal/types"
)

func TestStepRegistry(t *testing.T) {
	for _, name := range types.KnownSteps() {
		def, ok := StepRegistry[name]
		require.True(t, ok, "Step %s should be in registry", name)
		assert.Equal(t, name, def.Name)
		assert.NotEmpty(t, def.Category)
	}
	assert.Len(t, StepRegistry, len(types.KnownSteps()))
}

func TestStepRegistryCategories(t *testing.T) {
	categories := map[Category][]types.StepName{
		CategoryTransfer:  {types.StepImportFTP},
		CategoryTransform: {types.StepParseMerge, types.StepComputePrices},
		CategoryPublish:   {types.StepExportSheet, types.StepUploadFiles},
	}

	for category, names := range categories {
		for _, name := range names {
			def, ok := StepRegistry[name]
			require.True(t, ok)
			assert.Equal(t, category, def.Category, "Step %s should be in category %s", name, category)
		}
	}
}

func TestOrdered_DependenciesComeFirst(t *testing.T) {
	seen := map[types.StepName]bool{}
	for _, def := range Ordered() {
		for _, dep := range def.Dependencies {
			assert.True(t, seen[dep], "%s depends on %s which runs later", def.Name, dep)
		}
		seen[def.Name] = true
	}
	assert.False(t, StepRegistry[types.StepComputePrices].Retryable)
}

func TestDependencyError(t *testing.T) {
	err := &DependencyError{
		Step:                types.StepParseMerge,
		MissingDependencies: []types.StepName{types.StepImportFTP},
	}

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing dependencies")
	assert.Contains(t, err.Error(), "parse_merge")
}

func TestValidateDependencies(t *testing.T) {
	run := types.NewRun("r1", types.TriggerCron, 1, "", time.Now())

	err := ValidateDependencies(run.Steps, types.StepParseMerge)
	var depErr *DependencyError
	require.True(t, errors.As(err, &depErr))
	assert.Equal(t, []types.StepName{types.StepImportFTP}, depErr.MissingDependencies)

	run.Steps[string(types.StepImportFTP)] = map[string]any{"status": "success"}
	assert.NoError(t, ValidateDependencies(run.Steps, types.StepParseMerge))
	assert.NoError(t, ValidateDependencies(run.Steps, types.StepImportFTP))

	err = ValidateDependencies(run.Steps, "unknown_step")
	assert.ErrorContains(t, err, "unknown step")
}

func TestAvailableAndBlockedSteps(t *testing.T) {
	run := types.NewRun("r1", types.TriggerCron, 1, "", time.Now())
	assert.Equal(t, []types.StepName{types.StepImportFTP}, AvailableSteps(run.Steps))
	assert.Len(t, BlockedSteps(run.Steps), 4)

	run.Steps[string(types.StepImportFTP)] = types.CompletedPatch(nil)
	run.Steps[string(types.StepParseMerge)] = types.InProgressPatch()
	assert.Empty(t, AvailableSteps(run.Steps))
	assert.Equal(t, []types.StepName{types.StepComputePrices, types.StepExportSheet, types.StepUploadFiles}, BlockedSteps(run.Steps))
}

func TestFuncExecutorAndExecutors(t *testing.T) {
	called := false
	execs := Executors{
		types.StepImportFTP: FuncExecutor(func(ctx context.Context, sc *StepContext) (*Result, error) {
			called = true
			return &Result{Counters: map[string]any{"rows": 5}}, sc.Report(ctx, map[string]any{"phase": "download"})
		}),
	}

	ex, err := execs.For(types.StepImportFTP)
	require.NoError(t, err)

	var reported map[string]any
	sc := NewStepContext("r1", types.StepImportFTP, 1, types.StepState{RetryAttempt: 2},
		func(_ context.Context, counters map[string]any) error {
			reported = counters
			return nil
		})
	res, err := ex.Execute(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 5, res.Counters["rows"])
	assert.Equal(t, "download", reported["phase"])
	assert.Equal(t, 2, sc.RetryAttempt)

	_, err = execs.For(types.StepUploadFiles)
	assert.ErrorContains(t, err, "no executor configured")
}

func TestCommandExecutor(t *testing.T) {
	sc := NewStepContext("run-42", types.StepExportSheet, 1, types.StepState{}, nil)
	ctx := context.Background()

	t.Run("parses last json line", func(t *testing.T) {
		ex := &CommandExecutor{Command: `echo starting; echo '{"rows": 12, "warnings": 2, "metrics": {"sheets": 1}}'`}
		res, err := ex.Execute(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, float64(12), res.Counters["rows"])
		assert.Equal(t, 2, res.Warnings)
		assert.Equal(t, map[string]any{"sheets": float64(1)}, res.Metrics)
		assert.NotContains(t, res.Counters, "warnings")
	})

	t.Run("plain output has no counters", func(t *testing.T) {
		res, err := (&CommandExecutor{Command: "echo done"}).Execute(ctx, sc)
		require.NoError(t, err)
		assert.Nil(t, res.Counters)
	})

	t.Run("environment carries run id", func(t *testing.T) {
		ex := &CommandExecutor{Command: `printf '{"run":"%s","step":"%s"}\n' "$CATALOG_SYNC_RUN_ID" "$CATALOG_SYNC_STEP"`}
		res, err := ex.Execute(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, "run-42", res.Counters["run"])
		assert.Equal(t, "export_sheet", res.Counters["step"])
	})

	t.Run("exit 75 is transient", func(t *testing.T) {
		_, err := (&CommandExecutor{Command: "echo 'server busy' >&2; exit 75"}).Execute(ctx, sc)
		require.Error(t, err)
		assert.True(t, retry.IsTransient(err))
		assert.Contains(t, err.Error(), "server busy")
	})

	t.Run("other exit codes are fatal", func(t *testing.T) {
		_, err := (&CommandExecutor{Command: "exit 3"}).Execute(ctx, sc)
		require.Error(t, err)
		assert.False(t, retry.IsTransient(err))
		assert.Contains(t, err.Error(), "exited with status 3")
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := (&CommandExecutor{Command: "sleep 5", Timeout: 50 * time.Millisecond}).Execute(ctx, sc)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, retry.IsTransient(err))
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := (&CommandExecutor{}).Execute(ctx, sc)
		assert.ErrorContains(t, err, "no command")
	})
}

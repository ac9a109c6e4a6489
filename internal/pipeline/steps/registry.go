// Package steps provides step definitions, dependency validation, and step executors
// for the catalog pipeline.
package steps

import (
	"fmt"

	"github.com/jonathan/catalog-sync/internal/types"
)

// Category groups steps by the kind of work they do
type Category string

// Category constants
const (
	CategoryTransfer  Category = "transfer"
	CategoryTransform Category = "transform"
	CategoryPublish   Category = "publish"
)

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         types.StepName
	Category     Category
	Dependencies []types.StepName
	// Retryable steps may enter retry_delay on a transient failure.
	Retryable bool
}

// StepRegistry holds all step definitions
var StepRegistry = map[types.StepName]StepDefinition{
	types.StepImportFTP: {
		Name:         types.StepImportFTP,
		Category:     CategoryTransfer,
		Dependencies: []types.StepName{},
		Retryable:    true,
	},
	types.StepParseMerge: {
		Name:         types.StepParseMerge,
		Category:     CategoryTransform,
		Dependencies: []types.StepName{types.StepImportFTP},
		Retryable:    true,
	},
	types.StepComputePrices: {
		Name:         types.StepComputePrices,
		Category:     CategoryTransform,
		Dependencies: []types.StepName{types.StepParseMerge},
		Retryable:    false,
	},
	types.StepExportSheet: {
		Name:         types.StepExportSheet,
		Category:     CategoryPublish,
		Dependencies: []types.StepName{types.StepComputePrices},
		Retryable:    true,
	},
	types.StepUploadFiles: {
		Name:         types.StepUploadFiles,
		Category:     CategoryPublish,
		Dependencies: []types.StepName{types.StepExportSheet},
		Retryable:    true,
	},
}

// Ordered returns the step definitions in execution order.
func Ordered() []StepDefinition {
	names := types.KnownSteps()
	out := make([]StepDefinition, 0, len(names))
	for _, name := range names {
		out = append(out, StepRegistry[name])
	}
	return out
}

// Lookup returns the definition for name
func Lookup(name string) (StepDefinition, bool) {
	def, ok := StepRegistry[types.StepName(name)]
	return def, ok
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                types.StepName
	MissingDependencies []types.StepName
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s has missing dependencies: %v", e.Step, e.MissingDependencies)
}

// ValidateDependencies checks if all required dependencies for a step are completed
func ValidateDependencies(steps types.Steps, stepName types.StepName) error {
	def, ok := StepRegistry[stepName]
	if !ok {
		return fmt.Errorf("unknown step: %s", stepName)
	}

	var missing []types.StepName
	for _, dep := range def.Dependencies {
		st, ok := steps.Step(dep)
		if !ok || !st.IsDone() {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}

// AvailableSteps returns steps that can be executed now (dependencies met, not done or
// running), in execution order.
func AvailableSteps(steps types.Steps) []types.StepName {
	var available []types.StepName
	for _, def := range Ordered() {
		if st, ok := steps.Step(def.Name); ok && (st.IsDone() || st.Status == types.StepStatusInProgress) {
			continue
		}
		if err := ValidateDependencies(steps, def.Name); err != nil {
			continue
		}
		available = append(available, def.Name)
	}
	return available
}

// BlockedSteps returns unfinished steps whose dependencies are not met
func BlockedSteps(steps types.Steps) []types.StepName {
	var blocked []types.StepName
	for _, def := range Ordered() {
		if st, ok := steps.Step(def.Name); ok && (st.IsDone() || st.Status == types.StepStatusInProgress) {
			continue
		}
		if err := ValidateDependencies(steps, def.Name); err != nil {
			blocked = append(blocked, def.Name)
		}
	}
	return blocked
}

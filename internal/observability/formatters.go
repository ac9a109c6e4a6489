// Package observability provides logging setup and human-readable CLI output for runs.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonathan/catalog-sync/internal/classify"
	"github.com/jonathan/catalog-sync/internal/pipeline/steps"
	"github.com/jonathan/catalog-sync/internal/streak"
	"github.com/jonathan/catalog-sync/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxReasonWidth truncates reasons in run tables
	maxReasonWidth = 48
)

// Printer handles formatted output for the CLI
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(run *types.Run) string {
	if run.FinishedAt == nil {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}

// PrintJSON writes v as indented JSON.
func (p *Printer) PrintJSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintRuns renders runs as a table in the order given.
func (p *Printer) PrintRuns(runs []*types.Run) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(p.out, "(no runs)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Trigger", "Attempt", "Status", "Started", "Duration", "Reason"})
	for _, run := range runs {
		c := classify.Classify(run)
		t.AppendRow(table.Row{
			run.ID,
			run.TriggerType,
			run.Attempt,
			c.DisplayStatus,
			formatTime(&run.StartedAt),
			formatDuration(run),
			truncate(c.DisplayReason, maxReasonWidth),
		})
	}
	t.Render()
	_, _ = fmt.Fprintf(p.out, "(%d runs)\n", len(runs))
}

// PrintRun outputs a single run with its steps.
func (p *Printer) PrintRun(run *types.Run) {
	if run == nil {
		_, _ = fmt.Fprintln(p.out, "(no runs)")
		return
	}
	c := classify.Classify(run)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:      %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("Trigger:  %s (attempt %d)\n", run.TriggerType, run.Attempt))
	sb.WriteString(fmt.Sprintf("Status:   %s\n", c.DisplayStatus))
	if c.DisplayReason != "" {
		sb.WriteString(fmt.Sprintf("Reason:   %s\n", c.DisplayReason))
	}
	sb.WriteString(fmt.Sprintf("Started:  %s\n", formatTime(&run.StartedAt)))
	sb.WriteString(fmt.Sprintf("Finished: %s\n", formatTime(run.FinishedAt)))
	if run.WarningCount > 0 {
		sb.WriteString(fmt.Sprintf("Warnings: %d\n", run.WarningCount))
	}
	if run.CancelRequested && run.IsActive() {
		sb.WriteString("Cancel requested\n")
	}

	sb.WriteString("\nSteps:\n")
	current := run.Steps.CurrentStep()
	for _, name := range types.KnownSteps() {
		st, ok := run.Steps.Step(name)
		status := string(types.StepStatusPending)
		if ok && st.Status != "" {
			status = string(st.Status)
		}
		marker := " "
		if string(name) == current && run.IsActive() {
			marker = ">"
		}
		line := fmt.Sprintf(" %s %-15s %s", marker, name, status)
		switch {
		case st.Status == types.StepStatusRetryDelay && st.NextRetryAt != nil:
			line += fmt.Sprintf(" #%d until %s", st.RetryAttempt, st.NextRetryAt.Local().Format("15:04:05"))
		case st.Error != "":
			line += ": " + st.Error
		}
		sb.WriteString(line + "\n")
	}

	if run.IsActive() {
		if next := steps.AvailableSteps(run.Steps); len(next) > 0 {
			sb.WriteString(fmt.Sprintf("Next:     %s\n", joinSteps(next)))
		}
	} else if !run.Status.IsSuccess() {
		if blocked := steps.BlockedSteps(run.Steps); len(blocked) > 0 {
			sb.WriteString(fmt.Sprintf("Blocked:  %s\n", joinSteps(blocked)))
		}
	}

	if len(run.Metrics) > 0 {
		sb.WriteString("\nMetrics:\n")
		keys := make([]string, 0, len(run.Metrics))
		for k := range run.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %v\n", k, run.Metrics[k]))
		}
	}

	p.printBox("RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintTrigger outputs the trigger configuration and any auto-disable banner.
func (p *Printer) PrintTrigger(cfg *types.TriggerConfig, info streak.Info) {
	if cfg == nil {
		return
	}

	var sb strings.Builder
	state := "enabled"
	if !cfg.Enabled {
		state = "disabled"
	}
	sb.WriteString(fmt.Sprintf("State:        %s\n", state))
	sb.WriteString(fmt.Sprintf("Max attempts: %d\n", cfg.MaxAttempts))
	if cfg.LastDisabledReason != "" {
		sb.WriteString(fmt.Sprintf("Last reason:  %s\n", cfg.LastDisabledReason))
	}
	sb.WriteString(fmt.Sprintf("Disabled at:  %s\n", formatTime(cfg.DisabledAt)))
	sb.WriteString(fmt.Sprintf("Enabled at:   %s", formatTime(cfg.EnabledAt)))

	if info.ShouldShowBanner {
		sb.WriteString("\n\n")
		sb.WriteString(fmt.Sprintf("! Auto-disabled after %d consecutive failures\n", info.Streak))
		if info.LatestFailedRunID != "" {
			sb.WriteString(fmt.Sprintf("  latest failure: %s", info.LatestFailedRunID))
		}
	}

	p.printBox("CRON TRIGGER", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintStreak outputs the current cron failure streak.
func (p *Printer) PrintStreak(res streak.Result, maxAttempts int) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Consecutive failures: %d of %d\n", res.Streak, maxAttempts))
	if res.ResetRunID != "" {
		sb.WriteString(fmt.Sprintf("Last success:         %s\n", res.ResetRunID))
	}
	for _, id := range res.RunIDs {
		sb.WriteString(fmt.Sprintf("  • %s\n", id))
	}
	p.printBox("FAILURE STREAK", strings.TrimSuffix(sb.String(), "\n"))
}

func joinSteps(names []types.StepName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

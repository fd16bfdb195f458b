// Package ui renders command output for a terminal. When stdout is not a
// terminal every renderer degrades to plain ASCII without colour.
package ui

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ByteMirror/agentfactory/analysis"
	"github.com/ByteMirror/agentfactory/monitoring"
	"github.com/ByteMirror/agentfactory/orchestrator"
	"github.com/ByteMirror/agentfactory/store"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const defaultWidth = 100

// Setup picks the colour profile for out and returns the usable width.
func Setup(out *os.File) int {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return defaultWidth
	}
	if w, _, err := term.GetSize(fd); err == nil && w > 20 {
		return w
	}
	return defaultWidth
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

func section(w io.Writer, title string) {
	fmt.Fprintln(w, titleStyle.Render(title))
}

// Status writes the status report.
func Status(w io.Writer, s *orchestrator.Status, width int) {
	section(w, "Health")
	fmt.Fprintf(w, "%s  %s\n", health(s.Health.Status), dimStyle.Render(formatTime(s.Health.Timestamp)))
	if s.Health.Details != "" {
		fmt.Fprintln(w, wordwrap.String(s.Health.Details, max(width-2, 20)))
	}
	for _, err := range s.Errors {
		fmt.Fprintln(w, badStyle.Render("error: "+err))
	}
	fmt.Fprintln(w)

	section(w, "Workers")
	if len(s.Workers) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no workers registered"))
	} else {
		counts := make([]string, 0, len(s.Counts))
		for _, st := range []store.WorkerStatus{
			store.StatusConfigured, store.StatusStarting, store.StatusRunning,
			store.StatusCompleted, store.StatusFailed, store.StatusTimeout, store.StatusStopped,
		} {
			if n := s.Counts[st]; n > 0 {
				counts = append(counts, fmt.Sprintf("%s %d", workerStatus(st), n))
			}
		}
		fmt.Fprintln(w, strings.Join(counts, "  "))

		t := newTable("WORKER", "CATEGORY", "SEV", "STATUS", "PID", "EXIT", "RUNS", "UPDATED")
		for _, rec := range s.Workers {
			pid := "-"
			if rec.PID > 0 {
				pid = strconv.Itoa(rec.PID)
			}
			t.Row(rec.ID, truncate(rec.Category, 16), strconv.Itoa(rec.Severity), workerStatus(rec.Status),
				pid, strconv.Itoa(rec.ExitCode), strconv.Itoa(rec.Runs), formatTime(rec.UpdatedAt))
		}
		fmt.Fprintln(w, t.String())
	}
	fmt.Fprintln(w)

	section(w, "Circuit breakers")
	if len(s.Breakers) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no breakers recorded"))
	} else {
		t := newTable("CATEGORY", "STATE", "FAILURES", "LAST FAILURE")
		for _, b := range s.Breakers {
			t.Row(b.Category, breakerState(b.State), strconv.Itoa(b.Failures), formatTime(b.LastFailure))
		}
		fmt.Fprintln(w, t.String())
	}
	fmt.Fprintln(w)

	section(w, "Pool")
	fmt.Fprintf(w, "%d available, %d in use\n", s.Pool.Available, s.Pool.InUse)
	for _, cat := range sortedKeys(s.Pool.ByCategory) {
		fmt.Fprintf(w, "  %s: %d\n", cat, s.Pool.ByCategory[cat])
	}
}

// Metrics writes per-day execution statistics and per-category totals.
func Metrics(w io.Writer, days []monitoring.DailyStats, totals []monitoring.CategoryTotal) {
	section(w, "Daily executions")
	if len(days) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no executions recorded"))
		return
	}
	t := newTable("DAY", "RUNS", "OK", "FAILED", "TIMEOUT", "STOPPED", "AVG", "MAX", "SUCCESS RATE")
	for _, d := range days {
		t.Row(d.Day, strconv.Itoa(d.Executions), strconv.Itoa(d.Successes), strconv.Itoa(d.Failures),
			strconv.Itoa(d.Timeouts), strconv.Itoa(d.Stopped), formatDuration(d.AvgDuration),
			formatDuration(d.MaxDuration), RateBar(20, d.SuccessRate()))
	}
	fmt.Fprintln(w, t.String())

	if len(totals) == 0 {
		return
	}
	fmt.Fprintln(w)
	section(w, "By category")
	t = newTable("CATEGORY", "STATUS", "COUNT", "TIME")
	for _, c := range totals {
		t.Row(c.Category, workerStatus(store.WorkerStatus(c.Status)), strconv.Itoa(c.Count),
			formatDuration(time.Duration(c.Seconds*float64(time.Second))))
	}
	fmt.Fprintln(w, t.String())
}

// Analysis writes the categorised backlog and the worker plan for it.
func Analysis(w io.Writer, report *analysis.Report, plan orchestrator.Plan, width int) {
	header := fmt.Sprintf("%s: %d errors in %d categories", report.Source, report.TotalErrors, len(report.Items))
	if report.Revision != "" {
		header += dimStyle.Render(" @ " + report.Revision)
	}
	section(w, header)

	workers := make(map[string]orchestrator.PlannedItem, len(plan.Items))
	for _, it := range plan.Items {
		workers[it.Item.Category] = it
	}
	sampleWidth := max(width-60, 30)

	t := newTable("CATEGORY", "COUNT", "SEV", "DIVERSITY", "WORKERS", "SAMPLE")
	for _, item := range report.Items {
		n := dimStyle.Render("skip")
		if p, ok := workers[item.Category]; ok {
			n = fmt.Sprintf("%d (%s)", p.Workers, p.Rule)
		}
		sample := ""
		if len(item.Samples) > 0 {
			sample = truncate(item.Samples[0], sampleWidth)
		}
		t.Row(item.Category, strconv.Itoa(item.Count), strconv.Itoa(item.Severity), string(item.Diversity), n, sample)
	}
	fmt.Fprintln(w, t.String())
	fmt.Fprintf(w, "%d worker slot(s) planned\n", plan.Slots())

	if len(plan.Skipped) > 0 {
		fmt.Fprintln(w)
		section(w, "Skipped")
		for _, s := range plan.Skipped {
			fmt.Fprintf(w, "  %s: %s\n", s.Item.Category, s.Reason)
		}
	}
}

// Run writes the result of an orchestrate run.
func Run(w io.Writer, s *orchestrator.RunSummary) {
	succeeded, failed, skipped := s.Counts()
	title := fmt.Sprintf("Run %s", s.RunID)
	if s.Interrupted {
		title += warnStyle.Render(" (interrupted)")
	}
	section(w, title)

	if len(s.Results) > 0 {
		t := newTable("CATEGORY", "SLOT", "WORKER", "STATUS", "EXIT", "DURATION", "NOTE")
		for _, r := range s.Results {
			worker := r.WorkerID
			if r.Reused {
				worker += dimStyle.Render(" (pooled)")
			}
			t.Row(r.Category, strconv.Itoa(r.Slot+1), worker, workerStatus(store.WorkerStatus(r.Status)),
				strconv.Itoa(r.ExitCode), formatDuration(r.Duration), r.Reason)
		}
		fmt.Fprintln(w, t.String())
	}
	fmt.Fprintf(w, "%s succeeded, %s failed, %s skipped in %s\n",
		okStyle.Render(strconv.Itoa(succeeded)), badStyle.Render(strconv.Itoa(failed)),
		dimStyle.Render(strconv.Itoa(skipped)), formatDuration(s.FinishedAt.Sub(s.StartedAt)))
}

// Outcome writes the result of a single execution.
func Outcome(w io.Writer, out orchestrator.Outcome) {
	fmt.Fprintf(w, "%s (%s): %s, exit %d, %s\n", out.WorkerID, out.Category,
		workerStatus(out.Status), out.ExitCode, formatDuration(out.Duration))
	if out.Err != nil {
		fmt.Fprintln(w, badStyle.Render(out.Err.Error()))
	}
	if !out.Success() && out.Output != "" {
		fmt.Fprintln(w, dimStyle.Render(strings.TrimRight(out.Output, "\n")))
	}
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

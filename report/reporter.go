package report

// Package report renders the event stream and the end-of-run summary
// to the terminal. It is the single consumer of the dispatcher's event
// sink.

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"

	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
	"github.com/fastfstests/fastfstests/store"
)

// Options are the reporter toggles from the output config section.
type Options struct {
	PrintFailureList  bool
	PrintNSlowest     int
	PrintDurationHist bool
}

type Reporter struct {
	logger zerolog.Logger
	out    io.Writer
	opts   Options

	started time.Time
}

func New(logger zerolog.Logger, out io.Writer, opts Options) *Reporter {
	return &Reporter{logger: logger, out: out, opts: opts}
}

var (
	passLabel    = color.New(color.FgGreen, color.Bold).Sprint("pass")
	failLabel    = color.New(color.FgRed, color.Bold).Sprint("fail")
	skipLabel    = color.New(color.FgYellow, color.Bold).Sprint("skip")
	errorLabel   = color.New(color.FgMagenta, color.Bold).Sprint("error")
	timeoutLabel = color.New(color.FgRed, color.Bold).Sprint("timeout")
	retryLabel   = color.New(color.FgCyan).Sprint("retry")
	cancelLabel  = color.New(color.FgYellow).Sprint("cancelled")
)

func statusLabel(s model.TestStatus) string {
	switch s {
	case model.StatusPassed:
		return passLabel
	case model.StatusFailed:
		return failLabel
	case model.StatusSkipped:
		return skipLabel
	case model.StatusTimedOut:
		return timeoutLabel
	case model.StatusErrored:
		return errorLabel
	}
	return string(s)
}

// Consume drains the event stream, printing progress as it happens,
// and returns the final results delivered by the run-complete event.
func (r *Reporter) Consume(events <-chan runner.Event) []model.TestResult {
	r.started = time.Now()
	var results []model.TestResult
	for ev := range events {
		switch ev.Type {
		case runner.EventSupervisorUp:
			fmt.Fprintf(r.out, "  %s %s\n", color.GreenString("spawn"), ev.SupervisorID)
		case runner.EventSupervisorDown:
			fmt.Fprintf(r.out, "  %s %s\n", color.RedString("down"), ev.SupervisorID)
		case runner.EventSupervisorRestarted:
			fmt.Fprintf(r.out, "  %s %s\n", color.CyanString("respawn"), ev.SupervisorID)
		case runner.EventTestFinished:
			if ev.Result != nil {
				fmt.Fprintf(r.out, "  %s %s %s\n",
					statusLabel(ev.Result.Status), ev.Result.TestID,
					formatDuration(ev.Result.Duration()))
			}
		case runner.EventTestRetried:
			fmt.Fprintf(r.out, "  %s %s (attempt %d)\n", retryLabel, ev.TestID, ev.Attempt)
		case runner.EventTestCancelled:
			fmt.Fprintf(r.out, "  %s %s\n", cancelLabel, ev.TestID)
		case runner.EventRunComplete:
			results = ev.Results
		}
	}
	return results
}

// Summary prints failed-test details, the optional extras, and the
// status counts.
func (r *Reporter) Summary(results []model.TestResult, resultsDir string) {
	r.printFailedDetails(results, resultsDir)

	if r.opts.PrintFailureList {
		r.printFailureList(results)
	}
	if r.opts.PrintNSlowest > 0 {
		r.printSlowest(results)
	}
	if r.opts.PrintDurationHist {
		r.printDurationHist(results)
	}

	r.printCounts(results)
}

func (r *Reporter) rule(title string) {
	fmt.Fprintf(r.out, "\n── %s %s\n", title, strings.Repeat("─", max(0, 60-len(title))))
}

func (r *Reporter) printFailedDetails(results []model.TestResult, resultsDir string) {
	for _, res := range results {
		if res.Status != model.StatusFailed && res.Status != model.StatusErrored &&
			res.Status != model.StatusTimedOut {
			continue
		}

		header := fmt.Sprintf("%s %s", strings.ToUpper(string(res.Status)[:1])+string(res.Status)[1:], res.TestID)
		if resultsDir != "" {
			header += fmt.Sprintf(" @ %s/tests/%s", resultsDir, res.TestID)
		}
		r.rule(header)

		if res.StdoutExcerpt != "" {
			fmt.Fprintf(r.out, "stdout:\n%s\n", strings.TrimRight(res.StdoutExcerpt, "\n"))
		}
		if res.StderrExcerpt != "" {
			fmt.Fprintf(r.out, "stderr:\n%s\n", strings.TrimRight(res.StderrExcerpt, "\n"))
		}
		for key, value := range res.Diagnostics {
			fmt.Fprintf(r.out, "%s: %s\n", key, value)
		}
	}
}

func (r *Reporter) printFailureList(results []model.TestResult) {
	seen := map[model.TestID]bool{}
	var failed []string
	for _, res := range results {
		switch res.Status {
		case model.StatusFailed, model.StatusErrored, model.StatusTimedOut:
			if !seen[res.TestID] {
				seen[res.TestID] = true
				failed = append(failed, res.TestID.String())
			}
		}
	}
	if len(failed) == 0 {
		return
	}
	sort.Strings(failed)
	r.rule("Failure List")
	fmt.Fprintln(r.out, strings.Join(failed, " "))
}

func (r *Reporter) printSlowest(results []model.TestResult) {
	slowest := append([]model.TestResult(nil), results...)
	sort.Slice(slowest, func(i, j int) bool {
		return slowest[i].DurationSecs > slowest[j].DurationSecs
	})
	if len(slowest) > r.opts.PrintNSlowest {
		slowest = slowest[:r.opts.PrintNSlowest]
	}
	if len(slowest) == 0 {
		return
	}

	r.rule(fmt.Sprintf("%d Slowest Tests", len(slowest)))
	table := tablewriter.NewWriter(r.out)
	table.SetHeader([]string{"Test", "Duration", "Supervisor"})
	table.SetBorder(false)
	for _, res := range slowest {
		table.Append([]string{
			res.TestID.String(),
			formatDuration(res.Duration()),
			res.SupervisorID,
		})
	}
	table.Render()
}

func (r *Reporter) printDurationHist(results []model.TestResult) {
	if len(results) == 0 {
		return
	}
	durations := make([]float64, 0, len(results))
	for _, res := range results {
		durations = append(durations, res.DurationSecs)
	}
	r.rule("Test Times Histogram")
	fmt.Fprint(r.out, Histogram(durations))
}

func (r *Reporter) printCounts(results []model.TestResult) {
	counts := map[model.TestStatus]int{}
	for _, res := range results {
		counts[res.Status]++
	}

	r.rule("Summary")
	order := []model.TestStatus{
		model.StatusPassed,
		model.StatusSkipped,
		model.StatusFailed,
		model.StatusTimedOut,
		model.StatusErrored,
	}
	for _, status := range order {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(r.out, "  %s %s\n", statusLabel(status), humanize.Comma(int64(n)))
		}
	}
	fmt.Fprintf(r.out, "  %s %s\n",
		color.New(color.FgBlue, color.Bold).Sprint("Total Time"),
		formatDuration(time.Since(r.started)))
}

// PrintComparison renders the diff of two runs.
func (r *Reporter) PrintComparison(cmp store.Comparison, labelA, labelB string) {
	r.rule(fmt.Sprintf("%s vs %s", labelA, labelB))

	if len(cmp.Regressions) > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.New(color.FgRed, color.Bold).Sprint("Regressions"), len(cmp.Regressions))
		for _, d := range cmp.Regressions {
			fmt.Fprintf(r.out, "    %s  %s -> %s\n", d.TestID, d.Old, d.New)
		}
	}
	if len(cmp.Progressions) > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.New(color.FgGreen, color.Bold).Sprint("Fixes"), len(cmp.Progressions))
		for _, d := range cmp.Progressions {
			fmt.Fprintf(r.out, "    %s  %s -> %s\n", d.TestID, d.Old, d.New)
		}
	}
	if len(cmp.New) > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.New(color.FgBlue, color.Bold).Sprintf("New in %s", labelB), len(cmp.New))
		for _, id := range cmp.New {
			fmt.Fprintf(r.out, "    %s\n", id)
		}
	}
	if len(cmp.Removed) > 0 {
		fmt.Fprintf(r.out, "  %s %d\n", color.New(color.FgYellow, color.Bold).Sprintf("Removed from %s", labelB), len(cmp.Removed))
		for _, id := range cmp.Removed {
			fmt.Fprintf(r.out, "    %s\n", id)
		}
	}
	if len(cmp.Timing) > 0 {
		fmt.Fprintf(r.out, "  %s (>= %ds)\n", color.New(color.Bold).Sprint("Timing changes"), store.TimingThresholdSecs)
		for _, t := range cmp.Timing {
			delta := fmt.Sprintf("%+ds", int(t.DeltaSecs))
			if t.DeltaSecs > 0 {
				delta = color.RedString(delta)
			} else {
				delta = color.GreenString(delta)
			}
			fmt.Fprintf(r.out, "    %s  %s\n", delta, t.TestID)
		}
	}
	if cmp.Empty() {
		fmt.Fprintln(r.out, "  No differences found.")
	}
	fmt.Fprintln(r.out)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

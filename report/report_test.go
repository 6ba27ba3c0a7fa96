package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastfstests/fastfstests/model"
	"github.com/fastfstests/fastfstests/runner"
	"github.com/fastfstests/fastfstests/store"
)

func result(id model.TestID, status model.TestStatus, seconds float64) model.TestResult {
	now := time.Now().UTC()
	return model.TestResult{
		TestID:         id,
		IterationIndex: 1,
		Status:         status,
		StartedAt:      now,
		FinishedAt:     now.Add(time.Duration(seconds * float64(time.Second))),
		DurationSecs:   seconds,
		SupervisorID:   "ff-0",
		AttemptIndex:   1,
	}
}

func TestConsumeReturnsRunResults(t *testing.T) {
	sink := runner.NewSink(8)
	var out bytes.Buffer
	rep := New(zerolog.Nop(), &out, Options{})

	want := []model.TestResult{result("btrfs/001", model.StatusPassed, 3)}
	done := make(chan []model.TestResult, 1)
	go func() { done <- rep.Consume(sink.Events()) }()

	res := want[0]
	sink.Post(runner.Event{Type: runner.EventTestFinished, TestID: res.TestID, Result: &res})
	sink.Post(runner.Event{Type: runner.EventRunComplete, Results: want})
	sink.Close()

	got := <-done
	assert.Equal(t, want, got)
	assert.Contains(t, out.String(), "btrfs/001")
}

func TestSummaryCounts(t *testing.T) {
	var out bytes.Buffer
	rep := New(zerolog.Nop(), &out, Options{})
	rep.Summary([]model.TestResult{
		result("a/001", model.StatusPassed, 1),
		result("a/002", model.StatusPassed, 2),
		result("a/003", model.StatusFailed, 3),
		result("a/004", model.StatusSkipped, 0),
	}, "")

	text := out.String()
	assert.Contains(t, text, "Summary")
	assert.Contains(t, text, "2")
	assert.Contains(t, text, "a/003")
}

func TestSummaryFailureList(t *testing.T) {
	var out bytes.Buffer
	rep := New(zerolog.Nop(), &out, Options{PrintFailureList: true})
	rep.Summary([]model.TestResult{
		result("a/002", model.StatusFailed, 1),
		result("a/001", model.StatusTimedOut, 1),
		result("a/003", model.StatusPassed, 1),
	}, "")

	text := out.String()
	require.Contains(t, text, "Failure List")
	assert.Contains(t, text, "a/001 a/002")
	assert.NotContains(t, strings.Split(text, "Failure List")[1], "a/003")
}

func TestSummarySlowest(t *testing.T) {
	var out bytes.Buffer
	rep := New(zerolog.Nop(), &out, Options{PrintNSlowest: 2})
	rep.Summary([]model.TestResult{
		result("a/fast", model.StatusPassed, 1),
		result("a/slow", model.StatusPassed, 30),
		result("a/slower", model.StatusPassed, 60),
	}, "")

	text := out.String()
	assert.Contains(t, text, "a/slower")
	assert.Contains(t, text, "a/slow")
	idx := strings.Index(text, "Slowest")
	require.GreaterOrEqual(t, idx, 0)
	assert.NotContains(t, text[idx:], "a/fast")
}

func TestHistogram(t *testing.T) {
	out := Histogram([]float64{1, 2, 3, 50, 100})
	require.NotEmpty(t, out)
	assert.Contains(t, out, "█")

	assert.Empty(t, Histogram(nil))

	// All-equal durations land in one bucket without dividing by zero.
	same := Histogram([]float64{5, 5, 5})
	assert.NotEmpty(t, same)
}

func TestPrintComparison(t *testing.T) {
	var out bytes.Buffer
	rep := New(zerolog.Nop(), &out, Options{})

	cmp := store.Compare(
		[]model.TestResult{result("x/a", model.StatusPassed, 1)},
		[]model.TestResult{result("x/a", model.StatusFailed, 1)},
	)
	rep.PrintComparison(cmp, "base", "change")
	assert.Contains(t, out.String(), "Regressions")
	assert.Contains(t, out.String(), "x/a")

	out.Reset()
	rep.PrintComparison(store.Comparison{}, "base", "change")
	assert.Contains(t, out.String(), "No differences found")
}

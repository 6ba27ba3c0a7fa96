package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastfstests/fastfstests/model"
)

func resultSet(statuses map[model.TestID]model.TestStatus) []model.TestResult {
	var out []model.TestResult
	for id, status := range statuses {
		out = append(out, testResult(id, status))
	}
	return out
}

func TestCompare(t *testing.T) {
	baseline := resultSet(map[model.TestID]model.TestStatus{
		"x/a": model.StatusPassed,
		"x/b": model.StatusPassed,
		"x/c": model.StatusFailed,
	})
	changed := resultSet(map[model.TestID]model.TestStatus{
		"x/a": model.StatusPassed,
		"x/b": model.StatusFailed,
		"x/d": model.StatusPassed,
	})

	cmp := Compare(baseline, changed)

	require.Len(t, cmp.Regressions, 1)
	assert.Equal(t, model.TestID("x/b"), cmp.Regressions[0].TestID)
	assert.Empty(t, cmp.Progressions)
	assert.Equal(t, []model.TestID{"x/d"}, cmp.New)
	assert.Equal(t, []model.TestID{"x/c"}, cmp.Removed)
}

func TestCompareFixedTestIsProgression(t *testing.T) {
	baseline := resultSet(map[model.TestID]model.TestStatus{"x/c": model.StatusFailed})
	changed := resultSet(map[model.TestID]model.TestStatus{"x/c": model.StatusPassed})

	cmp := Compare(baseline, changed)
	require.Len(t, cmp.Progressions, 1)
	assert.Equal(t, model.TestID("x/c"), cmp.Progressions[0].TestID)
	assert.Empty(t, cmp.Regressions)
}

func TestCompareSelfIsEmpty(t *testing.T) {
	run := resultSet(map[model.TestID]model.TestStatus{
		"x/a": model.StatusPassed,
		"x/b": model.StatusFailed,
		"x/c": model.StatusSkipped,
		"x/d": model.StatusErrored,
	})

	cmp := Compare(run, run)
	assert.True(t, cmp.Empty())
}

func TestCompareErroredCountsAsRegression(t *testing.T) {
	baseline := resultSet(map[model.TestID]model.TestStatus{"x/a": model.StatusPassed})
	changed := resultSet(map[model.TestID]model.TestStatus{"x/a": model.StatusErrored})

	cmp := Compare(baseline, changed)
	require.Len(t, cmp.Regressions, 1)
	assert.Equal(t, model.StatusErrored, cmp.Regressions[0].New)
}

func TestCompareSkippedIsExcluded(t *testing.T) {
	baseline := resultSet(map[model.TestID]model.TestStatus{
		"x/a": model.StatusPassed,
		"x/b": model.StatusSkipped,
	})
	changed := resultSet(map[model.TestID]model.TestStatus{
		"x/a": model.StatusSkipped,
		"x/b": model.StatusPassed,
	})

	cmp := Compare(baseline, changed)
	assert.Empty(t, cmp.Regressions)
	assert.Empty(t, cmp.Progressions)
}

func TestCompareTimingChanges(t *testing.T) {
	slow := testResult("x/a", model.StatusPassed)
	slow.DurationSecs = 30
	fast := testResult("x/a", model.StatusPassed)
	fast.DurationSecs = 10

	cmp := Compare([]model.TestResult{fast}, []model.TestResult{slow})
	require.Len(t, cmp.Timing, 1)
	assert.Equal(t, 20.0, cmp.Timing[0].DeltaSecs)

	// Below the threshold nothing is reported.
	nearly := testResult("x/a", model.StatusPassed)
	nearly.DurationSecs = 12
	cmp = Compare([]model.TestResult{fast}, []model.TestResult{nearly})
	assert.Empty(t, cmp.Timing)
}

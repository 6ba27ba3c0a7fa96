package store

import (
	"sort"

	"github.com/fastfstests/fastfstests/model"
)

// Delta is one test whose status changed between two runs.
type Delta struct {
	TestID model.TestID
	Old    model.TestStatus
	New    model.TestStatus
}

// TimingDelta is one test whose duration moved by at least
// TimingThresholdSecs between two runs.
type TimingDelta struct {
	TestID    model.TestID
	DeltaSecs float64
}

// TimingThresholdSecs filters timing noise out of comparisons.
const TimingThresholdSecs = 5

// Comparison is the diff of a changed run against a baseline run.
type Comparison struct {
	Regressions  []Delta
	Progressions []Delta
	New          []model.TestID
	Removed      []model.TestID
	Timing       []TimingDelta

	BaselineCount int
	ChangedCount  int
}

// Empty reports whether the two runs differ at all.
func (c Comparison) Empty() bool {
	return len(c.Regressions) == 0 && len(c.Progressions) == 0 &&
		len(c.New) == 0 && len(c.Removed) == 0 && len(c.Timing) == 0
}

// Compare diffs two result sets. A regression is a test that passed in
// the baseline and does not pass in the changed run; an errored test
// counts as a regression when the baseline passed. Skipped tests are
// excluded from status classification. Comparing a run against itself
// yields an empty comparison.
func Compare(baseline, changed []model.TestResult) Comparison {
	type entry struct {
		status   model.TestStatus
		duration float64
	}
	index := func(results []model.TestResult) map[model.TestID]entry {
		m := make(map[model.TestID]entry, len(results))
		for _, res := range results {
			m[res.TestID] = entry{status: res.Status, duration: res.DurationSecs}
		}
		return m
	}
	a, b := index(baseline), index(changed)

	ids := make([]model.TestID, 0, len(a)+len(b))
	seen := make(map[model.TestID]bool, len(a)+len(b))
	for id := range a {
		ids = append(ids, id)
		seen[id] = true
	}
	for id := range b {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cmp := Comparison{BaselineCount: len(a), ChangedCount: len(b)}
	for _, id := range ids {
		ra, inA := a[id]
		rb, inB := b[id]
		switch {
		case !inA:
			cmp.New = append(cmp.New, id)
			continue
		case !inB:
			cmp.Removed = append(cmp.Removed, id)
			continue
		}

		skipped := ra.status == model.StatusSkipped || rb.status == model.StatusSkipped
		switch {
		case skipped:
		case ra.status.Passed() && !rb.status.Passed():
			cmp.Regressions = append(cmp.Regressions, Delta{TestID: id, Old: ra.status, New: rb.status})
		case !ra.status.Passed() && rb.status.Passed():
			cmp.Progressions = append(cmp.Progressions, Delta{TestID: id, Old: ra.status, New: rb.status})
		}

		if delta := rb.duration - ra.duration; delta >= TimingThresholdSecs || delta <= -TimingThresholdSecs {
			cmp.Timing = append(cmp.Timing, TimingDelta{TestID: id, DeltaSecs: delta})
		}
	}

	sort.Slice(cmp.Timing, func(i, j int) bool { return cmp.Timing[i].DeltaSecs > cmp.Timing[j].DeltaSecs })
	return cmp
}

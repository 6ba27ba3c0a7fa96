package runner

import (
	"sort"

	"github.com/fastfstests/fastfstests/model"
)

// OrderSlowestFirst orders items for minimal makespan on a fixed pool:
// tests with a known prior duration come first, largest first; tests
// without one follow in their input order. Ordering an already-ordered
// list is a no-op.
func OrderSlowestFirst(items []*WorkItem, durations map[model.TestID]float64) []*WorkItem {
	known := make([]*WorkItem, 0, len(items))
	unknown := make([]*WorkItem, 0)
	for _, it := range items {
		if _, ok := durations[it.Test.Identity()]; ok {
			known = append(known, it)
		} else {
			unknown = append(unknown, it)
		}
	}
	sort.SliceStable(known, func(i, j int) bool {
		return durations[known[i].Test.Identity()] > durations[known[j].Test.Identity()]
	})
	return append(known, unknown...)
}

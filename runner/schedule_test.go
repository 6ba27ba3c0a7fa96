package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fastfstests/fastfstests/model"
)

func ids(its []*WorkItem) []model.TestID {
	out := make([]model.TestID, 0, len(its))
	for _, it := range its {
		out = append(out, it.Test.Identity())
	}
	return out
}

func TestOrderSlowestFirst(t *testing.T) {
	durations := map[model.TestID]float64{
		"x/a": 10,
		"x/b": 30,
		"x/c": 20,
	}

	ordered := OrderSlowestFirst(items("x/a", "x/b", "x/c"), durations)
	assert.Equal(t, []model.TestID{"x/b", "x/c", "x/a"}, ids(ordered))
}

func TestOrderSlowestFirstIsIdempotent(t *testing.T) {
	durations := map[model.TestID]float64{
		"x/a": 10,
		"x/b": 30,
		"x/c": 20,
	}

	once := OrderSlowestFirst(items("x/a", "x/b", "x/c"), durations)
	twice := OrderSlowestFirst(once, durations)
	assert.Equal(t, ids(once), ids(twice))
}

func TestOrderSlowestFirstKeepsUnknownInInputOrder(t *testing.T) {
	durations := map[model.TestID]float64{"x/c": 5}

	ordered := OrderSlowestFirst(items("x/a", "x/b", "x/c", "x/d"), durations)
	assert.Equal(t, []model.TestID{"x/c", "x/a", "x/b", "x/d"}, ids(ordered))
}

func TestOrderSlowestFirstNoDurations(t *testing.T) {
	ordered := OrderSlowestFirst(items("x/a", "x/b"), nil)
	assert.Equal(t, []model.TestID{"x/a", "x/b"}, ids(ordered))
}

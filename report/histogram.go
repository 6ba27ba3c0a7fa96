package report

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	histBuckets  = 10
	histBarWidth = 40
)

// Histogram renders a bucketed text histogram of test durations in
// seconds.
func Histogram(durations []float64) string {
	if len(durations) == 0 {
		return ""
	}

	lo, hi := durations[0], durations[0]
	for _, d := range durations {
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}

	width := (hi - lo) / histBuckets
	if width <= 0 {
		width = 1
	}

	counts := make([]int, histBuckets)
	maxCount := 0
	for _, d := range durations {
		bucket := int((d - lo) / width)
		if bucket >= histBuckets {
			bucket = histBuckets - 1
		}
		counts[bucket]++
		if counts[bucket] > maxCount {
			maxCount = counts[bucket]
		}
	}

	var b strings.Builder
	for i, count := range counts {
		from := time.Duration((lo + float64(i)*width) * float64(time.Second)).Round(time.Second)
		to := time.Duration((lo + float64(i+1)*width) * float64(time.Second)).Round(time.Second)
		bar := strings.Repeat("█", count*histBarWidth/maxCount)
		fmt.Fprintf(&b, "  %8s - %-8s %s %d\n", from, to, bar, count)
	}
	return b.String()
}

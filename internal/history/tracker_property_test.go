package history

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestTrackerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no sample older than the window survives a record", prop.ForAll(
		func(offsets []int64) bool {
			tracker := NewTracker(time.Second)
			var newest int64
			for i, offset := range offsets {
				ts := 10_000 + offset
				if i == 0 || ts > newest {
					newest = ts
				}
				tracker.Record("user", sampleAt(ts, 0, 0))
				for _, s := range tracker.Samples("user") {
					if s.Timestamp < newest-1000 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-3000, 3000)),
	))

	properties.Property("interpolated position stays between bracketing samples", prop.ForAll(
		func(x0, x1 float64, gap int64, offset int64) bool {
			tracker := NewTracker(time.Second)
			tracker.Record("user", sampleAt(1000, x0, 0))
			tracker.Record("user", sampleAt(1000+gap, x1, 0))
			target := 1000 + offset%gap
			got, ok := tracker.Query("user", target)
			if !ok {
				return false
			}
			lo, hi := x0, x1
			if lo > hi {
				lo, hi = hi, lo
			}
			const eps = 1e-9
			return got.Position.X >= lo-eps && got.Position.X <= hi+eps
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(-1000, 1000),
		gen.Int64Range(1, 1000),
		gen.Int64Range(0, 1000),
	))

	properties.Property("queries outside the span clamp to the ends", prop.ForAll(
		func(before, after int64) bool {
			tracker := NewTracker(time.Second)
			first := sampleAt(1000, 1, 1)
			last := sampleAt(1500, 9, 9)
			tracker.Record("user", first)
			tracker.Record("user", last)
			early, _ := tracker.Query("user", 1000-before)
			late, _ := tracker.Query("user", 1500+after)
			return early == first && late == last
		},
		gen.Int64Range(1, 100_000),
		gen.Int64Range(0, 100_000),
	))

	properties.TestingRun(t)
}

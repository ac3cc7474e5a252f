//go:build property
// +build property

package weights

import (
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestWeightSumProperty verifies the normalization invariants for random
// score sets of random size: every weight lies in [0,1], and whenever any
// agent receives capital the weights sum to 1 within 1e-6, in both floor
// and strict mode. Large sets push the floor budget past the whole book,
// so the oversubscribed path is exercised too.
func TestWeightSumProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	smallGen := gen.SliceOfN(5, gen.Float64Range(-3, 3))
	// 30 agents at a 0.05 floor oversubscribe the book whenever most
	// scores land below the threshold.
	largeGen := gen.SliceOfN(30, gen.Float64Range(-3, 3))

	check := func(mode Mode) func([]float64) bool {
		return func(scores []float64) bool {
			sharpes := make(map[string]float64, len(scores))
			for i, s := range scores {
				sharpes[fmt.Sprintf("agent-%d", i)] = s
			}
			w := FromScores(sharpes, Options{Mode: mode, FloorWeight: 0.05})

			var sum float64
			for _, v := range w {
				if v < 0 || v > 1 {
					return false
				}
				sum += v
			}
			if sum == 0 {
				// Legal only when every agent was zeroed in strict mode.
				return mode == ModeStrict
			}
			return math.Abs(sum-1) <= 1e-6
		}
	}

	properties.Property("floor mode weights in [0,1] summing to 1", prop.ForAll(check(ModeFloor), smallGen))
	properties.Property("strict mode weights in [0,1] summing to 1 or all-zero", prop.ForAll(check(ModeStrict), smallGen))
	properties.Property("oversubscribed floor budget stays in [0,1]", prop.ForAll(check(ModeFloor), largeGen))

	properties.TestingRun(t)
}

// TestWeightDeterminismProperty verifies FromScores is a pure function of
// its inputs.
func TestWeightDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical scores yield bit-identical weights", prop.ForAll(
		func(scores []float64) bool {
			sharpes := make(map[string]float64, len(scores))
			for i, s := range scores {
				sharpes[fmt.Sprintf("agent-%d", i)] = s
			}
			a := FromScores(sharpes, Options{Mode: ModeFloor})
			b := FromScores(sharpes, Options{Mode: ModeFloor})
			if len(a) != len(b) {
				return false
			}
			for k, v := range a {
				if b[k] != v {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.Float64Range(-4, 4)),
	))

	properties.TestingRun(t)
}

//go:build property
// +build property

package reputation

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/atmx/freight-exchange/internal/model"
)

// TestReputationBounds verifies scores stay in [0,1] and total_deals never
// decreases under any sequence of deals and late reports.
func TestReputationBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("scores bounded, total_deals monotonic", prop.ForAll(
		func(ops []int, rounds []int) bool {
			now := time.Unix(0, 0)
			r := Neutral("agent", model.AgentSeller)
			for i, op := range ops {
				prevTotal := r.TotalDeals
				n := 1
				if i < len(rounds) {
					n = rounds[i]
				}
				switch op % 4 {
				case 0:
					r = Apply(r, model.OutcomeSuccess, nil, n, now)
				case 1:
					late := false
					r = Apply(r, model.OutcomeFailure, &late, n, now)
				case 2:
					onTime := true
					r = Apply(r, model.OutcomeSuccess, &onTime, n, now)
				default:
					r = ApplyLate(r, now)
				}
				if r.TotalDeals < prevTotal {
					return false
				}
				for _, v := range []float64{r.OverallScore, r.ReliabilityScore, r.NegotiationFairness} {
					if v < 0 || v > 1 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.IntRange(0, 12)),
	))

	properties.TestingRun(t)
}

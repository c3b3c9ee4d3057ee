// Package scoring ranks auction bids by a weighted composite of normalized
// price, delivery time, and seller reputation.
//
// Score is a pure function: identical bids, weights, and reputation snapshots
// always produce identical rankings. Normalization is min-max over the valid
// bid set of a single auction; a dimension where every bid is equal scores 1.0
// for all of them.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/atmx/freight-exchange/internal/model"
)

// Tolerance is the allowed deviation of the weight sum from 1.
const Tolerance = 1e-6

// NeutralReputation is used for sellers with no reputation record.
const NeutralReputation = 0.5

// tieEpsilon treats composites closer than this as equal.
const tieEpsilon = 1e-9

var (
	// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
	ErrInvalidWeights = errors.New("scoring: weights must be in [0,1] and sum to 1")

	// ErrUnknownStrategy is returned for an unrecognized preset name.
	ErrUnknownStrategy = errors.New("scoring: unknown weight strategy")
)

// Preset weight strategies.
var presets = map[string]model.Weights{
	"balanced":        {Price: 0.5, Time: 0.3, Reputation: 0.2},
	"lowest_price":    {Price: 0.7, Time: 0.2, Reputation: 0.1},
	"fastest":         {Price: 0.2, Time: 0.7, Reputation: 0.1},
	"best_reputation": {Price: 0.3, Time: 0.2, Reputation: 0.5},
}

// DefaultWeights returns the balanced preset.
func DefaultWeights() model.Weights {
	return presets["balanced"]
}

// WeightsForStrategy returns the preset weights for name.
func WeightsForStrategy(name string) (model.Weights, error) {
	w, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return model.Weights{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return w, nil
}

// Validate checks that every weight is in [0,1] and that they sum to 1
// within Tolerance.
func Validate(w model.Weights) error {
	for _, v := range []float64{w.Price, w.Time, w.Reputation} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: got price=%.4f time=%.4f reputation=%.4f",
				ErrInvalidWeights, w.Price, w.Time, w.Reputation)
		}
	}
	if math.Abs(w.Sum()-1) > Tolerance {
		return fmt.Errorf("%w: sum is %.6f", ErrInvalidWeights, w.Sum())
	}
	return nil
}

// Result is the ranked outcome of scoring one auction's bids.
type Result struct {
	// Scores are ordered best first; Rank starts at 1.
	Scores      []model.BidScore `json:"scores"`
	Explanation string           `json:"explanation"`
}

// Composite returns the composite score per bid id.
func (r Result) Composite() map[string]float64 {
	out := make(map[string]float64, len(r.Scores))
	for _, s := range r.Scores {
		out[s.BidID] = s.Composite
	}
	return out
}

// Best returns the top-ranked score, or false for an empty result.
func (r Result) Best() (model.BidScore, bool) {
	if len(r.Scores) == 0 {
		return model.BidScore{}, false
	}
	return r.Scores[0], true
}

// ReputationOf combines overall and reliability into the reputation
// dimension used for ranking.
func ReputationOf(rep model.ReputationScore) float64 {
	return clamp01((rep.OverallScore + rep.ReliabilityScore) / 2)
}

// Score ranks bids. reputations is keyed by seller id; sellers missing from
// it receive NeutralReputation. Bids are assumed to be already validated.
//
// Ties on composite are broken by lower price, then higher reputation, then
// earlier arrival (lower Sequence).
func Score(bids []model.Bid, w model.Weights, reputations map[string]model.ReputationScore) Result {
	if len(bids) == 0 {
		return Result{Explanation: "no valid bids to score"}
	}

	minP, maxP := math.Inf(1), math.Inf(-1)
	minT, maxT := math.Inf(1), math.Inf(-1)
	for _, b := range bids {
		p := b.Price.InexactFloat64()
		minP, maxP = math.Min(minP, p), math.Max(maxP, p)
		minT, maxT = math.Min(minT, b.ETAHours), math.Max(maxT, b.ETAHours)
	}

	type ranked struct {
		score model.BidScore
		bid   model.Bid
	}
	rows := make([]ranked, 0, len(bids))
	for _, b := range bids {
		rep := NeutralReputation
		if r, ok := reputations[b.SellerID]; ok {
			rep = ReputationOf(r)
		}
		ps := normalize(b.Price.InexactFloat64(), minP, maxP)
		ts := normalize(b.ETAHours, minT, maxT)
		rows = append(rows, ranked{
			bid: b,
			score: model.BidScore{
				BidID:           b.ID,
				SellerID:        b.SellerID,
				PriceScore:      ps,
				TimeScore:       ts,
				ReputationScore: rep,
				Composite:       clamp01(w.Price*ps + w.Time*ts + w.Reputation*rep),
			},
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if d := a.score.Composite - b.score.Composite; math.Abs(d) > tieEpsilon {
			return d > 0
		}
		if c := a.bid.Price.Cmp(b.bid.Price); c != 0 {
			return c < 0
		}
		if d := a.score.ReputationScore - b.score.ReputationScore; math.Abs(d) > tieEpsilon {
			return d > 0
		}
		return a.bid.Sequence < b.bid.Sequence
	})

	res := Result{Scores: make([]model.BidScore, len(rows))}
	for i, r := range rows {
		r.score.Rank = i + 1
		res.Scores[i] = r.score
	}
	res.Explanation = explain(res.Scores, w)
	return res
}

// normalize maps v into [0,1] where the minimum scores 1 and the maximum 0.
func normalize(v, lo, hi float64) float64 {
	if hi-lo <= 0 {
		return 1.0
	}
	return clamp01(1 - (v-lo)/(hi-lo))
}

func explain(scores []model.BidScore, w model.Weights) string {
	best := scores[0]
	var b strings.Builder
	fmt.Fprintf(&b, "%s wins with composite %.3f (price %.3f, time %.3f, reputation %.3f; weights %.2f/%.2f/%.2f)",
		best.SellerID, best.Composite, best.PriceScore, best.TimeScore, best.ReputationScore,
		w.Price, w.Time, w.Reputation)
	if len(scores) == 1 {
		b.WriteString(" as the only valid bid")
		return b.String()
	}
	runner := scores[1]
	fmt.Fprintf(&b, " over %d bids; runner-up %s at %.3f", len(scores), runner.SellerID, runner.Composite)
	if math.Abs(best.Composite-runner.Composite) <= tieEpsilon {
		b.WriteString(" (tie broken by price, reputation, arrival)")
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

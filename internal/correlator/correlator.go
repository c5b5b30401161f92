// Package correlator is the scoring engine: a pure function fusing
// per-source confidence into one final confidence, with a "local boost"
// floor for strongly-corroborated local reports.
package correlator

import (
	"fmt"
	"math"

	"iocbridge/internal/models"
)

// ErrBadWeights is returned by NewWeights when the configured weights don't
// sum to 1.0 within epsilon. Callers treat this as a startup failure.
var ErrBadWeights = fmt.Errorf("correlator: weights must sum to 1.0")

const weightEpsilon = 1e-9

// Weights are the configured fusion coefficients. There is no hard-coded
// default: configuration loading fails when they are unset.
type Weights struct {
	Local    float64 // W_loc
	External float64 // W_ext
}

// NewWeights validates that Local+External sum to 1.0±epsilon.
func NewWeights(local, external float64) (Weights, error) {
	if math.Abs((local+external)-1.0) > weightEpsilon {
		return Weights{}, fmt.Errorf("%w: got %.6f + %.6f = %.6f", ErrBadWeights, local, external, local+external)
	}
	return Weights{Local: local, External: external}, nil
}

// Params bundles the correlator's tunable constants, all sourced from
// configuration: boost amount and floor for strongly-corroborated local
// reports.
type Params struct {
	Weights                 Weights
	LocalConfidenceBoost    int // default +10
	MinimumFinalConfidence  int // default 85
	LocalBoostThreshold     int // default 75: local_confidence >= this triggers the boost/floor
}

// Correlate fuses local and external confidence into a final confidence.
// Either input may be absent (nil); at least one must be present, which is
// the caller's responsibility.
//
// Correlate is a pure function: identical inputs always produce identical
// output.
func Correlate(local, external *int, p Params) int {
	switch {
	case local != nil && external != nil:
		fused := float64(*local)*p.Weights.Local + float64(*external)*p.Weights.External
		score := round(fused)
		if *local >= p.LocalBoostThreshold {
			score = applyLocalFloor(score, p)
		}
		return clamp(score)

	case local != nil:
		score := *local
		if *local >= p.LocalBoostThreshold {
			score = applyLocalFloor(score+p.LocalConfidenceBoost, p)
		}
		return clamp(score)

	case external != nil:
		return clamp(round(float64(*external) * p.Weights.External))

	default:
		return 0
	}
}

// applyLocalFloor raises score to MinimumFinalConfidence when a boost
// applies, without ever exceeding the [0,100] clamp performed by the caller.
func applyLocalFloor(score int, p Params) int {
	if score < p.MinimumFinalConfidence {
		return p.MinimumFinalConfidence
	}
	return score
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func round(f float64) int {
	return int(math.Round(f))
}

// MergeCategories unions two category sets into a deduplicated slice,
// preserving first-seen order.
func MergeCategories(local, external []string) []string {
	seen := make(map[string]struct{}, len(local)+len(external))
	out := make([]string, 0, len(local)+len(external))
	add := func(cats []string) {
		for _, c := range cats {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out = append(out, c)
			}
		}
	}
	add(local)
	add(external)
	return out
}

// SourceSet reports which of LOCAL/EXTERNAL contributed, given presence of
// each confidence input.
func SourceSet(local, external *int) []models.Source {
	var out []models.Source
	if local != nil {
		out = append(out, models.SourceLocal)
	}
	if external != nil {
		out = append(out, models.SourceExternal)
	}
	return out
}

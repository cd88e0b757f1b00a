// Package risk turns stage pass/fail outcomes into an overall score, a risk
// level and a decision. It is pure: no I/O and no clock.
package risk

import (
	"fmt"
	"maps"
	"math"

	"kyc/internal/session/models"
)

const (
	lowRiskFloor    = 0.8
	mediumRiskFloor = 0.6
	weightTolerance = 1e-9
)

// Components are the stages that carry weight, in summation order.
var Components = []models.StageKind{
	models.StagePAD,
	models.StageDeepfake,
	models.StageFaceMatch,
	models.StageDocLiveness,
}

// Assessment is the engine output.
type Assessment struct {
	Overall         float64
	Level           models.RiskLevel
	Decision        models.Decision
	ComponentScores map[string]float64
	Weights         map[string]float64
}

// Engine applies fixed weights to stage outcomes.
type Engine struct {
	weights map[string]float64
}

// NewEngine validates that weights cover exactly the weighted stages, are
// non-negative and sum to 1.
func NewEngine(weights map[string]float64) (*Engine, error) {
	if len(weights) != len(Components) {
		return nil, fmt.Errorf("risk weights must cover exactly %v", Components)
	}
	var sum float64
	for _, c := range Components {
		w, ok := weights[string(c)]
		if !ok {
			return nil, fmt.Errorf("missing risk weight for %s", c)
		}
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("risk weight for %s must be non-negative", c)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightTolerance {
		return nil, fmt.Errorf("risk weights must sum to 1.0, got %v", sum)
	}
	return &Engine{weights: maps.Clone(weights)}, nil
}

// Assess sums weight*passed over the weighted stages. A stage missing from
// passed counts as failed.
func (e *Engine) Assess(passed map[models.StageKind]bool) Assessment {
	components := make(map[string]float64, len(Components))
	var overall float64
	for _, c := range Components {
		score := 0.0
		if passed[c] {
			score = 1.0
		}
		components[string(c)] = score
		overall += score * e.weights[string(c)]
	}
	overall = clamp(round9(overall))
	level, decision := Classify(overall)
	return Assessment{
		Overall:         overall,
		Level:           level,
		Decision:        decision,
		ComponentScores: components,
		Weights:         maps.Clone(e.weights),
	}
}

// Classify maps an overall score to its risk band. Scores are compared at
// nine decimal places, so a sum landing on a floor belongs to the higher band.
func Classify(overall float64) (models.RiskLevel, models.Decision) {
	overall = round9(overall)
	switch {
	case overall >= lowRiskFloor:
		return models.RiskLow, models.DecisionApprove
	case overall >= mediumRiskFloor:
		return models.RiskMedium, models.DecisionManualReview
	default:
		return models.RiskHigh, models.DecisionReject
	}
}

// round9 drops float summation drift below the weight tolerance.
func round9(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// clamp absorbs rounding drift so the score stays within [0,1].
func clamp(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// weightTolerance bounds floating point drift when checking that weights sum to one.
const weightTolerance = 1e-9

// Scoring holds per-stage pass thresholds and the risk weights.
//
// File layout:
//
//	thresholds:
//	  pad: 0.5
//	  replay: 0.5
//	  facematch: 0.7
//	  doc_liveness: 0.5
//	weights:
//	  pad: 0.25
//	  deepfake: 0.25
//	  face_match: 0.3
//	  doc_liveness: 0.2
type Scoring struct {
	Thresholds Thresholds         `yaml:"thresholds"`
	Weights    map[string]float64 `yaml:"weights"`
}

// Thresholds are the per-stage pass thresholds. Deepfake is keyed "replay"
// in the file and passes when the score is at or below it.
type Thresholds struct {
	PAD         float64 `yaml:"pad"`
	Deepfake    float64 `yaml:"replay"`
	FaceMatch   float64 `yaml:"facematch"`
	DocLiveness float64 `yaml:"doc_liveness"`
}

// WeightedComponents lists the stages that contribute to the overall score.
var WeightedComponents = []string{"pad", "deepfake", "face_match", "doc_liveness"}

// DefaultScoring returns the thresholds and weights used when no file is configured.
func DefaultScoring() Scoring {
	return Scoring{
		Thresholds: Thresholds{
			PAD:         0.5,
			Deepfake:    0.5,
			FaceMatch:   0.7,
			DocLiveness: 0.5,
		},
		Weights: map[string]float64{
			"pad":          0.25,
			"deepfake":     0.25,
			"face_match":   0.3,
			"doc_liveness": 0.2,
		},
	}
}

// LoadScoring reads and validates a YAML scoring file.
func LoadScoring(path string) (Scoring, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Scoring{}, fmt.Errorf("read scoring file: %w", err)
	}
	return ParseScoring(raw)
}

// ParseScoring decodes and validates a YAML scoring document.
func ParseScoring(raw []byte) (Scoring, error) {
	var s Scoring
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Scoring{}, fmt.Errorf("parse scoring file: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scoring{}, err
	}
	return s, nil
}

// Validate checks thresholds are in [0,1] and the weights cover exactly the
// weighted stages and sum to one.
func (s Scoring) Validate() error {
	thresholds := map[string]float64{
		"pad":          s.Thresholds.PAD,
		"replay":       s.Thresholds.Deepfake,
		"facematch":    s.Thresholds.FaceMatch,
		"doc_liveness": s.Thresholds.DocLiveness,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("threshold %s must be within [0,1], got %v", name, v)
		}
	}

	if len(s.Weights) != len(WeightedComponents) {
		return fmt.Errorf("weights must define exactly %v", WeightedComponents)
	}
	var sum float64
	for _, name := range WeightedComponents {
		w, ok := s.Weights[name]
		if !ok {
			return fmt.Errorf("missing weight for %s", name)
		}
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("weight %s must be non-negative, got %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %v", sum)
	}
	return nil
}

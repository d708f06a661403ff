package gate

import "math"

// Scorer maps a feature vector to a quality score on the 0-10 scale.
type Scorer interface {
	Score(f Features) float64
}

// LinearScorer is a logistic regression over the frozen feature vector. An
// untrained scorer falls back to the model's own initial assessment, so cold
// starts behave exactly like the pre-learning pipeline.
type LinearScorer struct {
	Weights []float64
	Bias    float64
}

// NewLinearScorer builds a scorer from stored model parameters.
func NewLinearScorer(weights []float64, bias float64) *LinearScorer {
	return &LinearScorer{Weights: weights, Bias: bias}
}

// Trained reports whether model parameters have been loaded.
func (s *LinearScorer) Trained() bool {
	return len(s.Weights) == FeatureCount
}

func (s *LinearScorer) Score(f Features) float64 {
	if !s.Trained() {
		return f.InitialScore
	}
	vec := f.Vector()
	z := s.Bias
	for i, w := range s.Weights {
		z += w * vec[i]
	}
	return sigmoid(z) * 10
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

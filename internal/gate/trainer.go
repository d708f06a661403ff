package gate

import (
	"context"
	"fmt"
	"log"

	"github.com/quietfund/alphasift/internal/store"
)

// TrainerStore is the slice of the store the trainer needs.
type TrainerStore interface {
	ListUnusedRewardSamples(ctx context.Context) ([]store.RewardSampleRecord, error)
	MarkRewardSamplesUsed(ctx context.Context, ids []int64) error
	SaveRewardModel(ctx context.Context, rec store.RewardModelRecord) (store.RewardModelRecord, error)
	LatestRewardModel(ctx context.Context) (store.RewardModelRecord, bool, error)
}

// Trainer fits the persistence scorer against accumulated user feedback. A
// star rating of 4 or 5 is the positive label.
type Trainer struct {
	store      TrainerStore
	minSamples int
	epochs     int
	learnRate  float64
	logger     *log.Logger
}

// ErrNotEnoughSamples is returned when the unused feedback pool is below the
// configured training floor.
var ErrNotEnoughSamples = fmt.Errorf("not enough reward samples to train")

func NewTrainer(st TrainerStore, minSamples int, logger *log.Logger) *Trainer {
	if minSamples <= 0 {
		minSamples = 20
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[GATE] ", log.LstdFlags)
	}
	return &Trainer{store: st, minSamples: minSamples, epochs: 500, learnRate: 0.05, logger: logger}
}

// Train fits a new logistic regression over all unused reward samples, saves
// the model and marks the samples consumed. Returns the fitted scorer so the
// caller can hot-swap it into a live gate.
func (t *Trainer) Train(ctx context.Context) (*LinearScorer, error) {
	samples, err := t.store.ListUnusedRewardSamples(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading reward samples: %w", err)
	}

	var (
		xs  [][]float64
		ys  []float64
		ids []int64
	)
	for _, s := range samples {
		if len(s.Features) != FeatureCount {
			t.logger.Printf("warn: skipping reward sample %d with %d features", s.ID, len(s.Features))
			continue
		}
		xs = append(xs, s.Features)
		label := 0.0
		if s.Rating >= 4 {
			label = 1.0
		}
		ys = append(ys, label)
		ids = append(ids, s.ID)
	}
	if len(xs) < t.minSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSamples, len(xs), t.minSamples)
	}

	weights, bias := fitLogistic(xs, ys, t.epochs, t.learnRate)

	rec, err := t.store.SaveRewardModel(ctx, store.RewardModelRecord{
		Weights: weights,
		Bias:    bias,
		Samples: len(xs),
	})
	if err != nil {
		return nil, fmt.Errorf("saving reward model: %w", err)
	}
	if err := t.store.MarkRewardSamplesUsed(ctx, ids); err != nil {
		return nil, fmt.Errorf("marking samples used: %w", err)
	}
	t.logger.Printf("trained reward model %d on %d samples", rec.ID, len(xs))
	return NewLinearScorer(weights, bias), nil
}

// LoadLatest restores the most recently trained scorer, or an untrained one
// when no model has been saved yet.
func (t *Trainer) LoadLatest(ctx context.Context) (*LinearScorer, error) {
	rec, ok, err := t.store.LatestRewardModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading reward model: %w", err)
	}
	if !ok {
		return &LinearScorer{}, nil
	}
	return NewLinearScorer(rec.Weights, rec.Bias), nil
}

// fitLogistic runs full-batch gradient descent on the cross-entropy loss.
func fitLogistic(xs [][]float64, ys []float64, epochs int, lr float64) ([]float64, float64) {
	weights := make([]float64, FeatureCount)
	bias := 0.0
	n := float64(len(xs))

	for epoch := 0; epoch < epochs; epoch++ {
		gradW := make([]float64, FeatureCount)
		gradB := 0.0
		for i, x := range xs {
			z := bias
			for j, w := range weights {
				z += w * x[j]
			}
			diff := sigmoid(z) - ys[i]
			for j := range gradW {
				gradW[j] += diff * x[j]
			}
			gradB += diff
		}
		for j := range weights {
			weights[j] -= lr * gradW[j] / n
		}
		bias -= lr * gradB / n
	}
	return weights, bias
}

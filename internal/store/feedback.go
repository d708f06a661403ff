package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// FeedbackRecord is a human judgment on an insight. Created externally,
// referenced but never mutated by the core.
type FeedbackRecord struct {
	ID             int64
	InsightID      string
	StarRating     int
	Tags           []string
	Comment        string
	Invested       bool
	RealizedReturn *float64
	OutcomeDate    *time.Time
	CreatedAt      time.Time
}

// RewardSampleRecord snapshots insight features paired with a human rating,
// consumed by the retraining job.
type RewardSampleRecord struct {
	ID             int64
	InsightID      string
	Features       []float64
	Rating         int
	UsedInTraining bool
	CreatedAt      time.Time
}

// RecordFeedback stores feedback and snapshots a reward training sample in
// one transaction, so a rating never exists without its training row. The
// features slice is the gate's feature vector for the rated insight.
func (s *Store) RecordFeedback(ctx context.Context, fb FeedbackRecord, features []float64) (FeedbackRecord, error) {
	if fb.InsightID == "" {
		return FeedbackRecord{}, fmt.Errorf("insight_id required")
	}
	if fb.StarRating < 1 || fb.StarRating > 5 {
		return FeedbackRecord{}, fmt.Errorf("star_rating must be between 1 and 5")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return FeedbackRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	row := tx.QueryRowContext(ctx, `
INSERT INTO feedback (insight_id, star_rating, tags, comment, invested, realized_return, outcome_date, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
RETURNING id, created_at
`, fb.InsightID, fb.StarRating, pq.Array(fb.Tags), nullableString(fb.Comment), fb.Invested, fb.RealizedReturn, fb.OutcomeDate)
	if err = row.Scan(&fb.ID, &fb.CreatedAt); err != nil {
		return FeedbackRecord{}, err
	}

	if _, err = tx.ExecContext(ctx, `
INSERT INTO reward_samples (insight_id, features, rating, used_in_training, created_at)
VALUES ($1,$2,$3,FALSE,NOW())
`, fb.InsightID, pq.Array(features), fb.StarRating); err != nil {
		return FeedbackRecord{}, fmt.Errorf("insert reward sample: %w", err)
	}
	return fb, nil
}

// ListFeedbackForInsight returns all feedback rows for an insight, newest
// first.
func (s *Store) ListFeedbackForInsight(ctx context.Context, insightID string) ([]FeedbackRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, insight_id, star_rating, tags, comment, invested, realized_return, outcome_date, created_at
FROM feedback
WHERE insight_id=$1
ORDER BY created_at DESC
`, insightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FeedbackRecord
	for rows.Next() {
		var (
			fb       FeedbackRecord
			tags     pq.StringArray
			comment  sql.NullString
			realized sql.NullFloat64
			outcome  sql.NullTime
		)
		if err := rows.Scan(&fb.ID, &fb.InsightID, &fb.StarRating, &tags, &comment, &fb.Invested, &realized, &outcome, &fb.CreatedAt); err != nil {
			return nil, err
		}
		fb.Tags = []string(tags)
		if comment.Valid {
			fb.Comment = comment.String
		}
		if realized.Valid {
			v := realized.Float64
			fb.RealizedReturn = &v
		}
		if outcome.Valid {
			t := outcome.Time
			fb.OutcomeDate = &t
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}

// ListUnusedRewardSamples returns training samples not yet consumed by the
// retraining job.
func (s *Store) ListUnusedRewardSamples(ctx context.Context) ([]RewardSampleRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, insight_id, features, rating, used_in_training, created_at
FROM reward_samples
WHERE used_in_training = FALSE
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RewardSampleRecord
	for rows.Next() {
		var (
			rec      RewardSampleRecord
			features pq.Float64Array
		)
		if err := rows.Scan(&rec.ID, &rec.InsightID, &features, &rec.Rating, &rec.UsedInTraining, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Features = []float64(features)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkRewardSamplesUsed flips consumed samples so the next training round
// only sees fresh feedback.
func (s *Store) MarkRewardSamplesUsed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE reward_samples SET used_in_training = TRUE WHERE id = ANY($1)
`, pq.Array(ids))
	return err
}

// RewardModelRecord stores a trained persistence scorer's parameters.
type RewardModelRecord struct {
	ID        int64
	Weights   []float64
	Bias      float64
	Samples   int
	CreatedAt time.Time
}

// SaveRewardModel persists a newly trained scoring model.
func (s *Store) SaveRewardModel(ctx context.Context, rec RewardModelRecord) (RewardModelRecord, error) {
	if len(rec.Weights) == 0 {
		return RewardModelRecord{}, fmt.Errorf("weights required")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO reward_models (weights, bias, samples, created_at)
VALUES ($1,$2,$3,NOW())
RETURNING id, created_at
`, pq.Array(rec.Weights), rec.Bias, rec.Samples)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return RewardModelRecord{}, err
	}
	return rec, nil
}

// LatestRewardModel returns the most recently trained model, if any.
func (s *Store) LatestRewardModel(ctx context.Context) (RewardModelRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, weights, bias, samples, created_at
FROM reward_models
ORDER BY created_at DESC
LIMIT 1
`)
	var (
		rec     RewardModelRecord
		weights pq.Float64Array
	)
	if err := row.Scan(&rec.ID, &weights, &rec.Bias, &rec.Samples, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RewardModelRecord{}, false, nil
		}
		return RewardModelRecord{}, false, err
	}
	rec.Weights = []float64(weights)
	return rec, true, nil
}

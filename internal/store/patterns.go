package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PatternRecord is a named, reusable heuristic summarizing what has worked.
// Counters and rates move whenever an insight tied to the pattern receives
// feedback.
type PatternRecord struct {
	Name        string
	Description string
	SuccessRate float64
	AvgRating   float64
	UsageCount  int
	LastUsedAt  *time.Time
	Embedding   []float32
	Metadata    map[string]interface{}
}

// PatternSearchResult is a semantic search hit over research patterns.
type PatternSearchResult struct {
	Name        string
	Description string
	SuccessRate float64
	AvgRating   float64
	UsageCount  int
	Similarity  float64
}

// UpsertPattern creates or refreshes a research pattern.
func (s *Store) UpsertPattern(ctx context.Context, rec PatternRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("pattern name required")
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var embedding interface{}
	if len(rec.Embedding) > 0 {
		literal, err := encodeVectorLiteral(rec.Embedding)
		if err != nil {
			return err
		}
		embedding = literal
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_patterns (name, description, success_rate, avg_rating, usage_count, embedding, metadata, last_used_at)
VALUES ($1,$2,$3,$4,$5,$6::vector,$7,$8)
ON CONFLICT (name) DO UPDATE SET
  description = EXCLUDED.description,
  embedding   = COALESCE(EXCLUDED.embedding, research_patterns.embedding),
  metadata    = EXCLUDED.metadata;
`, rec.Name, nullableString(rec.Description), rec.SuccessRate, rec.AvgRating, rec.UsageCount, embedding, metaBytes, rec.LastUsedAt)
	return err
}

// GetPattern fetches a pattern by name.
func (s *Store) GetPattern(ctx context.Context, name string) (PatternRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT name, description, success_rate, avg_rating, usage_count, metadata, last_used_at
FROM research_patterns
WHERE name=$1
`, name)
	var (
		rec      PatternRecord
		desc     sql.NullString
		meta     []byte
		lastUsed sql.NullTime
	)
	if err := row.Scan(&rec.Name, &desc, &rec.SuccessRate, &rec.AvgRating, &rec.UsageCount, &meta, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PatternRecord{}, false, nil
		}
		return PatternRecord{}, false, err
	}
	if desc.Valid {
		rec.Description = desc.String
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rec.Metadata)
	}
	return rec, true, nil
}

// TouchPatternUsage bumps a pattern's usage counter and last-used timestamp.
func (s *Store) TouchPatternUsage(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("pattern name required")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE research_patterns
SET usage_count = usage_count + 1,
    last_used_at = NOW()
WHERE name=$1
`, name)
	return err
}

// ApplyPatternFeedback folds one new rating into a pattern's running average
// and success rate. A rating of 4 or 5 counts as a success.
func (s *Store) ApplyPatternFeedback(ctx context.Context, name string, rating int) error {
	if name == "" {
		return fmt.Errorf("pattern name required")
	}
	success := 0
	if rating >= 4 {
		success = 1
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE research_patterns
SET avg_rating   = (avg_rating * feedback_count + $2) / (feedback_count + 1),
    success_rate = (success_rate * feedback_count + $3) / (feedback_count + 1),
    feedback_count = feedback_count + 1
WHERE name=$1
`, name, rating, success)
	return err
}

// SearchSimilarPatterns returns the patterns nearest to the query vector
// under cosine similarity.
func (s *Store) SearchSimilarPatterns(ctx context.Context, vector []float32, topK int, minSimilarity float64) ([]PatternSearchResult, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	literal, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT name, description, success_rate, avg_rating, usage_count, 1 - (embedding <=> $1::vector) AS similarity
FROM research_patterns
WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) > $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, literal, minSimilarity, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PatternSearchResult
	for rows.Next() {
		var (
			res  PatternSearchResult
			desc sql.NullString
		)
		if err := rows.Scan(&res.Name, &desc, &res.SuccessRate, &res.AvgRating, &res.UsageCount, &res.Similarity); err != nil {
			return nil, err
		}
		if desc.Valid {
			res.Description = desc.String
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

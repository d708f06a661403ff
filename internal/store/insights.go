package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EvidenceFact is one supporting fact with its source.
type EvidenceFact struct {
	Fact   string `json:"fact"`
	Source string `json:"source,omitempty"`
}

// InsightRecord is a persisted, user-facing research output. An insight
// exists only for a signal whose persistence-gate score met the threshold,
// and is immutable after creation except for the shown_to_user flag.
type InsightRecord struct {
	ID          string
	SignalType  string
	Symbol      string
	CompanyName string
	Headline    string
	Evidence    []EvidenceFact
	Analysis    string
	Score       float64
	ShownToUser bool
	Embedding   []float32
	Metadata    map[string]interface{}
	CreatedAt   time.Time
}

// InsightSearchResult is a semantic search hit over stored insights.
type InsightSearchResult struct {
	ID         string
	Headline   string
	Analysis   string
	Score      float64
	Similarity float64
	CreatedAt  time.Time
}

// InsertInsight persists a gate-approved insight together with its embedding
// in a single statement, so no reader observes an insight without its vector.
func (s *Store) InsertInsight(ctx context.Context, rec InsightRecord) (InsightRecord, error) {
	if rec.Symbol == "" {
		return InsightRecord{}, fmt.Errorf("symbol required")
	}
	if rec.Headline == "" {
		return InsightRecord{}, fmt.Errorf("headline required")
	}
	evidence, err := json.Marshal(rec.Evidence)
	if err != nil {
		return InsightRecord{}, fmt.Errorf("marshal evidence: %w", err)
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return InsightRecord{}, fmt.Errorf("marshal metadata: %w", err)
	}
	var embedding interface{}
	if len(rec.Embedding) > 0 {
		literal, err := encodeVectorLiteral(rec.Embedding)
		if err != nil {
			return InsightRecord{}, err
		}
		embedding = literal
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO insights (signal_type, symbol, company_name, headline, evidence, analysis, score, embedding, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,$9,NOW())
RETURNING id, created_at
`, rec.SignalType, rec.Symbol, nullableString(rec.CompanyName), rec.Headline, evidence, rec.Analysis, rec.Score, embedding, metaBytes)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return InsightRecord{}, err
	}
	return rec, nil
}

// GetInsight fetches an insight by id.
func (s *Store) GetInsight(ctx context.Context, id string) (InsightRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, signal_type, symbol, company_name, headline, evidence, analysis, score, shown_to_user, metadata, created_at
FROM insights
WHERE id=$1
`, id)
	rec, err := scanInsight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InsightRecord{}, false, nil
		}
		return InsightRecord{}, false, err
	}
	return rec, true, nil
}

// ListUnshownInsights returns insights above minScore that have not been
// rendered yet, highest score first. This feeds the daily digest.
func (s *Store) ListUnshownInsights(ctx context.Context, minScore float64, limit int) ([]InsightRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, signal_type, symbol, company_name, headline, evidence, analysis, score, shown_to_user, metadata, created_at
FROM insights
WHERE shown_to_user = FALSE AND score >= $1
ORDER BY score DESC, created_at DESC
LIMIT $2
`, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InsightRecord
	for rows.Next() {
		rec, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInsightShown flags an insight as rendered to the user.
func (s *Store) MarkInsightShown(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("insight id required")
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE insights SET shown_to_user = TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("insight %s not found", id)
	}
	return nil
}

// CountInsightsBySymbol reports how many insights have been persisted for a
// symbol. The pipeline uses this as the historical-mentions feature.
func (s *Store) CountInsightsBySymbol(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM insights WHERE symbol=$1`, symbol).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SearchSimilarInsights returns up to topK insights whose embeddings are
// nearest to the query vector under cosine similarity, filtered by a minimum
// similarity in [0,1].
func (s *Store) SearchSimilarInsights(ctx context.Context, vector []float32, topK int, minSimilarity float64) ([]InsightSearchResult, error) {
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
SELECT id, headline, analysis, score, created_at, 1 - (embedding <=> $1::vector) AS similarity
FROM insights
WHERE embedding IS NOT NULL AND 1 - (embedding <=> $1::vector) > $2
ORDER BY embedding <=> $1::vector
LIMIT $3
`, literal, minSimilarity, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []InsightSearchResult
	for rows.Next() {
		var res InsightSearchResult
		if err := rows.Scan(&res.ID, &res.Headline, &res.Analysis, &res.Score, &res.CreatedAt, &res.Similarity); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func scanInsight(row rowScanner) (InsightRecord, error) {
	var (
		rec      InsightRecord
		company  sql.NullString
		evidence []byte
		meta     []byte
	)
	if err := row.Scan(&rec.ID, &rec.SignalType, &rec.Symbol, &company, &rec.Headline, &evidence, &rec.Analysis, &rec.Score, &rec.ShownToUser, &meta, &rec.CreatedAt); err != nil {
		return InsightRecord{}, err
	}
	if company.Valid {
		rec.CompanyName = company.String
	}
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &rec.Evidence)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rec.Metadata)
	}
	return rec, nil
}

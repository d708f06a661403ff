package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CompanyRecord accumulates per-company knowledge surfaced to research
// stages: sector, fundamentals snapshots, and anything past runs learned.
type CompanyRecord struct {
	Symbol    string
	Name      string
	Sector    string
	Knowledge map[string]interface{}
	Embedding []float32
	UpdatedAt time.Time
}

// UpsertCompany creates or refreshes company knowledge.
func (s *Store) UpsertCompany(ctx context.Context, rec CompanyRecord) error {
	if rec.Symbol == "" {
		return fmt.Errorf("symbol required")
	}
	knowledge := rec.Knowledge
	if knowledge == nil {
		knowledge = map[string]interface{}{}
	}
	knowledgeBytes, err := json.Marshal(knowledge)
	if err != nil {
		return fmt.Errorf("marshal knowledge: %w", err)
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
INSERT INTO companies (symbol, name, sector, knowledge, embedding, updated_at)
VALUES ($1,$2,$3,$4,$5::vector,NOW())
ON CONFLICT (symbol) DO UPDATE SET
  name       = COALESCE(EXCLUDED.name, companies.name),
  sector     = COALESCE(EXCLUDED.sector, companies.sector),
  knowledge  = EXCLUDED.knowledge,
  embedding  = COALESCE(EXCLUDED.embedding, companies.embedding),
  updated_at = NOW();
`, rec.Symbol, nullableString(rec.Name), nullableString(rec.Sector), knowledgeBytes, embedding)
	return err
}

// GetCompany fetches company knowledge by symbol.
func (s *Store) GetCompany(ctx context.Context, symbol string) (CompanyRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT symbol, name, sector, knowledge, updated_at
FROM companies
WHERE symbol=$1
`, symbol)
	var (
		rec       CompanyRecord
		name      sql.NullString
		sector    sql.NullString
		knowledge []byte
	)
	if err := row.Scan(&rec.Symbol, &name, &sector, &knowledge, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CompanyRecord{}, false, nil
		}
		return CompanyRecord{}, false, err
	}
	if name.Valid {
		rec.Name = name.String
	}
	if sector.Valid {
		rec.Sector = sector.String
	}
	if len(knowledge) > 0 {
		_ = json.Unmarshal(knowledge, &rec.Knowledge)
	}
	return rec, true, nil
}

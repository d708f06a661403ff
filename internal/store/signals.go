package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignalRecord is a raw external event candidate for research. Signals are
// created by the external collector and mutated only by the pipeline engine
// (processed / resulted_in_insight); they are never deleted.
type SignalRecord struct {
	ID                string
	SignalType        string
	Symbol            string
	Company           string
	Priority          int
	Payload           json.RawMessage
	DiscoveredAt      time.Time
	Processed         bool
	ResultedInInsight bool
	InsightID         string
}

// CreateSignal inserts a signal produced by the external collector. The
// returned record carries the generated id and discovery timestamp.
func (s *Store) CreateSignal(ctx context.Context, rec SignalRecord) (SignalRecord, error) {
	if rec.SignalType == "" {
		return SignalRecord{}, fmt.Errorf("signal_type required")
	}
	if rec.Symbol == "" {
		return SignalRecord{}, fmt.Errorf("symbol required")
	}
	payload := rec.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	priority := rec.Priority
	if priority <= 0 {
		priority = 5
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO signals (signal_type, symbol, company, priority, payload, discovered_at)
VALUES ($1,$2,$3,$4,$5,NOW())
RETURNING id, discovered_at
`, rec.SignalType, rec.Symbol, nullableString(rec.Company), priority, payload)
	if err := row.Scan(&rec.ID, &rec.DiscoveredAt); err != nil {
		return SignalRecord{}, err
	}
	rec.Priority = priority
	rec.Payload = payload
	return rec, nil
}

// GetSignal fetches a signal by id. The bool reports whether it exists.
func (s *Store) GetSignal(ctx context.Context, id string) (SignalRecord, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, signal_type, symbol, company, priority, payload, discovered_at, processed, resulted_in_insight, insight_id
FROM signals
WHERE id=$1
`, id)
	rec, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SignalRecord{}, false, nil
		}
		return SignalRecord{}, false, err
	}
	return rec, true, nil
}

// ListUnprocessedSignals returns up to limit unprocessed signals, oldest
// discovery first, the order the pipeline consumes them in.
func (s *Store) ListUnprocessedSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, signal_type, symbol, company, priority, payload, discovered_at, processed, resulted_in_insight, insight_id
FROM signals
WHERE processed = FALSE
ORDER BY discovered_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignalRecord
	for rows.Next() {
		rec, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSignalProcessed flips the processed flag and records the research
// outcome. Re-marking an already-processed signal is a no-op on the flag
// but may upgrade the outcome, so a failed run that is later resumed to
// completion still records its insight.
func (s *Store) MarkSignalProcessed(ctx context.Context, id string, resultedInInsight bool, insightID string) error {
	if id == "" {
		return fmt.Errorf("signal id required")
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE signals
SET processed = TRUE,
    resulted_in_insight = $2,
    insight_id = $3
WHERE id = $1
`, id, resultedInInsight, nullableString(insightID))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (SignalRecord, error) {
	var (
		rec       SignalRecord
		company   sql.NullString
		insightID sql.NullString
		payload   []byte
	)
	if err := row.Scan(&rec.ID, &rec.SignalType, &rec.Symbol, &company, &rec.Priority, &payload, &rec.DiscoveredAt, &rec.Processed, &rec.ResultedInInsight, &insightID); err != nil {
		return SignalRecord{}, err
	}
	if company.Valid {
		rec.Company = company.String
	}
	if insightID.Valid {
		rec.InsightID = insightID.String
	}
	rec.Payload = payload
	return rec, nil
}

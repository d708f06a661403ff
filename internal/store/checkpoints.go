package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Run statuses persisted with each research checkpoint.
const (
	RunStatusRunning       = "running"
	RunStatusStoppedByGate = "stopped_by_gate"
	RunStatusFailed        = "failed"
	RunStatusCompleted     = "completed"
)

// ResearchCheckpoint is the durable snapshot of one signal's progress through
// the pipeline, written after every stage transition. Stage is the pointer to
// the next stage to execute; Path is the full append-only research path;
// State is the engine's serialized run state.
type ResearchCheckpoint struct {
	RunID         string
	SignalID      string
	Status        string
	Stage         string
	Path          []string
	State         json.RawMessage
	FailureReason string
	UpdatedAt     time.Time
}

// SaveCheckpoint atomically upserts the checkpoint for a run. The single-row
// write guarantees a reader never observes a stage pointer inconsistent with
// the research path.
func (s *Store) SaveCheckpoint(ctx context.Context, cp ResearchCheckpoint) error {
	if cp.RunID == "" || cp.SignalID == "" {
		return fmt.Errorf("run_id and signal_id are required")
	}
	if cp.Status == "" {
		cp.Status = RunStatusRunning
	}
	state := cp.State
	if len(state) == 0 {
		state = []byte("{}")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO research_checkpoints (run_id, signal_id, status, stage, research_path, state, failure_reason, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (run_id) DO UPDATE SET
  status         = EXCLUDED.status,
  stage          = EXCLUDED.stage,
  research_path  = EXCLUDED.research_path,
  state          = EXCLUDED.state,
  failure_reason = EXCLUDED.failure_reason,
  updated_at     = NOW();
`, cp.RunID, cp.SignalID, cp.Status, nullableString(cp.Stage), pq.Array(cp.Path), state, nullableString(cp.FailureReason))
	return err
}

// GetCheckpoint retrieves the latest checkpoint for a run. The bool reports
// whether one exists.
func (s *Store) GetCheckpoint(ctx context.Context, runID string) (ResearchCheckpoint, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, signal_id, status, stage, research_path, state, failure_reason, updated_at
FROM research_checkpoints
WHERE run_id=$1
`, runID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResearchCheckpoint{}, false, nil
		}
		return ResearchCheckpoint{}, false, err
	}
	return cp, true, nil
}

// LatestCheckpointForSignal returns the most recently updated checkpoint for
// a signal, if any. The sweep uses it to resume an interrupted run instead of
// starting a duplicate.
func (s *Store) LatestCheckpointForSignal(ctx context.Context, signalID string) (ResearchCheckpoint, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT run_id, signal_id, status, stage, research_path, state, failure_reason, updated_at
FROM research_checkpoints
WHERE signal_id=$1
ORDER BY updated_at DESC
LIMIT 1
`, signalID)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ResearchCheckpoint{}, false, nil
		}
		return ResearchCheckpoint{}, false, err
	}
	return cp, true, nil
}

// ListCheckpointsByStatus returns checkpoints matching any of the provided
// statuses, oldest first. Used on startup to find interrupted runs.
func (s *Store) ListCheckpointsByStatus(ctx context.Context, statuses ...string) ([]ResearchCheckpoint, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, signal_id, status, stage, research_path, state, failure_reason, updated_at
FROM research_checkpoints
WHERE status = ANY($1)
ORDER BY updated_at ASC
`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResearchCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(row rowScanner) (ResearchCheckpoint, error) {
	var (
		cp      ResearchCheckpoint
		stage   sql.NullString
		failure sql.NullString
		path    pq.StringArray
		state   []byte
	)
	if err := row.Scan(&cp.RunID, &cp.SignalID, &cp.Status, &stage, &path, &state, &failure, &cp.UpdatedAt); err != nil {
		return ResearchCheckpoint{}, err
	}
	if stage.Valid {
		cp.Stage = stage.String
	}
	if failure.Valid {
		cp.FailureReason = failure.String
	}
	cp.Path = []string(path)
	cp.State = state
	return cp, nil
}

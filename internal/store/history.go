package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/datallboy/multifetch/internal/domain"
)

// ErrRunNotFound is returned when a run ID is not in the history.
var ErrRunNotFound = errors.New("run not found")

// BeginRun records the start of a run and returns it with a fresh ID.
func (s *PersistentStore) BeginRun(ctx context.Context, startedAt time.Time) (*domain.Run, error) {
	run := &domain.Run{
		ID:        ksuid.New().String(),
		StartedAt: startedAt.UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		run.ID, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun stores the final counters of a run.
func (s *PersistentStore) FinishRun(ctx context.Context, run *domain.Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, submitted = ?, failed = ? WHERE id = ?`,
		run.FinishedAt.UTC(), run.Submitted, run.Failed, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SaveReport records one finished transfer of a run.
func (s *PersistentStore) SaveReport(ctx context.Context, runID string, r domain.Report) error {
	query := `INSERT OR REPLACE INTO transfers
              (id, run_id, seq, url, effective_url, dest, bytes, status_code, error, duration_ms, finished_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.TransferID,
		runID,
		r.Seq,
		r.URL,
		r.EffectiveURL,
		r.Dest,
		r.Bytes,
		r.StatusCode,
		r.Err,
		r.Duration.Milliseconds(),
		r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer %s: %w", r.TransferID, err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *PersistentStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, submitted, failed FROM runs WHERE id = ? LIMIT 1`, id)

	run := &domain.Run{}
	var finished sql.NullTime
	if err := row.Scan(&run.ID, &run.StartedAt, &finished, &run.Submitted, &run.Failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}

// ListReports returns the transfers of a run ordered by download number.
func (s *PersistentStore) ListReports(ctx context.Context, runID string) ([]domain.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seq, url, effective_url, dest, bytes, status_code, error, duration_ms, finished_at
		FROM transfers
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []domain.Report
	for rows.Next() {
		var r domain.Report
		var durationMs int64
		err := rows.Scan(&r.TransferID, &r.Seq, &r.URL, &r.EffectiveURL, &r.Dest,
			&r.Bytes, &r.StatusCode, &r.Err, &durationMs, &r.FinishedAt)
		if err != nil {
			return nil, err
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

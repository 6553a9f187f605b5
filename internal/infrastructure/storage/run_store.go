package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

// Rows whose completed_at is set are never rewritten.
const runConflict = `ON CONFLICT (id) DO UPDATE
	SET status = EXCLUDED.status,
	    completed_at = EXCLUDED.completed_at,
	    duration_ms = EXCLUDED.duration_ms,
	    error = EXCLUDED.error,
	    phase_results = EXCLUDED.phase_results
	WHERE pipeline_runs.completed_at IS NULL`

var runColumns = []string{
	"id", "triggered_by", "status", "started_at", "completed_at", "duration_ms", "error", "phase_results",
}

// RunStore is the append-only pipeline run history.
type RunStore struct {
	db *DB
}

var _ ports.RunStore = (*RunStore)(nil)

// NewRunStore wires a DB handle.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Save inserts the run or updates it while it is still open.
// Writing to a completed run returns domain.ErrRunImmutable.
func (s *RunStore) Save(ctx context.Context, run domain.PipelineRun) error {
	phases := run.PhaseResults
	if phases == nil {
		phases = []domain.PhaseResult{}
	}
	payload, err := json.Marshal(phases)
	if err != nil {
		return fmt.Errorf("encode phase results: %w", err)
	}

	query, args, err := s.db.sb.Insert("pipeline_runs").
		Columns(runColumns...).
		Values(
			run.ID, string(run.TriggeredBy), string(run.Status), toMillis(run.StartedAt),
			nullMillis(run.CompletedAt), run.Duration.Milliseconds(), run.Error, string(payload),
		).
		Suffix(runConflict).
		ToSql()
	if err != nil {
		return fmt.Errorf("build run save: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("save run %s: %w", run.ID, domain.ErrRunImmutable)
	}
	return nil
}

// Get loads a run including its phase results.
func (s *RunStore) Get(ctx context.Context, id string) (domain.PipelineRun, error) {
	query, args, err := s.db.sb.Select(runColumns...).
		From("pipeline_runs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("build run get: %w", err)
	}

	run, err := scanRun(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineRun{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first.
func (s *RunStore) List(ctx context.Context, limit, offset int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	query, args, err := s.db.sb.Select(runColumns...).
		From("pipeline_runs").
		OrderBy("started_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build run list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return runs, nil
}

// Count returns the total number of stored runs.
func (s *RunStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipeline_runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

func scanRun(row rowScanner) (domain.PipelineRun, error) {
	var (
		run                 domain.PipelineRun
		trigger, status     string
		startedAt, duration int64
		completedAt         sql.NullInt64
		phases              string
	)
	if err := row.Scan(&run.ID, &trigger, &status, &startedAt, &completedAt, &duration, &run.Error, &phases); err != nil {
		return domain.PipelineRun{}, err
	}
	run.TriggeredBy = domain.TriggerType(trigger)
	run.Status = domain.RunStatus(status)
	run.StartedAt = fromMillis(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.Duration = time.Duration(duration) * time.Millisecond
	if err := json.Unmarshal([]byte(phases), &run.PhaseResults); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode phase results: %w", err)
	}
	return run, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

var healthColumns = []string{
	"source_name", "status", "last_successful_fetch", "last_error_message",
	"records_fetched_today", "api_calls_today", "updated_at",
}

// HealthStore keeps one source_health row per registered source.
type HealthStore struct {
	db  *DB
	now func() time.Time
}

var _ ports.HealthStore = (*HealthStore)(nil)

// NewHealthStore wires a DB handle.
func NewHealthStore(db *DB) *HealthStore {
	return &HealthStore{db: db, now: time.Now}
}

// Ensure creates the row for source if it does not exist yet.
func (s *HealthStore) Ensure(ctx context.Context, source string) error {
	return s.ensure(ctx, s.db.DB, source)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *HealthStore) ensure(ctx context.Context, ex execer, source string) error {
	query, args, err := s.db.sb.Insert("source_health").
		Columns("source_name", "status", "records_fetched_today", "api_calls_today", "updated_at").
		Values(source, string(domain.SourceActive), 0, 0, toMillis(s.now())).
		Suffix("ON CONFLICT (source_name) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build health ensure: %w", err)
	}
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ensure health %s: %w", source, err)
	}
	return nil
}

// Get returns the snapshot for source or domain.ErrSourceNotFound.
func (s *HealthStore) Get(ctx context.Context, source string) (domain.SourceHealth, error) {
	query, args, err := s.db.sb.Select(healthColumns...).
		From("source_health").
		Where(sq.Eq{"source_name": source}).
		ToSql()
	if err != nil {
		return domain.SourceHealth{}, fmt.Errorf("build health get: %w", err)
	}

	h, err := scanHealth(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceHealth{}, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, source)
	}
	if err != nil {
		return domain.SourceHealth{}, fmt.Errorf("get health %s: %w", source, err)
	}
	return h, nil
}

// List returns every snapshot ordered by source name.
func (s *HealthStore) List(ctx context.Context) ([]domain.SourceHealth, error) {
	query, args, err := s.db.sb.Select(healthColumns...).
		From("source_health").
		OrderBy("source_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build health list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list health: %w", err)
	}
	defer rows.Close()

	var out []domain.SourceHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// Upsert applies patch atomically, creating the row when missing.
func (s *HealthStore) Upsert(ctx context.Context, source string, patch domain.HealthPatch) error {
	if patch.AddRecords < 0 || patch.AddAPICalls < 0 {
		return fmt.Errorf("health %s: counters cannot decrease", source)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("health %s: unknown status %q", source, *patch.Status)
	}

	update := s.db.sb.Update("source_health").
		Set("updated_at", toMillis(s.now())).
		Where(sq.Eq{"source_name": source})
	if patch.Status != nil {
		update = update.Set("status", string(*patch.Status))
	}
	if patch.LastSuccessfulFetch != nil {
		update = update.Set("last_successful_fetch", toMillis(*patch.LastSuccessfulFetch))
	}
	switch {
	case patch.LastErrorMessage != nil:
		update = update.Set("last_error_message", *patch.LastErrorMessage)
	case patch.ClearError:
		update = update.Set("last_error_message", nil)
	}
	if patch.AddRecords > 0 {
		update = update.Set("records_fetched_today", sq.Expr("records_fetched_today + ?", patch.AddRecords))
	}
	if patch.AddAPICalls > 0 {
		update = update.Set("api_calls_today", sq.Expr("api_calls_today + ?", patch.AddAPICalls))
	}

	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("build health update: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin health tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensure(ctx, tx, source); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update health %s: %w", source, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit health %s: %w", source, err)
	}
	return nil
}

// ResetDailyCounters zeroes both counters on every row and touches nothing else.
func (s *HealthStore) ResetDailyCounters(ctx context.Context) (int64, error) {
	query, args, err := s.db.sb.Update("source_health").
		Set("records_fetched_today", 0).
		Set("api_calls_today", 0).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build counter reset: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHealth(row rowScanner) (domain.SourceHealth, error) {
	var (
		h         domain.SourceHealth
		status    string
		lastOK    sql.NullInt64
		lastErr   sql.NullString
		updatedAt int64
	)
	if err := row.Scan(&h.SourceName, &status, &lastOK, &lastErr, &h.RecordsFetchedToday, &h.APICallsToday, &updatedAt); err != nil {
		return domain.SourceHealth{}, err
	}
	h.Status = domain.SourceStatus(status)
	h.LastSuccessfulFetch = timePtr(lastOK)
	if lastErr.Valid {
		msg := lastErr.String
		h.LastErrorMessage = &msg
	}
	h.UpdatedAt = fromMillis(updatedAt)
	return h, nil
}

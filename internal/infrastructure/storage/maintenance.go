package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

// MaintenanceLog remembers which daily tasks already ran for a UTC day.
type MaintenanceLog struct {
	db  *DB
	now func() time.Time
}

var _ ports.MaintenanceLog = (*MaintenanceLog)(nil)

// NewMaintenanceLog wires a DB handle.
func NewMaintenanceLog(db *DB) *MaintenanceLog {
	return &MaintenanceLog{db: db, now: time.Now}
}

// HasRun reports whether task was recorded for day.
func (m *MaintenanceLog) HasRun(ctx context.Context, task string, day time.Time) (bool, error) {
	query, args, err := m.db.sb.Select("COUNT(*)").
		From("maintenance_log").
		Where(sq.Eq{"task": task, "day": day.UTC().Format(domain.PeriodLayout)}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build maintenance lookup: %w", err)
	}

	var n int
	if err := m.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("lookup maintenance %s: %w", task, err)
	}
	return n > 0, nil
}

// MarkRun records task for day; marking twice is a no-op.
func (m *MaintenanceLog) MarkRun(ctx context.Context, task string, day time.Time) error {
	query, args, err := m.db.sb.Insert("maintenance_log").
		Columns("task", "day", "ran_at").
		Values(task, day.UTC().Format(domain.PeriodLayout), toMillis(m.now())).
		Suffix("ON CONFLICT (task, day) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build maintenance mark: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark maintenance %s: %w", task, err)
	}
	return nil
}

package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"TradeCollector/internal/ports"
)

// Task names as they appear in phase results.
const (
	TaskResetCounters = "reset_daily_counters"
	TaskDeriveMarket  = "derive_market_data"
)

// ResetCountersTask zeroes every source's daily counters at most once per UTC day.
func ResetCountersTask(health ports.HealthStore, maintenance ports.MaintenanceLog, clock func() time.Time, logger *slog.Logger) *TaskJob {
	if clock == nil {
		clock = time.Now
	}
	return NewTaskJob(TaskResetCounters, func(ctx context.Context) (int, error) {
		day := clock().UTC()
		done, err := maintenance.HasRun(ctx, TaskResetCounters, day)
		if err != nil {
			return 0, fmt.Errorf("check maintenance log: %w", err)
		}
		if done {
			return 0, nil
		}

		n, err := health.ResetDailyCounters(ctx)
		if err != nil {
			return 0, fmt.Errorf("reset daily counters: %w", err)
		}
		if err := maintenance.MarkRun(ctx, TaskResetCounters, day); err != nil {
			return int(n), fmt.Errorf("mark maintenance log: %w", err)
		}
		return int(n), nil
	}, logger)
}

// DeriveMarketTask rebuilds the market size series from stored trade data.
func DeriveMarketTask(deriver ports.MarketDeriver, logger *slog.Logger) *TaskJob {
	return NewTaskJob(TaskDeriveMarket, deriver.DeriveMarketSize, logger)
}

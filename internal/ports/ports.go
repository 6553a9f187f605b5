package ports

import (
	"context"
	"time"

	"TradeCollector/internal/domain"
)

// RecordSink upserts normalized records by their natural keys.
type RecordSink interface {
	Persist(ctx context.Context, batch domain.Batch) (int, error)
}

// HealthStore keeps per-source health and daily counters.
type HealthStore interface {
	Ensure(ctx context.Context, source string) error
	Get(ctx context.Context, source string) (domain.SourceHealth, error)
	List(ctx context.Context) ([]domain.SourceHealth, error)
	Upsert(ctx context.Context, source string, patch domain.HealthPatch) error
	ResetDailyCounters(ctx context.Context) (int64, error)
}

// RunStore persists pipeline run history.
type RunStore interface {
	Save(ctx context.Context, run domain.PipelineRun) error
	Get(ctx context.Context, id string) (domain.PipelineRun, error)
	List(ctx context.Context, limit, offset int) ([]domain.PipelineRun, error)
	Count(ctx context.Context) (int, error)
}

// MarketDeriver rebuilds derived market series from trade data.
type MarketDeriver interface {
	DeriveMarketSize(ctx context.Context) (int, error)
}

// MaintenanceLog records once-per-day maintenance tasks.
type MaintenanceLog interface {
	HasRun(ctx context.Context, task string, day time.Time) (bool, error)
	MarkRun(ctx context.Context, task string, day time.Time) error
}

// Notifier delivers run summaries to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// DailyTrigger fires a job once per day at a fixed wall-clock time.
type DailyTrigger interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
	Next(after time.Time) time.Time
}

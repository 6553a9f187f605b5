package storage

import (
	"context"
	"fmt"
)

// Timestamps are unix milliseconds; period and event days are YYYY-MM-DD text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS trade_data (
		id             TEXT PRIMARY KEY,
		source         TEXT NOT NULL,
		reporter_code  TEXT NOT NULL,
		reporter_name  TEXT NOT NULL DEFAULT '',
		partner_code   TEXT NOT NULL,
		partner_name   TEXT NOT NULL DEFAULT '',
		hs_code        TEXT NOT NULL,
		hs_description TEXT NOT NULL DEFAULT '',
		flow           TEXT NOT NULL,
		period_date    TEXT NOT NULL,
		frequency      TEXT NOT NULL,
		value_usd      DOUBLE PRECISION,
		value_eur      DOUBLE PRECISION,
		weight_kg      DOUBLE PRECISION,
		quantity       DOUBLE PRECISION,
		created_at     BIGINT NOT NULL,
		updated_at     BIGINT NOT NULL,
		UNIQUE (source, reporter_code, partner_code, hs_code, flow, period_date, frequency)
	)`,
	`CREATE TABLE IF NOT EXISTS news_articles (
		id              TEXT PRIMARY KEY,
		source_url      TEXT NOT NULL UNIQUE,
		title           TEXT NOT NULL,
		summary         TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL DEFAULT '',
		source_name     TEXT NOT NULL DEFAULT '',
		category        TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		published_at    BIGINT,
		relevance_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at      BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS companies (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		name_key    TEXT NOT NULL,
		country     TEXT NOT NULL,
		hq_city     TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		website     TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		created_at  BIGINT NOT NULL,
		updated_at  BIGINT NOT NULL,
		UNIQUE (name_key, country)
	)`,
	`CREATE TABLE IF NOT EXISTS market_events (
		id           TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		company_name TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL,
		title_key    TEXT NOT NULL,
		event_day    TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		source_url   TEXT NOT NULL DEFAULT '',
		source_name  TEXT NOT NULL DEFAULT '',
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL,
		UNIQUE (title_key, event_day)
	)`,
	`CREATE TABLE IF NOT EXISTS market_size_series (
		segment_code   TEXT NOT NULL,
		geography_code TEXT NOT NULL,
		year           INTEGER NOT NULL,
		flow           TEXT NOT NULL,
		value          DOUBLE PRECISION NOT NULL,
		source         TEXT NOT NULL,
		updated_at     BIGINT NOT NULL,
		PRIMARY KEY (segment_code, geography_code, year, flow)
	)`,
	`CREATE TABLE IF NOT EXISTS source_health (
		source_name           TEXT PRIMARY KEY,
		status                TEXT NOT NULL,
		last_successful_fetch BIGINT,
		last_error_message    TEXT,
		records_fetched_today BIGINT NOT NULL DEFAULT 0,
		api_calls_today       BIGINT NOT NULL DEFAULT 0,
		updated_at            BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id            TEXT PRIMARY KEY,
		triggered_by  TEXT NOT NULL,
		status        TEXT NOT NULL,
		started_at    BIGINT NOT NULL,
		completed_at  BIGINT,
		duration_ms   BIGINT NOT NULL DEFAULT 0,
		error         TEXT NOT NULL DEFAULT '',
		phase_results TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs (started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS maintenance_log (
		task   TEXT NOT NULL,
		day    TEXT NOT NULL,
		ran_at BIGINT NOT NULL,
		PRIMARY KEY (task, day)
	)`,
}

// Migrate creates missing tables and indexes.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TradeCollector/internal/domain"
)

const tradeChunk = 200

const tradeConflict = `ON CONFLICT (source, reporter_code, partner_code, hs_code, flow, period_date, frequency) DO UPDATE
	SET reporter_name = EXCLUDED.reporter_name,
	    partner_name = EXCLUDED.partner_name,
	    hs_description = EXCLUDED.hs_description,
	    value_usd = COALESCE(EXCLUDED.value_usd, trade_data.value_usd),
	    value_eur = COALESCE(EXCLUDED.value_eur, trade_data.value_eur),
	    weight_kg = COALESCE(EXCLUDED.weight_kg, trade_data.weight_kg),
	    quantity = COALESCE(EXCLUDED.quantity, trade_data.quantity),
	    updated_at = EXCLUDED.updated_at`

// TradeRepository persists trade observations keyed by their natural key.
type TradeRepository struct {
	db  *DB
	now func() time.Time
}

// NewTradeRepository wires a DB handle.
func NewTradeRepository(db *DB) *TradeRepository {
	return &TradeRepository{db: db, now: time.Now}
}

// Upsert inserts or refreshes records and returns how many distinct keys were written.
func (r *TradeRepository) Upsert(ctx context.Context, records []domain.TradeRecord) (int, error) {
	records = dedupeTrade(records)
	if len(records) == 0 {
		return 0, nil
	}

	now := toMillis(r.now())
	written := 0
	for _, span := range chunks(len(records), tradeChunk) {
		q := r.db.sb.Insert("trade_data").Columns(
			"id", "source", "reporter_code", "reporter_name", "partner_code", "partner_name",
			"hs_code", "hs_description", "flow", "period_date", "frequency",
			"value_usd", "value_eur", "weight_kg", "quantity", "created_at", "updated_at",
		)
		for _, rec := range records[span[0]:span[1]] {
			q = q.Values(
				uuid.NewString(), rec.Source, rec.ReporterCode, rec.ReporterName, rec.PartnerCode, rec.PartnerName,
				rec.HSCode, rec.HSDescription, string(rec.Flow), rec.PeriodDate.UTC().Format(domain.PeriodLayout), rec.Frequency,
				nullFloat(rec.ValueUSD), nullFloat(rec.ValueEUR), nullFloat(rec.WeightKG), nullFloat(rec.Quantity), now, now,
			)
		}

		query, args, err := q.Suffix(tradeConflict).ToSql()
		if err != nil {
			return written, fmt.Errorf("build trade upsert: %w", err)
		}
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return written, fmt.Errorf("upsert trade data: %w", err)
		}
		written = span[1]
	}

	return len(records), nil
}

// Count returns the number of rows for a source, or all rows when source is empty.
func (r *TradeRepository) Count(ctx context.Context, source string) (int, error) {
	q := r.db.sb.Select("COUNT(*)").From("trade_data")
	if source != "" {
		q = q.Where("source = ?", source)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build trade count: %w", err)
	}

	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trade data: %w", err)
	}
	return n, nil
}

// List returns the records of a source ordered by key.
func (r *TradeRepository) List(ctx context.Context, source string) ([]domain.TradeRecord, error) {
	query, args, err := r.db.sb.Select(
		"source", "reporter_code", "reporter_name", "partner_code", "partner_name",
		"hs_code", "hs_description", "flow", "period_date", "frequency",
		"value_usd", "value_eur", "weight_kg", "quantity",
	).From("trade_data").
		Where("source = ?", source).
		OrderBy("reporter_code", "partner_code", "hs_code", "flow", "period_date").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build trade list: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trade data: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			rec                     domain.TradeRecord
			flow, period            string
			usd, eur, weight, count sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.Source, &rec.ReporterCode, &rec.ReporterName, &rec.PartnerCode, &rec.PartnerName,
			&rec.HSCode, &rec.HSDescription, &flow, &period, &rec.Frequency,
			&usd, &eur, &weight, &count,
		); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		rec.Flow = domain.Flow(flow)
		rec.PeriodDate, err = time.Parse(domain.PeriodLayout, period)
		if err != nil {
			return nil, fmt.Errorf("parse period %q: %w", period, err)
		}
		rec.ValueUSD, rec.ValueEUR = floatPtr(usd), floatPtr(eur)
		rec.WeightKG, rec.Quantity = floatPtr(weight), floatPtr(count)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}

// dedupeTrade keeps the last record for each natural key, preserving first-seen order.
func dedupeTrade(records []domain.TradeRecord) []domain.TradeRecord {
	index := make(map[string]int, len(records))
	out := make([]domain.TradeRecord, 0, len(records))
	for _, rec := range records {
		key := rec.Key()
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

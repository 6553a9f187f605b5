package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode"

	"github.com/google/uuid"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

const (
	marketChunk      = 200
	derivedGeography = "MA"
	derivedSource    = "derived_from_trade_data"
	allSegments      = "ALL"
)

const companyConflict = `ON CONFLICT (name_key, country) DO UPDATE
	SET name = EXCLUDED.name,
	    hq_city = EXCLUDED.hq_city,
	    description = EXCLUDED.description,
	    website = EXCLUDED.website,
	    source = EXCLUDED.source,
	    updated_at = EXCLUDED.updated_at`

const eventConflict = `ON CONFLICT (title_key, event_day) DO UPDATE
	SET event_type = EXCLUDED.event_type,
	    company_name = EXCLUDED.company_name,
	    title = EXCLUDED.title,
	    description = EXCLUDED.description,
	    source_url = EXCLUDED.source_url,
	    source_name = EXCLUDED.source_name,
	    updated_at = EXCLUDED.updated_at`

const marketSizeConflict = `ON CONFLICT (segment_code, geography_code, year, flow) DO UPDATE
	SET value = EXCLUDED.value,
	    source = EXCLUDED.source,
	    updated_at = EXCLUDED.updated_at`

// MarketRepository persists companies, competitive events and derived market series.
type MarketRepository struct {
	db  *DB
	now func() time.Time
}

var _ ports.MarketDeriver = (*MarketRepository)(nil)

// NewMarketRepository wires a DB handle.
func NewMarketRepository(db *DB) *MarketRepository {
	return &MarketRepository{db: db, now: time.Now}
}

// UpsertCompanies writes companies keyed by normalized name and country.
func (r *MarketRepository) UpsertCompanies(ctx context.Context, companies []domain.Company) (int, error) {
	unique := make(map[string]int)
	rows := make([]domain.Company, 0, len(companies))
	for _, c := range companies {
		if c.NameKey() == "" {
			continue
		}
		if c.Country == "" {
			c.Country = derivedGeography
		}
		key := c.NameKey() + "|" + c.Country
		if i, ok := unique[key]; ok {
			rows[i] = c
			continue
		}
		unique[key] = len(rows)
		rows = append(rows, c)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := toMillis(r.now())
	written := 0
	for _, span := range chunks(len(rows), marketChunk) {
		q := r.db.sb.Insert("companies").Columns(
			"id", "name", "name_key", "country", "hq_city", "description", "website", "source", "created_at", "updated_at",
		)
		for _, c := range rows[span[0]:span[1]] {
			q = q.Values(uuid.NewString(), c.Name, c.NameKey(), c.Country, c.HQCity, c.Description, c.Website, c.Source, now, now)
		}
		if err := r.exec(ctx, q.Suffix(companyConflict)); err != nil {
			return written, fmt.Errorf("upsert companies: %w", err)
		}
		written = span[1]
	}
	return len(rows), nil
}

// UpsertEvents writes events keyed by normalized title and event day.
func (r *MarketRepository) UpsertEvents(ctx context.Context, events []domain.MarketEvent) (int, error) {
	unique := make(map[string]int)
	rows := make([]domain.MarketEvent, 0, len(events))
	for _, e := range events {
		if e.TitleKey() == "" {
			continue
		}
		key := e.TitleKey() + "|" + e.EventDay()
		if i, ok := unique[key]; ok {
			rows[i] = e
			continue
		}
		unique[key] = len(rows)
		rows = append(rows, e)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := toMillis(r.now())
	written := 0
	for _, span := range chunks(len(rows), marketChunk) {
		q := r.db.sb.Insert("market_events").Columns(
			"id", "event_type", "company_name", "title", "title_key", "event_day",
			"description", "source_url", "source_name", "created_at", "updated_at",
		)
		for _, e := range rows[span[0]:span[1]] {
			q = q.Values(
				uuid.NewString(), e.EventType, e.CompanyName, e.Title, e.TitleKey(), e.EventDay(),
				e.Description, e.SourceURL, e.SourceName, now, now,
			)
		}
		if err := r.exec(ctx, q.Suffix(eventConflict)); err != nil {
			return written, fmt.Errorf("upsert market events: %w", err)
		}
		written = span[1]
	}
	return len(rows), nil
}

// DeriveMarketSize rebuilds market_size_series from trade_data.
// Values are summed per year, HS chapter and flow, plus an ALL segment per year and flow.
func (r *MarketRepository) DeriveMarketSize(ctx context.Context) (int, error) {
	totals, err := r.aggregateTrade(ctx)
	if err != nil {
		return 0, err
	}
	if len(totals) == 0 {
		return 0, nil
	}

	entries := make([]domain.MarketSizeEntry, 0, len(totals))
	for key, value := range totals {
		entries = append(entries, domain.MarketSizeEntry{
			SegmentCode:   key.segment,
			GeographyCode: derivedGeography,
			Year:          key.year,
			Flow:          domain.Flow(key.flow),
			Value:         value,
			Source:        derivedSource,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Year != b.Year {
			return a.Year < b.Year
		}
		if a.SegmentCode != b.SegmentCode {
			return a.SegmentCode < b.SegmentCode
		}
		return a.Flow < b.Flow
	})

	now := toMillis(r.now())
	written := 0
	for _, span := range chunks(len(entries), marketChunk) {
		q := r.db.sb.Insert("market_size_series").Columns(
			"segment_code", "geography_code", "year", "flow", "value", "source", "updated_at",
		)
		for _, e := range entries[span[0]:span[1]] {
			q = q.Values(e.SegmentCode, e.GeographyCode, e.Year, string(e.Flow), e.Value, e.Source, now)
		}
		if err := r.exec(ctx, q.Suffix(marketSizeConflict)); err != nil {
			return written, fmt.Errorf("upsert market size: %w", err)
		}
		written = span[1]
	}
	return len(entries), nil
}

// MarketSize lists derived entries for a segment ordered by year and flow.
func (r *MarketRepository) MarketSize(ctx context.Context, segment string) ([]domain.MarketSizeEntry, error) {
	query, args, err := r.db.sb.Select("segment_code", "geography_code", "year", "flow", "value", "source").
		From("market_size_series").
		Where("segment_code = ?", segment).
		OrderBy("year", "flow").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build market size query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query market size: %w", err)
	}
	defer rows.Close()

	var out []domain.MarketSizeEntry
	for rows.Next() {
		var (
			e    domain.MarketSizeEntry
			flow string
		)
		if err := rows.Scan(&e.SegmentCode, &e.GeographyCode, &e.Year, &flow, &e.Value, &e.Source); err != nil {
			return nil, fmt.Errorf("scan market size: %w", err)
		}
		e.Flow = domain.Flow(flow)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountCompanies returns the number of stored companies.
func (r *MarketRepository) CountCompanies(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM companies").Scan(&n); err != nil {
		return 0, fmt.Errorf("count companies: %w", err)
	}
	return n, nil
}

// CountEvents returns the number of stored market events.
func (r *MarketRepository) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM market_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count market events: %w", err)
	}
	return n, nil
}

type sizeKey struct {
	segment string
	year    int
	flow    string
}

// aggregateTrade reads all rows before returning so no cursor is held during writes.
func (r *MarketRepository) aggregateTrade(ctx context.Context) (map[sizeKey]float64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT hs_code, period_date, flow, value_usd, value_eur FROM trade_data")
	if err != nil {
		return nil, fmt.Errorf("query trade for derivation: %w", err)
	}
	defer rows.Close()

	totals := map[sizeKey]float64{}
	for rows.Next() {
		var (
			hs, period, flow string
			usd, eur         sql.NullFloat64
		)
		if err := rows.Scan(&hs, &period, &flow, &usd, &eur); err != nil {
			return nil, fmt.Errorf("scan trade for derivation: %w", err)
		}
		if len(period) < 4 {
			continue
		}
		year, err := strconv.Atoi(period[:4])
		if err != nil {
			continue
		}
		if flow == "" {
			flow = "total"
		}

		value := 0.0
		switch {
		case usd.Valid:
			value = usd.Float64
		case eur.Valid:
			value = eur.Float64
		}

		totals[sizeKey{segment: allSegments, year: year, flow: flow}] += value
		if chapter, ok := hsChapter(hs); ok {
			totals[sizeKey{segment: chapter, year: year, flow: flow}] += value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return totals, nil
}

// hsChapter returns the two-digit HS chapter; SITC and total codes are rejected.
func hsChapter(code string) (string, bool) {
	if len(code) < 2 {
		return "", false
	}
	for _, r := range code[:2] {
		if !unicode.IsDigit(r) {
			return "", false
		}
	}
	return code[:2], true
}

type sqlizer interface {
	ToSql() (string, []interface{}, error)
}

func (r *MarketRepository) exec(ctx context.Context, q sqlizer) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

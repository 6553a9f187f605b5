package storage

import (
	"context"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

// RecordSink routes each record kind of a batch to its repository.
type RecordSink struct {
	trade  *TradeRepository
	news   *NewsRepository
	market *MarketRepository
}

var _ ports.RecordSink = (*RecordSink)(nil)

// NewRecordSink builds a sink over the given repositories.
func NewRecordSink(trade *TradeRepository, news *NewsRepository, market *MarketRepository) *RecordSink {
	return &RecordSink{trade: trade, news: news, market: market}
}

// Persist upserts every kind in the batch and returns the number of rows written.
// Chunks commit independently, so on failure the count covers every chunk written before the error.
func (s *RecordSink) Persist(ctx context.Context, batch domain.Batch) (int, error) {
	total := 0

	n, err := s.trade.Upsert(ctx, batch.Trade)
	total += n
	if err != nil {
		return total, err
	}

	n, err = s.news.Upsert(ctx, batch.News)
	total += n
	if err != nil {
		return total, err
	}

	n, err = s.market.UpsertCompanies(ctx, batch.Companies)
	total += n
	if err != nil {
		return total, err
	}

	n, err = s.market.UpsertEvents(ctx, batch.Events)
	total += n
	return total, err
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
	"TradeCollector/internal/infrastructure/storage"
)

type stubSource struct {
	name  string
	urls  []string
	panic bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, doer fetch.Doer) ([]Payload, error) {
	if s.panic {
		panic("upstream parser exploded")
	}
	var payloads []Payload
	for _, u := range s.urls {
		resp, err := doer.Do(ctx, fetch.Request{URL: u})
		if err != nil {
			return payloads, err
		}
		payloads = append(payloads, Payload{Kind: "rows", Origin: u, Body: resp.Body})
	}
	return payloads, nil
}

func (s *stubSource) Normalize(payloads []Payload) (domain.Batch, error) {
	var batch domain.Batch
	for _, p := range payloads {
		var rows []struct {
			HS    string  `json:"hs"`
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(p.Body, &rows); err != nil {
			return batch, err
		}
		for _, row := range rows {
			v := row.Value
			batch.Trade = append(batch.Trade, domain.TradeRecord{
				Source: s.name, ReporterCode: "504", PartnerCode: "0", HSCode: row.HS,
				Flow: domain.FlowExport, PeriodDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				Frequency: "A", ValueUSD: &v,
			})
		}
	}
	return batch, nil
}

type fixture struct {
	db     *storage.DB
	health *storage.HealthStore
	trade  *storage.TradeRepository
	sink   *storage.RecordSink
	client *fetch.Client
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := storage.OpenMemory(t)
	trade := storage.NewTradeRepository(db)
	return fixture{
		db:     db,
		health: storage.NewHealthStore(db),
		trade:  trade,
		sink:   storage.NewRecordSink(trade, storage.NewNewsRepository(db), storage.NewMarketRepository(db)),
		client: fetch.New(fetch.Config{BaseDelay: time.Millisecond, RateLimitDelay: time.Millisecond, Timeout: time.Second}),
	}
}

func (f fixture) runner(src Source, budget int) *Runner {
	return NewRunner(src, f.client, f.sink, f.health, Options{DailyCallBudget: budget})
}

func rowsServer(t *testing.T, hits *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprint(w, `[{"hs":"52","value":10},{"hs":"61","value":20}]`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunSuccessMarksSourceActive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusOK)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 0).Run(ctx)
	require.NoError(t, res.Err)
	assert.Equal(t, domain.SourceActive, res.Status)
	assert.Equal(t, 2, res.RecordsFetched)
	assert.Equal(t, 2, res.RecordsPersisted)
	assert.Equal(t, 1, res.APICalls)

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceActive, h.Status)
	assert.Equal(t, int64(2), h.RecordsFetchedToday)
	assert.Equal(t, int64(1), h.APICallsToday)
	assert.NotNil(t, h.LastSuccessfulFetch)
	assert.Nil(t, h.LastErrorMessage)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusOK)
	runner := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 0)

	require.NoError(t, runner.Run(ctx).Err)
	first, err := f.trade.Count(ctx, "stub")
	require.NoError(t, err)

	require.NoError(t, runner.Run(ctx).Err)
	second, err := f.trade.Count(ctx, "stub")
	require.NoError(t, err)

	assert.Equal(t, first, second)

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(4), h.RecordsFetchedToday)
	assert.Equal(t, int64(2), h.APICallsToday)
}

func TestRunFailureRecordsError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusNotFound)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 0).Run(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, domain.SourceError, res.Status)

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceError, h.Status)
	require.NotNil(t, h.LastErrorMessage)
	assert.Contains(t, *h.LastErrorMessage, "404")
	assert.Nil(t, h.LastSuccessfulFetch)
}

func TestRunRateLimitedUpstreamMarksRateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusTooManyRequests)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 0).Run(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, domain.SourceRateLimited, res.Status)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, res.APICalls)
}

func TestRunSkipsFetchWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.health.Upsert(ctx, "stub", domain.HealthPatch{AddAPICalls: 480}))

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusOK)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 480).Run(ctx)
	require.ErrorIs(t, res.Err, domain.ErrQuotaExceeded)
	assert.Equal(t, domain.SourceRateLimited, res.Status)
	assert.Equal(t, int32(0), hits.Load())

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceRateLimited, h.Status)
	assert.Equal(t, int64(480), h.APICallsToday)
}

func TestRunStopsMidwayWhenBudgetRunsOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusOK)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL, srv.URL + "/second"}}, 1).Run(ctx)
	require.ErrorIs(t, res.Err, domain.ErrQuotaExceeded)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 2, res.RecordsPersisted)

	count, err := f.trade.Count(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunContainsPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	res := f.runner(&stubSource{name: "stub", panic: true}, 0).Run(ctx)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "exploded")

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceError, h.Status)
}

func TestFailureStatus(t *testing.T) {
	t.Parallel()
	assert.Equal(t, domain.SourceRateLimited, failureStatus(fmt.Errorf("x: %w", domain.ErrQuotaExceeded)))
	assert.Equal(t, domain.SourceRateLimited, failureStatus(&fetch.Error{Kind: fetch.KindRateLimited}))
	assert.Equal(t, domain.SourceError, failureStatus(&fetch.Error{Kind: fetch.KindTimeout}))
	assert.Equal(t, domain.SourceError, failureStatus(errors.New("boom")))
}

func TestRunRetriesNeverExceedBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.health.Upsert(ctx, "stub", domain.HealthPatch{AddAPICalls: 9}))

	var hits atomic.Int32
	srv := rowsServer(t, &hits, http.StatusBadGateway)

	res := f.runner(&stubSource{name: "stub", urls: []string{srv.URL}}, 10).Run(ctx)
	require.Error(t, res.Err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, res.APICalls)

	h, err := f.health.Get(ctx, "stub")
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.APICallsToday)
}

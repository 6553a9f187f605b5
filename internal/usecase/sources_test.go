package usecase

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/storage"
)

type countingAgent struct {
	name string
	runs atomic.Int32
}

func (a *countingAgent) Name() string { return a.name }

func (a *countingAgent) Run(context.Context) agent.Result {
	a.runs.Add(1)
	return agent.Result{Source: a.name, Status: domain.SourceActive}
}

func newSourceService(t *testing.T) (*SourceService, *agent.Registry, *storage.HealthStore, *countingAgent) {
	t.Helper()
	health := storage.NewHealthStore(storage.OpenMemory(t))
	reg := agent.NewRegistry()
	a := &countingAgent{name: "comtrade"}
	require.NoError(t, reg.Register(a))
	return NewSourceService(reg, health, nil), reg, health, a
}

func TestBootstrapEnsuresRowsAndMarksDisabled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _, _ := newSourceService(t)

	require.NoError(t, svc.Bootstrap(ctx, []string{"otexa"}))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	h, err := svc.Get(ctx, "otexa")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceMaintenance, h.Status)

	h, err = svc.Get(ctx, "comtrade")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceActive, h.Status)

	_, err = svc.Get(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrSourceNotFound)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, reg, _, a := newSourceService(t)

	require.ErrorIs(t, svc.Refresh(ctx, "unknown"), domain.ErrSourceNotFound)

	require.True(t, reg.TryAcquire("comtrade"))
	require.ErrorIs(t, svc.Refresh(ctx, "comtrade"), domain.ErrSourceBusy)
	reg.Release("comtrade")

	require.NoError(t, svc.Refresh(ctx, "comtrade"))
	svc.Wait()
	assert.Equal(t, int32(1), a.runs.Load())
	assert.False(t, reg.Busy("comtrade"))

	res, err := svc.RefreshSync(ctx, "comtrade")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceActive, res.Status)
	assert.Equal(t, int32(2), a.runs.Load())
}

func TestResetCountersTaskRunsOncePerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.OpenMemory(t)
	health := storage.NewHealthStore(db)

	day := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)
	task := ResetCountersTask(health, storage.NewMaintenanceLog(db), func() time.Time { return day }, nil)

	require.NoError(t, health.Upsert(ctx, "eurostat", domain.HealthPatch{AddAPICalls: 5, AddRecords: 40}))
	out := task.Execute(ctx)
	require.True(t, out.Succeeded, out.Error)

	h, err := health.Get(ctx, "eurostat")
	require.NoError(t, err)
	assert.Zero(t, h.APICallsToday)
	assert.Zero(t, h.RecordsFetchedToday)

	require.NoError(t, health.Upsert(ctx, "eurostat", domain.HealthPatch{AddAPICalls: 2}))
	require.True(t, task.Execute(ctx).Succeeded)
	h, err = health.Get(ctx, "eurostat")
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.APICallsToday)

	day = day.Add(24 * time.Hour)
	require.True(t, task.Execute(ctx).Succeeded)
	h, err = health.Get(ctx, "eurostat")
	require.NoError(t, err)
	assert.Zero(t, h.APICallsToday)
}

func TestDeriveMarketTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := storage.OpenMemory(t)

	value := 100.0
	_, err := storage.NewTradeRepository(db).Upsert(ctx, []domain.TradeRecord{{
		Source: "comtrade", ReporterCode: "504", PartnerCode: "0", HSCode: "6109",
		Flow: domain.FlowExport, PeriodDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Frequency: "A", ValueUSD: &value,
	}})
	require.NoError(t, err)

	out := DeriveMarketTask(storage.NewMarketRepository(db), nil).Execute(ctx)
	require.True(t, out.Succeeded, out.Error)
	assert.Equal(t, 2, out.RecordsPersisted)
}

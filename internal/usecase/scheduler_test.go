package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/storage"
)

type gateJob struct {
	release chan struct{}
	started chan struct{}
}

func (g gateJob) Name() string { return "gate" }

func (g gateJob) Execute(ctx context.Context) domain.JobOutcome {
	close(g.started)
	<-g.release
	return domain.JobOutcome{Name: "gate", Succeeded: true}
}

type fakeTrigger struct {
	mu      sync.Mutex
	job     func(time.Time)
	stopped bool
}

func (f *fakeTrigger) Start(_ context.Context, job func(time.Time)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job = job
	return nil
}

func (f *fakeTrigger) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeTrigger) Next(after time.Time) time.Time {
	return after.Truncate(24 * time.Hour).Add(26 * time.Hour)
}

func (f *fakeTrigger) fire(at time.Time) {
	f.mu.Lock()
	job := f.job
	f.mu.Unlock()
	job(at)
}

func TestTriggerNowRejectsOverlappingRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runs := storage.NewRunStore(storage.OpenMemory(t))

	gate := gateJob{release: make(chan struct{}), started: make(chan struct{})}
	p := NewPipeline(PipelineDeps{Runs: runs, Phases: []Phase{{Name: PhaseTradeData, Jobs: []Job{gate}}}})
	s := NewScheduler(nil, p, SchedulerOptions{})

	id, err := s.TriggerNow(ctx, domain.TriggerManual)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	<-gate.started

	st := s.Status()
	assert.True(t, st.PipelineRunning)
	assert.Equal(t, id, st.CurrentRunID)

	_, err = s.TriggerNow(ctx, domain.TriggerManual)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	total, err := runs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	close(gate.release)
	s.Wait()

	stored, err := runs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, stored.Status)
	assert.False(t, s.Status().PipelineRunning)
}

func TestDisabledSchedulerStillAcceptsManualTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runs := storage.NewRunStore(storage.OpenMemory(t))

	driver := &fakeTrigger{}
	p := NewPipeline(PipelineDeps{Runs: runs, Phases: []Phase{{Name: PhaseNews, Jobs: []Job{okTask("a")}}}})
	s := NewScheduler(driver, p, SchedulerOptions{Enabled: false})

	require.NoError(t, s.Start(ctx))
	st := s.Status()
	assert.False(t, st.Enabled)
	assert.False(t, st.Running)
	assert.Empty(t, st.Jobs)

	driver.mu.Lock()
	assert.Nil(t, driver.job)
	driver.mu.Unlock()

	_, err := s.TriggerNow(ctx, domain.TriggerManual)
	require.NoError(t, err)
	s.Wait()
}

func TestScheduledFireStartsRunAndStopWaits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runs := storage.NewRunStore(storage.OpenMemory(t))

	driver := &fakeTrigger{}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := NewPipeline(PipelineDeps{Runs: runs, Phases: []Phase{{Name: PhaseNews, Jobs: []Job{okTask("a")}}}})
	s := NewScheduler(driver, p, SchedulerOptions{
		Enabled: true,
		Trigger: "daily at 02:00 UTC",
		Clock:   func() time.Time { return now },
	})

	require.NoError(t, s.Start(ctx))
	st := s.Status()
	assert.True(t, st.Enabled)
	assert.True(t, st.Running)
	require.Len(t, st.Jobs, 1)
	assert.Equal(t, DailyJobID, st.Jobs[0].ID)
	assert.Equal(t, "daily at 02:00 UTC", st.Jobs[0].Trigger)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 0, 0, 0, time.UTC), *st.Jobs[0].NextRunTime)

	driver.fire(now)
	s.Wait()

	list, err := runs.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.TriggerSchedule, list[0].TriggeredBy)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.True(t, driver.stopped)
	assert.False(t, s.Status().Running)
}

func TestScheduledFireDuringRunIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runs := storage.NewRunStore(storage.OpenMemory(t))

	gate := gateJob{release: make(chan struct{}), started: make(chan struct{})}
	driver := &fakeTrigger{}
	p := NewPipeline(PipelineDeps{Runs: runs, Phases: []Phase{{Name: PhaseTradeData, Jobs: []Job{gate}}}})
	s := NewScheduler(driver, p, SchedulerOptions{Enabled: true})
	require.NoError(t, s.Start(ctx))

	_, err := s.TriggerNow(ctx, domain.TriggerManual)
	require.NoError(t, err)
	<-gate.started

	driver.fire(time.Now())

	close(gate.release)
	s.Wait()

	total, err := runs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

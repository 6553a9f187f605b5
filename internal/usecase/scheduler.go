package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/metrics"
	"TradeCollector/internal/ports"
)

// DailyJobID identifies the recurring pipeline job in Status.
const DailyJobID = "daily_pipeline"

// ScheduledJob describes one recurring job.
type ScheduledJob struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	NextRunTime *time.Time `json:"next_run_time"`
	Trigger     string     `json:"trigger"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Enabled         bool           `json:"enabled"`
	Running         bool           `json:"running"`
	PipelineRunning bool           `json:"pipeline_running"`
	CurrentRunID    string         `json:"current_run_id,omitempty"`
	Jobs            []ScheduledJob `json:"jobs"`
}

// SchedulerOptions tunes a Scheduler.
type SchedulerOptions struct {
	Enabled bool
	// Trigger describes the fire time, e.g. "daily at 02:00 UTC".
	Trigger string
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Scheduler wires the daily driver with the pipeline and allows one run at a time.
type Scheduler struct {
	driver   ports.DailyTrigger
	pipeline *Pipeline
	enabled  bool
	trigger  string
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	started    bool
	inProgress bool
	currentRun string
	wg         sync.WaitGroup
}

// NewScheduler returns a scheduler; driver may be nil when scheduling is disabled.
func NewScheduler(driver ports.DailyTrigger, pipeline *Pipeline, opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		driver:   driver,
		pipeline: pipeline,
		enabled:  opts.Enabled && driver != nil,
		trigger:  opts.Trigger,
		logger:   logger,
		now:      clock,
	}
}

// Start arms the daily trigger. It is a no-op when scheduling is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.enabled {
		s.logger.Info("scheduler disabled, manual triggers only")
		return nil
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	err := s.driver.Start(ctx, func(at time.Time) {
		runID, err := s.TriggerNow(ctx, domain.TriggerSchedule)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			s.logger.Warn("scheduled run skipped, previous run still in progress", "fire_time", at)
		case err != nil:
			s.logger.Error("scheduled run failed to start", "fire_time", at, "error", err)
		default:
			s.logger.Info("scheduled run triggered", "run_id", runID, "fire_time", at)
		}
	})
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info("scheduler started", "next_run", s.driver.Next(s.now()))
	return nil
}

// TriggerNow starts a run in the background and returns its id.
// It fails with domain.ErrRunInProgress while another run is executing.
func (s *Scheduler) TriggerNow(ctx context.Context, trigger domain.TriggerType) (string, error) {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return "", domain.ErrRunInProgress
	}
	s.inProgress = true
	s.mu.Unlock()

	run, err := s.pipeline.Begin(ctx, trigger)
	if err != nil {
		s.finish()
		return "", err
	}

	s.mu.Lock()
	s.currentRun = run.ID
	s.mu.Unlock()
	metrics.PipelineRunning.Set(1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish()
		if err := s.pipeline.Execute(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Error("pipeline run failed", "run_id", run.ID, "error", err)
		}
	}()
	return run.ID, nil
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	s.inProgress = false
	s.currentRun = ""
	s.mu.Unlock()
	metrics.PipelineRunning.Set(0)
}

// Status reports the scheduler state and the next fire time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Enabled:         s.enabled,
		Running:         s.started,
		PipelineRunning: s.inProgress,
		CurrentRunID:    s.currentRun,
		Jobs:            []ScheduledJob{},
	}
	if s.started {
		next := s.driver.Next(s.now())
		st.Jobs = append(st.Jobs, ScheduledJob{
			ID:          DailyJobID,
			Name:        "Daily data collection pipeline",
			NextRunTime: &next,
			Trigger:     s.trigger,
		})
	}
	return st
}

// Wait blocks until in-flight runs started by this scheduler have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stop halts the trigger and waits for an in-flight run until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	var stopErr error
	if started {
		stopErr = s.driver.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return stopErr
	case <-ctx.Done():
		return errors.Join(stopErr, ctx.Err())
	}
}

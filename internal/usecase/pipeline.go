package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/metrics"
	"TradeCollector/internal/ports"
)

// Phase names in execution order.
const (
	PhaseTradeData      = "trade_data"
	PhaseNews           = "news"
	PhaseMarketResearch = "market_research"
	PhaseMaintenance    = "maintenance"
)

// Phase is a named group of independent jobs, fully attempted before the next phase starts.
type Phase struct {
	Name string
	Jobs []Job
}

// PipelineDeps wires the orchestrator.
type PipelineDeps struct {
	Runs     ports.RunStore
	Phases   []Phase
	Workers  int
	Notifier ports.Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
	NewID    func() string
}

// Pipeline executes the phases of one run and keeps its PipelineRun record.
type Pipeline struct {
	runs     ports.RunStore
	phases   []Phase
	workers  int
	notifier ports.Notifier
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewPipeline constructs the orchestration component. Workers defaults to 4.
func NewPipeline(deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		runs:     deps.Runs,
		phases:   deps.Phases,
		workers:  deps.Workers,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Clock,
		newID:    deps.NewID,
	}
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.newID == nil {
		p.newID = func() string { return uuid.NewString() }
	}
	return p
}

// Phases returns the configured phases in order.
func (p *Pipeline) Phases() []Phase {
	return append([]Phase(nil), p.phases...)
}

// Begin opens and persists a running PipelineRun.
func (p *Pipeline) Begin(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	run := domain.NewRun(p.newID(), trigger, p.now().UTC())
	if err := p.runs.Save(ctx, run); err != nil {
		cause := &domain.OrchestrationError{Stage: "begin run", Err: err}
		run.Fail(p.now().UTC(), cause)
		if retryErr := p.runs.Save(context.WithoutCancel(ctx), run); retryErr != nil {
			p.logger.Error("record failed run", "run_id", run.ID, "error", retryErr)
		}
		metrics.PipelineRuns.WithLabelValues(string(domain.RunFailed)).Inc()
		return &run, cause
	}
	p.logger.Info("pipeline run started", "run_id", run.ID, "trigger", trigger)
	return &run, nil
}

// Execute runs every phase in order and finalizes the run. Cancellation of ctx does not stop a started run.
func (p *Pipeline) Execute(ctx context.Context, run *domain.PipelineRun) error {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("run_id", run.ID)

	for _, phase := range p.phases {
		result := p.runPhase(ctx, logger, phase)
		run.PhaseResults = append(run.PhaseResults, result)
		if err := p.runs.Save(ctx, *run); err != nil {
			logger.Error("save run progress", "phase", phase.Name, "error", err)
		}
	}

	run.Complete(p.now().UTC())
	var runErr error
	if err := p.runs.Save(ctx, *run); err != nil {
		runErr = &domain.OrchestrationError{Stage: "finalize run", Err: err}
		run.Fail(*run.CompletedAt, runErr)
		if retryErr := p.runs.Save(ctx, *run); retryErr != nil {
			logger.Error("record failed run", "error", retryErr)
		}
	}

	metrics.PipelineRuns.WithLabelValues(string(run.Status)).Inc()
	logger.Info("pipeline run finished", "status", run.Status, "duration", run.Duration)

	if p.notifier != nil {
		if err := p.notifier.PublishDigest(ctx, run.Summary()); err != nil {
			logger.Warn("publish run summary", "error", err)
		}
	}
	return runErr
}

// RunOnce begins and executes a run synchronously.
func (p *Pipeline) RunOnce(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	run, err := p.Begin(ctx, trigger)
	if err != nil {
		return run, err
	}
	return run, p.Execute(ctx, run)
}

func (p *Pipeline) runPhase(ctx context.Context, logger *slog.Logger, phase Phase) domain.PhaseResult {
	result := domain.PhaseResult{Name: phase.Name, StartedAt: p.now().UTC()}
	timer := metrics.NewTimer()
	logger = logger.With("phase", phase.Name)
	logger.Info("phase started", "jobs", len(phase.Jobs))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.workers)
	for _, job := range phase.Jobs {
		g.Go(func() error {
			outcome := job.Execute(ctx)
			label := "success"
			if !outcome.Succeeded {
				label = "failure"
				logger.Warn("job failed", "job", outcome.Name, "error", outcome.Error)
			}
			metrics.JobOutcomes.WithLabelValues(phase.Name, label).Inc()

			mu.Lock()
			result.Record(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = timer.Duration()
	timer.ObserveDuration(metrics.PhaseDuration.WithLabelValues(phase.Name))
	logger.Info("phase finished",
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"duration", result.Duration,
	)
	return result
}

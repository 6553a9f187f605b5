package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
	"TradeCollector/internal/metrics"
	"TradeCollector/internal/ports"
)

// Options tunes a Runner.
type Options struct {
	// DailyCallBudget caps api_calls_today; zero disables the check.
	DailyCallBudget int
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Runner turns a Source into an Agent: quota check, fetch, normalize, persist, health update.
type Runner struct {
	source Source
	doer   fetch.Doer
	sink   ports.RecordSink
	health ports.HealthStore
	budget int
	logger *slog.Logger
	now    func() time.Time
}

var _ Agent = (*Runner)(nil)

// NewRunner composes a Source with the shared collaborators.
func NewRunner(source Source, doer fetch.Doer, sink ports.RecordSink, health ports.HealthStore, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Runner{
		source: source,
		doer:   doer,
		sink:   sink,
		health: health,
		budget: opts.DailyCallBudget,
		logger: logger.With("source", source.Name()),
		now:    clock,
	}
}

// Name returns the source name.
func (r *Runner) Name() string {
	return r.source.Name()
}

// Run executes one collection cycle. It never panics and always updates source health.
func (r *Runner) Run(ctx context.Context) (res Result) {
	res.Source = r.Name()
	started := r.now()

	defer func() {
		if p := recover(); p != nil {
			res.Err = errors.Join(res.Err, fmt.Errorf("agent panic: %v", p))
		}
		r.finish(ctx, &res)
		r.logger.Info("agent run finished",
			"status", res.Status,
			"records_fetched", res.RecordsFetched,
			"records_persisted", res.RecordsPersisted,
			"api_calls", res.APICalls,
			"duration", r.now().Sub(started),
			"error", res.Err,
		)
	}()

	used := 0
	if r.budget > 0 {
		h, err := r.health.Get(ctx, r.Name())
		if err != nil && !errors.Is(err, domain.ErrSourceNotFound) {
			res.Err = fmt.Errorf("read call budget: %w", err)
			return res
		}
		used = int(h.APICallsToday)
		if used >= r.budget {
			res.Err = fmt.Errorf("%w: %d/%d calls today", domain.ErrQuotaExceeded, used, r.budget)
			return res
		}
	}

	meter := &meteredDoer{
		next:   r.doer,
		health: r.health,
		source: r.Name(),
		budget: r.budget,
		used:   used,
		logger: r.logger,
	}

	payloads, fetchErr := r.source.Fetch(ctx, meter)
	res.APICalls = meter.Calls()

	batch, normErr := r.source.Normalize(payloads)
	res.RecordsFetched = batch.Len()

	var persistErr error
	if batch.Len() > 0 {
		n, err := r.sink.Persist(ctx, batch)
		res.RecordsPersisted = n
		if err != nil {
			persistErr = &domain.PersistenceError{Op: "persist " + r.Name(), Err: err}
		}
	}

	if normErr != nil {
		normErr = fmt.Errorf("normalize: %w", normErr)
	}
	res.Err = errors.Join(fetchErr, normErr, persistErr)
	return res
}

func (r *Runner) finish(ctx context.Context, res *Result) {
	patch := domain.HealthPatch{}
	if res.Err == nil {
		now := r.now()
		res.Status = domain.SourceActive
		patch.Status = domain.StatusPtr(domain.SourceActive)
		patch.LastSuccessfulFetch = &now
		patch.ClearError = true
		patch.AddRecords = int64(res.RecordsFetched)
	} else {
		res.Status = failureStatus(res.Err)
		msg := res.Err.Error()
		patch.Status = domain.StatusPtr(res.Status)
		patch.LastErrorMessage = &msg
		patch.AddRecords = int64(res.RecordsPersisted)
	}

	metrics.AgentRuns.WithLabelValues(res.Source, string(res.Status)).Inc()
	metrics.AgentRecords.WithLabelValues(res.Source).Add(float64(res.RecordsPersisted))

	if err := r.health.Upsert(context.WithoutCancel(ctx), res.Source, patch); err != nil {
		r.logger.Error("update source health", "error", err)
		res.Err = errors.Join(res.Err, &domain.PersistenceError{Op: "update health " + res.Source, Err: err})
		if res.Status == domain.SourceActive {
			res.Status = domain.SourceError
		}
	}
}

func failureStatus(err error) domain.SourceStatus {
	if errors.Is(err, domain.ErrQuotaExceeded) {
		return domain.SourceRateLimited
	}
	if kind, ok := fetch.KindOf(err); ok && kind == fetch.KindRateLimited {
		return domain.SourceRateLimited
	}
	return domain.SourceError
}

// meteredDoer enforces the daily budget per attempt and records every attempt in api_calls_today.
type meteredDoer struct {
	next   fetch.Doer
	health ports.HealthStore
	source string
	budget int
	used   int
	logger *slog.Logger

	mu    sync.Mutex
	calls int
}

func (m *meteredDoer) Do(ctx context.Context, req fetch.Request) (*fetch.Response, error) {
	m.mu.Lock()
	if m.budget > 0 {
		remaining := m.budget - m.used - m.calls
		if remaining <= 0 {
			calls := m.calls
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %d/%d calls today", domain.ErrQuotaExceeded, m.used+calls, m.budget)
		}
		// Retries count against the budget too.
		if req.MaxAttempts <= 0 || req.MaxAttempts > remaining {
			req.MaxAttempts = remaining
		}
	}
	m.mu.Unlock()

	resp, err := m.next.Do(ctx, req)

	attempts := countAttempts(resp, err)

	m.mu.Lock()
	m.calls += attempts
	m.mu.Unlock()

	if attempts > 0 {
		if herr := m.health.Upsert(context.WithoutCancel(ctx), m.source, domain.HealthPatch{AddAPICalls: int64(attempts)}); herr != nil {
			m.logger.Warn("record api calls", "error", herr)
		}
	}

	return resp, err
}

func countAttempts(resp *fetch.Response, err error) int {
	var fe *fetch.Error
	switch {
	case resp != nil && resp.Attempts > 0:
		return resp.Attempts
	case errors.As(err, &fe):
		return fe.Attempts
	default:
		return 1
	}
}

// Calls returns the attempts made through this doer.
func (m *meteredDoer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

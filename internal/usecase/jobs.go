package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
)

// Job is one unit of work inside a phase. Execute never panics.
type Job interface {
	Name() string
	Execute(ctx context.Context) domain.JobOutcome
}

// AgentJob runs one agent while holding its single-writer slot.
type AgentJob struct {
	agent    agent.Agent
	registry *agent.Registry
	logger   *slog.Logger
}

// NewAgentJob wraps an agent; registry may be nil when no slot is needed.
func NewAgentJob(a agent.Agent, registry *agent.Registry, logger *slog.Logger) *AgentJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentJob{agent: a, registry: registry, logger: logger.With("job", a.Name())}
}

// Name returns the agent name.
func (j *AgentJob) Name() string { return j.agent.Name() }

// Execute runs the agent and converts its Result into a JobOutcome.
func (j *AgentJob) Execute(ctx context.Context) (out domain.JobOutcome) {
	out.Name = j.Name()
	started := time.Now()

	if j.registry != nil {
		if !j.registry.TryAcquire(out.Name) {
			out.Error = fmt.Sprintf("%s: %v", out.Name, domain.ErrSourceBusy)
			j.logger.Warn("agent slot busy, job skipped")
			return out
		}
		defer j.registry.Release(out.Name)
	}

	defer func() {
		out.Duration = time.Since(started)
		if p := recover(); p != nil {
			out.Succeeded = false
			out.Error = fmt.Sprintf("panic: %v", p)
			j.logger.Error("agent job panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	res := j.agent.Run(ctx)
	out.Succeeded = res.Succeeded()
	out.RecordsFetched = res.RecordsFetched
	out.RecordsPersisted = res.RecordsPersisted
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

// TaskFunc is a maintenance or derivation step returning the number of rows it touched.
type TaskFunc func(ctx context.Context) (int, error)

// TaskJob wraps a TaskFunc with the same panic containment as AgentJob.
type TaskJob struct {
	name   string
	fn     TaskFunc
	logger *slog.Logger
}

// NewTaskJob names a task.
func NewTaskJob(name string, fn TaskFunc, logger *slog.Logger) *TaskJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskJob{name: name, fn: fn, logger: logger.With("job", name)}
}

// Name returns the task name.
func (t *TaskJob) Name() string { return t.name }

// Execute runs the task once.
func (t *TaskJob) Execute(ctx context.Context) (out domain.JobOutcome) {
	out.Name = t.name
	started := time.Now()

	defer func() {
		out.Duration = time.Since(started)
		if p := recover(); p != nil {
			out.Succeeded = false
			out.Error = fmt.Sprintf("panic: %v", p)
			t.logger.Error("task panicked", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	n, err := t.fn(ctx)
	out.RecordsPersisted = n
	if err != nil {
		out.Error = err.Error()
		t.logger.Error("task failed", "error", err)
		return out
	}
	out.Succeeded = true
	t.logger.Info("task finished", "rows", n)
	return out
}

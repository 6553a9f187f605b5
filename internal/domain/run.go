package domain

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType tells who started a pipeline run.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
	TriggerCLI      TriggerType = "cli"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// JobOutcome is the result of one job inside a phase.
type JobOutcome struct {
	Name             string        `json:"name"`
	Succeeded        bool          `json:"succeeded"`
	RecordsFetched   int           `json:"records_fetched"`
	RecordsPersisted int           `json:"records_persisted"`
	Error            string        `json:"error,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
}

// PhaseResult aggregates the outcomes of one phase. Jobs are kept in completion order.
type PhaseResult struct {
	Name      string            `json:"name"`
	Attempted int               `json:"attempted"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Jobs      []JobOutcome      `json:"jobs"`
	Errors    map[string]string `json:"errors,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Duration  time.Duration     `json:"duration_ns"`
}

// Record appends an outcome and updates the counters.
func (p *PhaseResult) Record(o JobOutcome) {
	p.Attempted++
	p.Jobs = append(p.Jobs, o)
	if o.Succeeded {
		p.Succeeded++
		return
	}
	p.Failed++
	if p.Errors == nil {
		p.Errors = map[string]string{}
	}
	p.Errors[o.Name] = o.Error
}

// PipelineRun is the persisted record of one end-to-end pipeline execution.
type PipelineRun struct {
	ID           string
	TriggeredBy  TriggerType
	Status       RunStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Duration     time.Duration
	PhaseResults []PhaseResult
	Error        string
}

// NewRun opens a running record.
func NewRun(id string, trigger TriggerType, startedAt time.Time) PipelineRun {
	return PipelineRun{
		ID:          id,
		TriggeredBy: trigger,
		Status:      RunRunning,
		StartedAt:   startedAt,
	}
}

// Finished reports whether the run has a completion timestamp.
func (r PipelineRun) Finished() bool {
	return r.CompletedAt != nil
}

// Complete closes the run successfully.
func (r *PipelineRun) Complete(at time.Time) {
	r.close(at, RunCompleted, "")
}

// Fail closes the run as failed with the given cause.
func (r *PipelineRun) Fail(at time.Time, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	r.close(at, RunFailed, msg)
}

func (r *PipelineRun) close(at time.Time, status RunStatus, msg string) {
	r.Status = status
	r.Error = msg
	r.CompletedAt = &at
	r.Duration = at.Sub(r.StartedAt)
}

// Summary renders a short human readable report of the run.
func (r PipelineRun) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline run %s: %s (%s)\n", r.ID, r.Status, r.Duration.Round(time.Second))
	for _, phase := range r.PhaseResults {
		fmt.Fprintf(&b, "- %s: %d/%d ok\n", phase.Name, phase.Succeeded, phase.Attempted)
		for _, job := range phase.Jobs {
			if !job.Succeeded {
				fmt.Fprintf(&b, "  x %s: %s\n", job.Name, job.Error)
			}
		}
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", r.Error)
	}
	return b.String()
}

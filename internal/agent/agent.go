package agent

import (
	"context"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
)

// Payload is one raw upstream response kept for normalization.
type Payload struct {
	Kind   string
	Origin string
	Body   []byte
}

// Source captures the source-specific part of an agent (Eurostat, Comtrade, etc.).
// Fetch may return the payloads gathered before an error together with that error.
type Source interface {
	Name() string
	Fetch(ctx context.Context, doer fetch.Doer) ([]Payload, error)
	Normalize(payloads []Payload) (domain.Batch, error)
}

// Result summarises one agent run.
type Result struct {
	Source           string
	Status           domain.SourceStatus
	RecordsFetched   int
	RecordsPersisted int
	APICalls         int
	Err              error
}

// Succeeded reports whether the run completed without error.
func (r Result) Succeeded() bool {
	return r.Err == nil
}

// Agent is a runnable collector for one external source.
type Agent interface {
	Name() string
	Run(ctx context.Context) Result
}

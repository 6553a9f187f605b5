package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrSourceBusy     = errors.New("source is already running")
	ErrQuotaExceeded  = errors.New("daily api call budget exhausted")
	ErrRunNotFound    = errors.New("pipeline run not found")
	ErrRunImmutable   = errors.New("pipeline run is already completed")
	ErrRunInProgress  = errors.New("pipeline run already in progress")

	// ErrUnknownSource is returned for names that no agent is registered under.
	ErrUnknownSource = ErrSourceNotFound
)

// PersistenceError wraps a storage failure during an agent run.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// OrchestrationError marks a failure of the run bookkeeping itself.
type OrchestrationError struct {
	Stage string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration: %s: %v", e.Stage, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

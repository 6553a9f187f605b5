package domain

import "time"

// SourceStatus is the operational state of an external source.
type SourceStatus string

const (
	SourceActive      SourceStatus = "active"
	SourceError       SourceStatus = "error"
	SourceRateLimited SourceStatus = "rate_limited"
	SourceMaintenance SourceStatus = "maintenance"
)

// Valid reports whether s is one of the known statuses.
func (s SourceStatus) Valid() bool {
	switch s {
	case SourceActive, SourceError, SourceRateLimited, SourceMaintenance:
		return true
	}
	return false
}

// SourceHealth is the durable per-source health and quota snapshot.
type SourceHealth struct {
	SourceName          string
	Status              SourceStatus
	LastSuccessfulFetch *time.Time
	LastErrorMessage    *string
	RecordsFetchedToday int64
	APICallsToday       int64
	UpdatedAt           time.Time
}

// HealthPatch describes a partial update to a SourceHealth row.
// Counters are increments and must not be negative.
type HealthPatch struct {
	Status              *SourceStatus
	LastSuccessfulFetch *time.Time
	LastErrorMessage    *string
	ClearError          bool
	AddRecords          int64
	AddAPICalls         int64
}

// StatusPtr is a helper for building patches.
func StatusPtr(s SourceStatus) *SourceStatus { return &s }

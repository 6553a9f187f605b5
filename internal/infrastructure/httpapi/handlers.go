package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"TradeCollector/internal/domain"
)

const (
	defaultRunLimit = 10
	maxRunLimit     = 100
	sourcesCacheKey = "sources"
)

type runSummary struct {
	ID              string     `json:"id"`
	TriggeredBy     string     `json:"triggered_by"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	Error           string     `json:"error,omitempty"`
	JobsSucceeded   int        `json:"jobs_succeeded"`
	JobsFailed      int        `json:"jobs_failed"`
}

type runDetail struct {
	runSummary
	PhaseResults []domain.PhaseResult `json:"phase_results"`
}

func summarize(run domain.PipelineRun) runSummary {
	out := runSummary{
		ID:              run.ID,
		TriggeredBy:     string(run.TriggeredBy),
		Status:          string(run.Status),
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		DurationSeconds: run.Duration.Seconds(),
		Error:           run.Error,
	}
	for _, p := range run.PhaseResults {
		out.JobsSucceeded += p.Succeeded
		out.JobsFailed += p.Failed
	}
	return out
}

type healthView struct {
	SourceName          string     `json:"source_name"`
	Status              string     `json:"status"`
	LastSuccessfulFetch *time.Time `json:"last_successful_fetch"`
	LastErrorMessage    *string    `json:"last_error_message"`
	RecordsFetchedToday int64      `json:"records_fetched_today"`
	APICallsToday       int64      `json:"api_calls_today"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func viewHealth(h domain.SourceHealth) healthView {
	return healthView{
		SourceName:          h.SourceName,
		Status:              string(h.Status),
		LastSuccessfulFetch: h.LastSuccessfulFetch,
		LastErrorMessage:    h.LastErrorMessage,
		RecordsFetchedToday: h.RecordsFetchedToday,
		APICallsToday:       h.APICallsToday,
		UpdatedAt:           h.UpdatedAt,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "db": "unknown"})
		return
	}
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Warn("database ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "db": "ok"})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	runID, err := s.scheduler.TriggerNow(r.Context(), domain.TriggerManual)
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Error("manual trigger failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultRunLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
		return
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
		return
	}

	runs, err := s.runs.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.runs.Count(r.Context())
	if err != nil {
		s.logger.Error("count runs", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]runSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   out,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.logger.Error("get run", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		phases := run.PhaseResults
		if phases == nil {
			phases = []domain.PhaseResult{}
		}
		writeJSON(w, http.StatusOK, runDetail{runSummary: summarize(run), PhaseResults: phases})
	}
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.cache.Get(sourcesCacheKey); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	list, err := s.sources.List(r.Context())
	if err != nil {
		s.logger.Error("list sources", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]healthView, 0, len(list))
	for _, h := range list {
		out = append(out, viewHealth(h))
	}
	s.cache.Set(sourcesCacheKey, out, cache.DefaultExpiration)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	h, err := s.sources.Get(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, domain.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		s.logger.Error("get source", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, viewHealth(h))
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.sources.Refresh(r.Context(), name)
	switch {
	case errors.Is(err, domain.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrSourceBusy):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		s.logger.Error("refresh source", "source", name, "error", err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		s.cache.Delete(sourcesCacheKey)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_triggered", "source": name})
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

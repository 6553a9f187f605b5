package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/rs/cors"

	"TradeCollector/internal/domain"
	"TradeCollector/internal/metrics"
	"TradeCollector/internal/ports"
	"TradeCollector/internal/usecase"
)

// Scheduler is the part of usecase.Scheduler the API drives.
type Scheduler interface {
	Status() usecase.Status
	TriggerNow(ctx context.Context, trigger domain.TriggerType) (string, error)
}

// Sources is the part of usecase.SourceService the API drives.
type Sources interface {
	List(ctx context.Context) ([]domain.SourceHealth, error)
	Get(ctx context.Context, name string) (domain.SourceHealth, error)
	Refresh(ctx context.Context, name string) error
}

// Pinger checks database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps wires the API.
type Deps struct {
	Scheduler      Scheduler
	Sources        Sources
	Runs           ports.RunStore
	DB             Pinger
	Logger         *slog.Logger
	AllowedOrigins []string
	// CacheTTL bounds how stale GET /api/sources may be; default 30s.
	CacheTTL time.Duration
}

// Server exposes scheduler, run history and source health over HTTP.
type Server struct {
	scheduler Scheduler
	sources   Sources
	runs      ports.RunStore
	db        Pinger
	logger    *slog.Logger
	cache     *cache.Cache
	handler   http.Handler
}

// New builds the router.
func New(deps Deps) *Server {
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		scheduler: deps.Scheduler,
		sources:   deps.Sources,
		runs:      deps.Runs,
		db:        deps.DB,
		logger:    logger,
		cache:     cache.New(ttl, 2*ttl),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/trigger", s.handleTrigger)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
		})
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", s.handleListSources)
			r.Get("/{name}", s.handleGetSource)
			r.Post("/{name}/refresh", s.handleRefresh)
		})
	})

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.handler = c.Handler(r)
	return s
}

// Handler returns the root handler including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/config"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/infrastructure/fetch"
	"TradeCollector/internal/infrastructure/httpapi"
	"TradeCollector/internal/infrastructure/llm"
	"TradeCollector/internal/infrastructure/scheduler"
	"TradeCollector/internal/infrastructure/sources"
	"TradeCollector/internal/infrastructure/storage"
	"TradeCollector/internal/infrastructure/telegram"
	"TradeCollector/internal/logging"
	"TradeCollector/internal/ports"
	"TradeCollector/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg    config.Config
	logger *slog.Logger

	db          *storage.DB
	health      *storage.HealthStore
	runs        *storage.RunStore
	maintenance *storage.MaintenanceLog

	registry  *agent.Registry
	pipeline  *usecase.Pipeline
	scheduler *usecase.Scheduler
	sources   *usecase.SourceService
	api       *httpapi.Server

	disabled []string
}

// New opens the database, registers the enabled agents and builds the pipeline.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a := &Application{
		cfg:         cfg,
		logger:      baseLogger,
		db:          db,
		health:      storage.NewHealthStore(db),
		runs:        storage.NewRunStore(db),
		maintenance: storage.NewMaintenanceLog(db),
		registry:    agent.NewRegistry(),
	}

	trade := storage.NewTradeRepository(db)
	market := storage.NewMarketRepository(db)
	sink := storage.NewRecordSink(trade, storage.NewNewsRepository(db), market)

	if err := a.registerAgents(sink); err != nil {
		db.Close()
		return nil, err
	}

	var notifier ports.Notifier
	if tg := cfg.Notifications.Telegram; tg.Enabled() {
		notifier = telegram.NewNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.fetchClient("telegram", 0))
	}

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Runs:     a.runs,
		Phases:   a.phases(market),
		Workers:  cfg.Scheduler.Workers,
		Notifier: notifier,
		Logger:   baseLogger.With("component", "pipeline"),
	})

	var driver ports.DailyTrigger
	if cfg.Scheduler.Enabled {
		daily, err := scheduler.NewDailyScheduler(cfg.Scheduler.DailyHour, cfg.Scheduler.DailyMinute, cfg.Scheduler.Location())
		if err != nil {
			db.Close()
			return nil, err
		}
		driver = daily
	}
	a.scheduler = usecase.NewScheduler(driver, a.pipeline, usecase.SchedulerOptions{
		Enabled: cfg.Scheduler.Enabled,
		Trigger: fmt.Sprintf("daily at %02d:%02d %s", cfg.Scheduler.DailyHour, cfg.Scheduler.DailyMinute, cfg.Scheduler.Timezone),
		Logger:  baseLogger.With("component", "scheduler"),
	})

	a.sources = usecase.NewSourceService(a.registry, a.health, baseLogger.With("component", "sources"))
	a.api = httpapi.New(httpapi.Deps{
		Scheduler:      a.scheduler,
		Sources:        a.sources,
		Runs:           a.runs,
		DB:             db,
		Logger:         baseLogger.With("component", "http"),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	if err := a.sources.Bootstrap(ctx, a.disabled); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Application) fetchClient(name string, minInterval time.Duration) *fetch.Client {
	f := a.cfg.Fetch
	return fetch.New(fetch.Config{
		MaxAttempts:    f.MaxAttempts,
		BaseDelay:      f.BaseDelay,
		RateLimitDelay: f.RateLimitDelay,
		MaxDelay:       f.MaxDelay,
		Timeout:        f.Timeout,
		UserAgent:      f.UserAgent,
		MinInterval:    minInterval,
	}, fetch.WithName(name))
}

// registerAgents builds a Runner for every enabled and configured source.
func (a *Application) registerAgents(sink ports.RecordSink) error {
	sc := a.cfg.Sources
	newsChat := a.chatClient(sc.NewsWatcher)
	researchChat := a.chatClient(sc.MarketResearch)

	candidates := []struct {
		cfg    config.SourceConfig
		source agent.Source
		reason string
	}{
		{sc.Eurostat, sources.NewEurostat(sources.EurostatConfig{BaseURL: sc.Eurostat.BaseURL}), ""},
		{sc.Comtrade, sources.NewComtrade(sources.ComtradeConfig{BaseURL: sc.Comtrade.BaseURL, APIKey: sc.Comtrade.APIKey}),
			missing(sc.Comtrade.APIKey == "", "comtrade subscription key")},
		{sc.FederalRegister, sources.NewFederalRegister(sc.FederalRegister.BaseURL, nil), ""},
		{sc.OTEXA, sources.NewOTEXA(sources.OTEXAConfig{Pages: otexaPages(sc.OTEXA)}), ""},
		{sc.NewsWatcher, sources.NewNewsWatcher(newsChat, sc.NewsWatcher.LookbackDays),
			missing(!newsChat.Configured(), "chatgpt api key")},
		{sc.MarketResearch, sources.NewMarketResearch(researchChat),
			missing(!researchChat.Configured(), "chatgpt api key")},
	}

	for _, c := range candidates {
		name := c.source.Name()
		switch {
		case !c.cfg.Enabled:
			a.logger.Info("source disabled", "source", name)
			a.disabled = append(a.disabled, name)
			continue
		case c.reason != "":
			a.logger.Warn("source not configured", "source", name, "missing", c.reason)
			a.disabled = append(a.disabled, name)
			continue
		}

		runner := agent.NewRunner(c.source, a.fetchClient(name, c.cfg.MinInterval), sink, a.health, agent.Options{
			DailyCallBudget: c.cfg.DailyCallBudget,
			Logger:          a.logger.With("component", "agent"),
		})
		if err := a.registry.Register(runner); err != nil {
			return err
		}
	}
	return nil
}

// chatClient applies a source's apiKey and baseUrl over the shared chatgpt settings.
func (a *Application) chatClient(sc config.SourceConfig) *llm.ChatGPTClient {
	cfg := a.cfg.ChatGPT
	if sc.APIKey != "" {
		cfg.APIKey = sc.APIKey
	}
	if sc.BaseURL != "" {
		cfg.Endpoint = sc.BaseURL
	}
	return llm.NewChatGPTClient(cfg)
}

func otexaPages(sc config.SourceConfig) []string {
	if len(sc.Pages) == 0 && sc.BaseURL != "" {
		return []string{sc.BaseURL}
	}
	return sc.Pages
}

func missing(cond bool, what string) string {
	if cond {
		return what
	}
	return ""
}

func (a *Application) phases(market ports.MarketDeriver) []usecase.Phase {
	jobLogger := a.logger.With("component", "job")
	agentJobs := func(names ...string) []usecase.Job {
		var jobs []usecase.Job
		for _, name := range names {
			ag, err := a.registry.Resolve(name)
			if err != nil {
				continue
			}
			jobs = append(jobs, usecase.NewAgentJob(ag, a.registry, jobLogger))
		}
		return jobs
	}

	return []usecase.Phase{
		{
			Name: usecase.PhaseTradeData,
			Jobs: agentJobs(sources.NameEurostat, sources.NameComtrade, sources.NameFederalRegister, sources.NameOTEXA),
		},
		{
			Name: usecase.PhaseNews,
			Jobs: agentJobs(sources.NameNewsWatcher),
		},
		{
			Name: usecase.PhaseMarketResearch,
			Jobs: append(agentJobs(sources.NameMarketResearch), usecase.DeriveMarketTask(market, jobLogger)),
		},
		{
			Name: usecase.PhaseMaintenance,
			Jobs: []usecase.Job{usecase.ResetCountersTask(a.health, a.maintenance, nil, jobLogger)},
		},
	}
}

// Serve starts the scheduler and the HTTP API and blocks until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	serveErr := a.api.ListenAndServe(ctx, a.cfg.HTTP.Addr)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	stopErr := a.scheduler.Stop(stopCtx)
	a.sources.Wait()

	return errors.Join(serveErr, stopErr)
}

// RunPipeline executes one full pipeline run synchronously.
func (a *Application) RunPipeline(ctx context.Context, trigger domain.TriggerType) (*domain.PipelineRun, error) {
	return a.pipeline.RunOnce(ctx, trigger)
}

// Refresh runs a single agent synchronously.
func (a *Application) Refresh(ctx context.Context, name string) (agent.Result, error) {
	return a.sources.RefreshSync(ctx, name)
}

// SourceHealth lists every source's health row.
func (a *Application) SourceHealth(ctx context.Context) ([]domain.SourceHealth, error) {
	return a.sources.List(ctx)
}

// Runs lists the most recent pipeline runs.
func (a *Application) Runs(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	return a.runs.List(ctx, limit, 0)
}

// ResetCounters zeroes the daily counters immediately, bypassing the once-per-day guard.
func (a *Application) ResetCounters(ctx context.Context) (int64, error) {
	return a.health.ResetDailyCounters(ctx)
}

// Sources returns the registered agent names.
func (a *Application) Sources() []string {
	return a.registry.Names()
}

// Close releases the database.
func (a *Application) Close() error {
	return a.db.Close()
}

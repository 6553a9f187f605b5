package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"TradeCollector/internal/agent"
	"TradeCollector/internal/domain"
	"TradeCollector/internal/ports"
)

// SourceService exposes source health and manual single-source refreshes.
type SourceService struct {
	registry *agent.Registry
	health   ports.HealthStore
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewSourceService builds the service.
func NewSourceService(registry *agent.Registry, health ports.HealthStore, logger *slog.Logger) *SourceService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceService{registry: registry, health: health, logger: logger}
}

// Bootstrap ensures a health row for every registered agent and marks disabled sources as maintenance.
func (s *SourceService) Bootstrap(ctx context.Context, disabled []string) error {
	for _, name := range s.registry.Names() {
		if err := s.health.Ensure(ctx, name); err != nil {
			return fmt.Errorf("ensure health %s: %w", name, err)
		}
	}
	for _, name := range disabled {
		patch := domain.HealthPatch{Status: domain.StatusPtr(domain.SourceMaintenance)}
		if err := s.health.Upsert(ctx, name, patch); err != nil {
			return fmt.Errorf("mark %s maintenance: %w", name, err)
		}
	}
	return nil
}

// List returns every known source health row.
func (s *SourceService) List(ctx context.Context) ([]domain.SourceHealth, error) {
	return s.health.List(ctx)
}

// Get returns one source's health or domain.ErrSourceNotFound.
func (s *SourceService) Get(ctx context.Context, name string) (domain.SourceHealth, error) {
	return s.health.Get(ctx, name)
}

// Refresh starts one agent in the background.
// It returns domain.ErrSourceNotFound for unknown agents and domain.ErrSourceBusy if the agent is running.
func (s *SourceService) Refresh(ctx context.Context, name string) error {
	a, err := s.registry.Resolve(name)
	if err != nil {
		return err
	}
	if !s.registry.TryAcquire(name) {
		return fmt.Errorf("refresh %s: %w", name, domain.ErrSourceBusy)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registry.Release(name)
		res := a.Run(context.WithoutCancel(ctx))
		s.logger.Info("manual refresh finished",
			"source", name,
			"status", res.Status,
			"records_persisted", res.RecordsPersisted,
			"error", res.Err,
		)
	}()
	return nil
}

// RefreshSync runs one agent and waits for its result.
func (s *SourceService) RefreshSync(ctx context.Context, name string) (agent.Result, error) {
	a, err := s.registry.Resolve(name)
	if err != nil {
		return agent.Result{}, err
	}
	if !s.registry.TryAcquire(name) {
		return agent.Result{}, fmt.Errorf("refresh %s: %w", name, domain.ErrSourceBusy)
	}
	defer s.registry.Release(name)

	return a.Run(ctx), nil
}

// Wait blocks until background refreshes have finished.
func (s *SourceService) Wait() {
	s.wg.Wait()
}

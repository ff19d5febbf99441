package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/export"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
	"github.com/malbeclabs/fooddw/warehouse/pkg/postgres"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

// Service wires the stores, the coordinator and the optional exporter, and runs the refresh loop
// that stands in for an external scheduler.
type Service struct {
	log *slog.Logger
	cfg Config

	dims  dimension.Store
	coord *run.Coordinator
}

func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.PostgresMigrationsEnable {
		if err := postgres.RunMigrations(ctx, cfg.Logger, cfg.Postgres); err != nil {
			return nil, fmt.Errorf("failed to run Postgres migrations: %w", err)
		}
	}
	if cfg.ClickHouseMigrationsEnable {
		if err := clickhouse.RunMigrations(ctx, cfg.Logger, cfg.ClickHouseMigrationsConfig); err != nil {
			return nil, fmt.Errorf("failed to run ClickHouse migrations: %w", err)
		}
	}

	var (
		batches run.Store
		sink    quarantine.Sink
		dims    dimension.Store
		facts   fact.Store
	)
	if cfg.Postgres != nil {
		batches = postgres.NewBatchStore(cfg.Postgres)
		sink = postgres.NewQuarantineSink(cfg.Postgres)
		dims = postgres.NewDimensionStore(cfg.Postgres)
		facts = postgres.NewFactStore(cfg.Postgres)
		cfg.Logger.Info("service: using postgres stores")
	} else {
		batches = run.NewMemoryStore()
		sink = quarantine.NewMemorySink()
		dims = dimension.NewMemoryStore()
		facts = fact.NewMemoryStore()
		cfg.Logger.Warn("service: using in-memory stores, state is lost on exit")
	}

	var committers []run.Committer
	if cfg.ClickHouse != nil {
		exporter, err := export.New(export.Config{
			Logger:         cfg.Logger,
			Clock:          cfg.Clock,
			ClickHouse:     cfg.ClickHouse,
			Dimensions:     dims,
			Facts:          facts,
			WriteBatchSize: cfg.ExportWriteBatchSize,
			OpTimeout:      cfg.OpTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		committers = append(committers, exporter)
	}

	s := &Service{log: cfg.Logger, cfg: cfg, dims: dims}

	coord, err := run.New(run.Config{
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		Store:       batches,
		Quarantine:  sink,
		Dimensions:  dims,
		Facts:       facts,
		Committers:  committers,
		OnFailure:   s.onFailure,
		Concurrency: cfg.Concurrency,
		OpTimeout:   cfg.OpTimeout,
		MaxAttempts: cfg.MaxAttempts,
		SettleAfter: cfg.SettleAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := coord.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover coordinator state: %w", err)
	}
	s.coord = coord
	return s, nil
}

func (s *Service) Coordinator() *run.Coordinator {
	return s.coord
}

func (s *Service) Dimensions() dimension.Store {
	return s.dims
}

// Ready checks that the durable store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	if s.cfg.Postgres == nil {
		return nil
	}
	return s.cfg.Postgres.Ping(ctx)
}

// Start launches the refresh loop when a refresh interval is configured.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.RefreshInterval <= 0 {
		s.log.Info("service: refresh loop disabled, batches run on request")
		return
	}
	go s.refreshLoop(ctx)
}

func (s *Service) refreshLoop(ctx context.Context) {
	s.log.Info("service: starting refresh loop", "interval", s.cfg.RefreshInterval, "settleAfter", s.cfg.SettleAfter)

	ticker := s.cfg.Clock.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Refresh(ctx)
		}
	}
}

// Refresh runs every pending batch that is ready.
func (s *Service) Refresh(ctx context.Context) {
	results, err := s.coord.RunPending(ctx)
	for _, res := range results {
		s.log.Info("service: batch run", "batch_id", res.BatchID, "status", res.Status, "quarantined", res.QuarantinedCount)
	}
	if err != nil && ctx.Err() == nil {
		s.log.Error("service: pending run stopped", "error", err)
	}
}

func (s *Service) onFailure(b run.Batch, err error) {
	if !s.cfg.SentryEnabled {
		return
	}
	s.log.Debug("service: reporting batch failure", "batch_id", b.ID, "step", b.FailedStep)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("batch_id", b.ID)
		scope.SetTag("failed_step", string(b.FailedStep))
		if b.Error != nil {
			scope.SetTag("error_code", string(b.Error.Code))
		}
		sentry.CaptureException(err)
	})
}

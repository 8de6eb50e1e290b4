package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/internal/placement/runner"
	"github.com/angelmondragon/poolnet-backend/internal/progress"
	"github.com/angelmondragon/poolnet-backend/internal/wallet"
	"github.com/angelmondragon/poolnet-backend/internal/waterfall"
	"github.com/angelmondragon/poolnet-backend/pkg/config"
	"github.com/angelmondragon/poolnet-backend/pkg/db"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
)

type runnerDeps struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Plan       *plan.Plan
	Lease      runner.Lease
	Registerer prometheus.Registerer
}

// buildRunner assembles the placement pipeline: queue, placer, waterfall
// engine and the runner that drives them.
func buildRunner(deps runnerDeps) (*runner.Runner, error) {
	cfg := deps.Config
	conn := deps.DB.DB()

	emitter := outbox.NewService(outbox.NewRepository(conn), deps.Logger)
	locker := placement.NewTreeLocker(deps.DB.Dialect(), cfg.DB.LockTimeout)
	roots := placement.Roots{Self: cfg.Plan.SelfRootID, Auto: cfg.Plan.AutoRootID}

	placer, err := placement.NewService(placement.ServiceParams{
		Repository: placement.NewRepository(conn),
		Locker:     locker,
		Outbox:     emitter,
		Roots:      roots,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("placement service: %w", err)
	}

	queue, err := placement.NewJobQueue(placement.QueueParams{
		Outbox:       emitter,
		MaxAttempts:  cfg.Placement.MaxAttempts,
		BaseBackoff:  cfg.Placement.BaseBackoff,
		MaxBackoff:   cfg.Placement.MaxBackoff,
		LeaseTimeout: cfg.Placement.LeaseTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("placement queue: %w", err)
	}

	walletSvc, err := wallet.NewService(wallet.NewRepository(conn), emitter)
	if err != nil {
		return nil, fmt.Errorf("wallet service: %w", err)
	}

	engine, err := waterfall.NewEngine(waterfall.EngineParams{
		Plan:         deps.Plan,
		Repository:   waterfall.NewRepository(conn),
		Progress:     progress.NewRepository(conn),
		Wallet:       walletSvc,
		Placer:       placer,
		Jobs:         queue,
		Outbox:       emitter,
		Metrics:      metrics.NewWaterfallMetrics(deps.Registerer),
		Logger:       deps.Logger,
		SystemNodeID: cfg.Plan.SystemNodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("waterfall engine: %w", err)
	}

	return runner.New(runner.Params{
		TxRunner:     deps.DB,
		Queue:        queue,
		Placer:       placer,
		Engine:       engine,
		Locker:       locker,
		Lease:        deps.Lease,
		Metrics:      metrics.NewPlacementMetrics(deps.Registerer),
		Logger:       deps.Logger,
		BatchSize:    cfg.Placement.BatchSize,
		PollInterval: cfg.Placement.PollInterval,
	})
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/poolnet-backend/internal/cron"
	"github.com/angelmondragon/poolnet-backend/internal/placement"
	"github.com/angelmondragon/poolnet-backend/pkg/config"
	"github.com/angelmondragon/poolnet-backend/pkg/db"
	"github.com/angelmondragon/poolnet-backend/pkg/instance"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/metrics"
	"github.com/angelmondragon/poolnet-backend/pkg/migrate"
	"github.com/angelmondragon/poolnet-backend/pkg/ops"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/redis"
)

const lockName = "cron-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	rewardPlan, err := plan.Load(cfg.Plan.Path)
	if err != nil {
		logg.Error(context.Background(), "failed to load reward plan", err)
		os.Exit(1)
	}

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(lockName+":"+envName(cfg.App.Env)), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, rewardPlan, metricsCollector)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}
	logg.Info(logg.WithField(context.Background(), "jobs", registry.Names()), "cron jobs registered")

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Placement.ScanInterval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting cron worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return service.Run(groupCtx)
	})
	group.Go(func() error {
		handler := ops.NewRouter(ops.RouterParams{
			Env:      cfg.App.Env,
			Service:  cfg.Service.Kind,
			Instance: instance.ID(),
			Logger:   logg,
			Checks: map[string]ops.Check{
				"database": dbClient.Ping,
				"redis":    redisClient.Ping,
			},
		})
		return ops.Serve(groupCtx, ":"+cfg.Ops.Port, handler, logg)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func envName(env string) string {
	if env == "" {
		return "local"
	}
	return env
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, rewardPlan *plan.Plan, metricsCollector *metrics.CronJobMetrics) (*cron.Registry, error) {
	conn := dbClient.DB()
	roots := placement.Roots{Self: cfg.Plan.SelfRootID, Auto: cfg.Plan.AutoRootID}
	nodes := placement.NewRepository(conn)
	violations := cron.NewViolationRepository()

	queue, err := placement.NewJobQueue(placement.QueueParams{
		Outbox:       outbox.NewService(outbox.NewRepository(conn), logg),
		MaxAttempts:  cfg.Placement.MaxAttempts,
		BaseBackoff:  cfg.Placement.BaseBackoff,
		MaxBackoff:   cfg.Placement.MaxBackoff,
		LeaseTimeout: cfg.Placement.LeaseTimeout,
	})
	if err != nil {
		return nil, err
	}

	orphanScan, err := cron.NewOrphanScanJob(cron.OrphanScanJobParams{
		Logger:     logg,
		DB:         dbClient,
		Nodes:      nodes,
		Queue:      queue,
		Violations: violations,
		Plan:       rewardPlan,
		Roots:      roots,
		Metrics:    metricsCollector,
		Threshold:  cfg.Placement.OrphanThreshold,
	})
	if err != nil {
		return nil, err
	}

	integrityScan, err := cron.NewIntegrityScanJob(cron.IntegrityScanJobParams{
		Logger:     logg,
		DB:         dbClient,
		Nodes:      nodes,
		Violations: violations,
		Roots:      roots,
		Metrics:    metricsCollector,
	})
	if err != nil {
		return nil, err
	}

	outboxRetention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outbox.NewRepository(conn),
		Retention:   cfg.Outbox.RetentionDays,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(orphanScan, integrityScan, outboxRetention), nil
}

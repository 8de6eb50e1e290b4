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

	"github.com/angelmondragon/poolnet-backend/internal/placement/runner"
	"github.com/angelmondragon/poolnet-backend/pkg/config"
	"github.com/angelmondragon/poolnet-backend/pkg/db"
	"github.com/angelmondragon/poolnet-backend/pkg/instance"
	"github.com/angelmondragon/poolnet-backend/pkg/logger"
	"github.com/angelmondragon/poolnet-backend/pkg/migrate"
	"github.com/angelmondragon/poolnet-backend/pkg/ops"
	"github.com/angelmondragon/poolnet-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/poolnet-backend/pkg/plan"
	"github.com/angelmondragon/poolnet-backend/pkg/pubsub"
	"github.com/angelmondragon/poolnet-backend/pkg/redis"
)

const serviceKind = "placement-worker"

func main() {
	logg := logger.New(logger.Options{ServiceName: serviceKind})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceKind

	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
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

	lease, err := redis.NewLease(redisClient, redisClient.LeaseKey("placement-runner", cfg.App.Env), cfg.Placement.LeaseTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create runner lease", err)
		os.Exit(1)
	}

	placementRunner, err := buildRunner(runnerDeps{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Plan:       rewardPlan,
		Lease:      lease,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to build placement runner", err)
		os.Exit(1)
	}

	checks := map[string]ops.Check{
		"database": dbClient.Ping,
		"redis":    redisClient.Ping,
	}

	var notifier *runner.Notifier
	if cfg.FeatureFlags.PubSubWakeup {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		checks["pubsub"] = pubsubClient.Ping

		manager, err := idempotency.NewManager(redisClient, cfg.Eventing.OutboxIdempotencyTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create idempotency manager", err)
			os.Exit(1)
		}
		subscription := pubsubClient.PlacementSubscription()
		if subscription == nil {
			logg.Error(context.Background(), "placement subscription not configured", errors.New("missing placement subscription"))
			os.Exit(1)
		}
		notifier, err = runner.NewNotifier(subscription, manager, placementRunner, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create placement notifier", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.ID(),
	})
	logg.Info(ctx, "starting placement worker")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return placementRunner.Run(groupCtx)
	})
	if notifier != nil {
		group.Go(func() error {
			return notifier.Run(groupCtx)
		})
	}
	group.Go(func() error {
		handler := ops.NewRouter(ops.RouterParams{
			Env:      cfg.App.Env,
			Service:  serviceKind,
			Instance: instance.ID(),
			Logger:   logg,
			Checks:   checks,
		})
		return ops.Serve(groupCtx, ":"+cfg.Ops.Port, handler, logg)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "placement worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "placement worker shutting down gracefully")
}

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soundforge/beatmarket-backend/internal/cart"
	"github.com/soundforge/beatmarket-backend/internal/orders"
	"github.com/soundforge/beatmarket-backend/internal/reconcile"
	"github.com/soundforge/beatmarket-backend/internal/session"
	"github.com/soundforge/beatmarket-backend/pkg/config"
	"github.com/soundforge/beatmarket-backend/pkg/db"
	"github.com/soundforge/beatmarket-backend/pkg/logger"
	"github.com/soundforge/beatmarket-backend/pkg/metrics"
	"github.com/soundforge/beatmarket-backend/pkg/pubsub"
	"github.com/soundforge/beatmarket-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "reconcile-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "reconcile-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis client", err)
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub client", err)
		}
	}()

	sessions, err := session.NewManager(redisClient, cfg.Checkout.SessionTTL)
	if err != nil {
		logg.Error(ctx, "failed to build session manager", err)
		os.Exit(1)
	}

	events, err := reconcile.NewTopicPublisher(pubsubClient.OrderEventsPublisher())
	if err != nil {
		logg.Error(ctx, "failed to build event publisher", err)
		os.Exit(1)
	}

	guard, err := reconcile.NewService(reconcile.Params{
		DB:       dbClient,
		Orders:   orders.NewRepository(dbClient.DB()),
		Cart:     cart.NewRepository(dbClient.DB()),
		Sessions: sessions,
		Marks:    redisClient,
		Events:   events,
		Logger:   logg,
		Metrics:  metrics.NewCheckoutMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(ctx, "failed to build reconcile service", err)
		os.Exit(1)
	}

	consumer, err := reconcile.NewConsumer(pubsubClient.OrderEventsSubscription(), guard, logg)
	if err != nil {
		logg.Error(ctx, "failed to build consumer", err)
		os.Exit(1)
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env})
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "consumer stopped", err)
		os.Exit(1)
	}
	logg.Info(ctx, "reconcile worker shut down")
}

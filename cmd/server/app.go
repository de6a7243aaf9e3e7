package main

import (
	"context"
	"fmt"

	"careflow/backend/internal/config"
	"careflow/backend/internal/engine"
	"careflow/backend/internal/lock"
	"careflow/backend/internal/logging"
	"careflow/backend/internal/observability"
	"careflow/backend/internal/repository"
	"careflow/backend/internal/scheduler"
	"careflow/backend/internal/services"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// app holds the long-lived components shared by the subcommands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	pool      *pgxpool.Pool
	store     *repository.PostgresStore
	metrics   *observability.Metrics
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	redis     *redis.Client
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	pool, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("database initialization failed: %w", err)
	}
	a := &app{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		store:   repository.NewPostgresStore(pool),
		metrics: observability.NewMetrics(),
	}

	locker, err := a.initLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient := services.NewHTTPClient(ctx, services.GatewayAuth{
		TokenURL:     cfg.Messaging.TokenURL,
		ClientID:     cfg.Messaging.ClientID,
		ClientSecret: cfg.Messaging.ClientSecret,
	}, cfg.Messaging.Timeout)

	a.engine = engine.New(engine.Deps{
		Definitions:    a.store,
		Instances:      a.store,
		Communications: a.store,
		Appointments:   a.store,
		Patients:       a.store,
		Templates:      a.store,
		Mailer:         services.NewHTTPMailer(cfg.Messaging.MailURL, httpClient),
		Identity:       services.NewHTTPIdentityResolver(cfg.Messaging.IdentityURL, httpClient),
		SMS:            services.NewHTTPTextSender(cfg.Messaging.SMSURL, httpClient),
		WhatsApp:       services.NewHTTPTextSender(cfg.Messaging.WhatsAppURL, httpClient),
	}, engine.Options{
		Logger:          logger.With("component", "engine"),
		Metrics:         a.metrics,
		Locker:          locker,
		MaxSteps:        cfg.Engine.MaxSteps,
		DefaultSenderID: cfg.Engine.DefaultSenderID,
		TrackingBaseURL: cfg.Engine.TrackingBaseURL,
		LockTTL:         cfg.Redis.LockTTL,
	})

	a.scheduler = scheduler.New(a.engine, a.store, locker, scheduler.Config{
		Interval:          cfg.Scheduler.Interval,
		SecondaryInterval: cfg.Scheduler.SecondaryInterval,
		SecondaryWindow:   cfg.Scheduler.SecondaryWindow,
		BatchSize:         cfg.Scheduler.BatchSize,
		LockTTL:           cfg.Redis.LockTTL,
	}, logger.With("component", "scheduler"), a.metrics)
	a.engine.SetWakeNotifier(a.scheduler)

	return a, nil
}

// initLocker picks the redis locker when replicas share work, and the
// in-process locker otherwise.
func (a *app) initLocker(ctx context.Context) (lock.Locker, error) {
	if !a.cfg.Redis.Enable {
		a.logger.Info("Using in-process instance locks")
		return lock.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.redis = client
	a.logger.Info("Using redis instance locks", "addr", a.cfg.Redis.Addr)
	return lock.NewRedisLocker(client, a.cfg.Redis.Prefix), nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", "error", err)
		}
	}
	a.pool.Close()
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

package main

import (
	"context"
	"database/sql"
	"fmt"

	"optout_sync/internal/app"
	"optout_sync/internal/domain/alert"
	"optout_sync/internal/infra/config"
	idb "optout_sync/internal/infra/database"
	"optout_sync/internal/infra/dynamo"
	"optout_sync/internal/infra/lock"
	"optout_sync/internal/infra/logger"
	"optout_sync/internal/infra/telegram"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const runLockKey = "optout-reconciler"

// components holds everything a command needs; close releases it.
type components struct {
	cfg     *config.AppConfig
	log     *logrus.Logger
	db      *sql.DB
	redis   *redis.Client
	store   *dynamo.OptOutStore
	service *app.SyncService
}

func (c *components) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close database")
		}
	}
}

func loadConfig() (*config.AppConfig, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("could not load application configuration: %w", err)
	}
	log := logger.New(cfg.LogLevel, cfg.Environment)
	log.WithFields(logrus.Fields{
		"environment":     cfg.Environment,
		"window_minutes":  cfg.WindowMinutes,
		"interval":        cfg.Interval().String(),
		"existence_match": cfg.ExistenceMatch,
		"run_lock":        cfg.RunLockEnabled,
		"alerts":          cfg.AlertsEnabled(),
	}).Info("Configuration loaded")
	return cfg, log, nil
}

func newStore(ctx context.Context, cfg *config.AppConfig) (*dynamo.OptOutStore, error) {
	client, err := dynamo.NewClient(ctx, cfg.DynamoRegion, cfg.AWSProfile, cfg.DynamoEndpoint)
	if err != nil {
		return nil, err
	}
	return dynamo.NewOptOutStore(client, cfg.DynamoTable, dynamo.MatchMode(cfg.ExistenceMatch))
}

// buildComponents wires the full reconciliation stack.
func buildComponents(ctx context.Context) (*components, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c := &components{cfg: cfg, log: log}

	// Source
	c.db, err = idb.NewPostgresConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	reader, err := idb.NewPostgresOptOutReader(c.db, cfg.SourceTable)
	if err != nil {
		c.close()
		return nil, err
	}
	log.WithField("table", cfg.SourceTable).Info("Opt-out source initialized")

	// Target
	c.store, err = newStore(ctx, cfg)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("could not initialize DynamoDB store: %w", err)
	}
	log.WithField("table", cfg.DynamoTable).Info("DynamoDB store initialized")

	reconciler, err := app.NewReconciler(reader, c.store, app.ReconcilerConfig{
		WindowMinutes: cfg.WindowMinutes,
		FetchTimeout:  cfg.FetchTimeout,
		CallTimeout:   cfg.CallTimeout,
		Concurrency:   cfg.WorkerConcurrency,
	}, logger.Component(log, "reconciler"))
	if err != nil {
		c.close()
		return nil, err
	}

	var runLock app.RunLock
	if cfg.RunLockEnabled {
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				c.close()
				return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			c.redis = redis.NewClient(opts)
		}
		runLock = lock.New(c.redis, c.db, runLockKey, cfg.RunLockTTL)
		log.WithField("redis", c.redis != nil).Info("Run lock enabled")
	}

	var alerts alert.Client
	if cfg.AlertsEnabled() {
		bot, err := telegram.NewBot(cfg.TelegramToken)
		if err != nil {
			c.close()
			return nil, err
		}
		alerts = telegram.NewTelebotAdapter(bot, cfg.AlertChatID)
		log.Info("Telegram alerts enabled")
	}

	reporter := app.NewRunReporter(alerts, logger.Component(log, "reporter"))
	c.service = app.NewSyncService(reconciler, runLock, reporter, logger.Component(log, "sync"))
	return c, nil
}

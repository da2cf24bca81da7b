// cmd/pipeline/app.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
	"github.com/krisnaDGC/postmangovsg/internal/common/database"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/common/queue"
	"github.com/krisnaDGC/postmangovsg/internal/common/validation"
	"github.com/krisnaDGC/postmangovsg/internal/dispatch"
	"github.com/krisnaDGC/postmangovsg/internal/store"
	logcampaign "github.com/krisnaDGC/postmangovsg/internal/workers/send/log-campaign"
	sendcampaign "github.com/krisnaDGC/postmangovsg/internal/workers/send/send-campaign"
)

// app holds the connections and components every command shares.
type app struct {
	cfg    *config.Config
	zapLog *zap.Logger
	log    logger.Logger

	redis    *database.RedisClient
	postgres *database.PostgresClient
	stores   *store.Stores

	sendQueue  *queue.Queue
	logQueue   *queue.Queue
	dispatcher *dispatch.Dispatcher
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}
		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err,
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	a := &app{
		cfg:    cfg,
		zapLog: zapLog,
		log:    logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{"service": cfg.App.Name}),
	}

	if a.redis, err = database.NewRedis(cfg.Database.Redis); err != nil {
		a.Close()
		return nil, err
	}
	if err := retryWithBackoff(func() error { return a.redis.Ping(ctx) }, 5, time.Second, a.log, "Redis connection"); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Database.Driver == "postgres" {
		err := retryWithBackoff(func() error {
			pg, err := database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			if err := pg.Ping(ctx); err != nil {
				_ = pg.Close()
				return err
			}
			a.postgres = pg
			return nil
		}, 5, time.Second, a.log, "PostgreSQL connection")
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var db *sql.DB
	if a.postgres != nil {
		db = a.postgres.DB
	}
	if a.stores, err = store.Open(cfg.Database.Driver, db); err != nil {
		a.Close()
		return nil, err
	}

	if a.sendQueue, err = queue.New(a.redis.Client, queue.OptionsFromConfig(cfg.Queue, sendcampaign.QueueName, validation.SendJobSchema), a.log); err != nil {
		a.Close()
		return nil, err
	}
	if a.logQueue, err = queue.New(a.redis.Client, queue.OptionsFromConfig(cfg.Queue, logcampaign.QueueName, validation.LogJobSchema), a.log); err != nil {
		a.Close()
		return nil, err
	}

	a.dispatcher = dispatch.New(dispatch.Config{BatchSize: cfg.Queue.BatchSize},
		a.sendQueue, a.logQueue, a.stores.Messages, a.stores.Campaigns, a.log)
	a.sendQueue.OnFailed(a.dispatcher.HandleFailedJob)
	a.logQueue.OnFailed(a.dispatcher.HandleFailedJob)
	return a, nil
}

func (a *app) queueByName(name string) (*queue.Queue, error) {
	switch name {
	case a.sendQueue.Name():
		return a.sendQueue, nil
	case a.logQueue.Name():
		return a.logQueue, nil
	}
	return nil, fmt.Errorf("unknown queue %q", name)
}

func (a *app) Close() {
	if a.postgres != nil {
		_ = a.postgres.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.zapLog != nil {
		_ = a.zapLog.Sync()
	}
}

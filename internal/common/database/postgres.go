// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
)

// PostgresClient owns the pool backing the message, campaign and blacklist stores.
type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	configurePool(db, cfg)
	return &PostgresClient{DB: db}, nil
}

// configurePool sizes the pool for sender workers that each hold at most one
// connection per in-flight recipient update.
func configurePool(db *sql.DB, cfg config.PostgresConfig) {
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	idle := cfg.MaxIdle
	if cfg.MaxConnections > 0 && idle > cfg.MaxConnections {
		idle = cfg.MaxConnections
	}
	db.SetMaxIdleConns(idle)
	if lifetime := config.GetDuration(cfg.ConnMaxLifetime); lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
		db.SetConnMaxIdleTime(lifetime)
	}
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

func (c *PostgresClient) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"

	"study-match/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient owns the pool behind the profile and relationship store.
type PostgresClient struct {
	DB *sql.DB
}

func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres %s/%s: %w", cfg.Host, cfg.Database, err)
	}

	lifetime := config.Minutes(cfg.ConnLifetime)
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(lifetime)

	return &PostgresClient{DB: db}, nil
}

func (c *PostgresClient) Ping(ctx context.Context) error {
	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Healthy reports whether the database answers a ping within the context deadline.
func (c *PostgresClient) Healthy(ctx context.Context) bool {
	return c != nil && c.DB != nil && c.Ping(ctx) == nil
}

// Stats exposes pool counters for readiness output.
func (c *PostgresClient) Stats() sql.DBStats {
	return c.DB.Stats()
}

func (c *PostgresClient) Close() error {
	if c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

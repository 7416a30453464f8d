package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"media-fetch-service/internal/config"
)

// Connect returns a live *pgxpool.Pool for the configured database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.Connect: %w", err)
	}
	return pool, nil
}

// PoolStats reports total, idle and acquired connections.
func PoolStats(pool *pgxpool.Pool) (total, idle, inUse int32) {
	st := pool.Stat()
	return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
}

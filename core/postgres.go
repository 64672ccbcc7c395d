package core

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConnectParams Postgres connection parameter
type PostgresConnectParams struct {
	// URL pgx connection string
	URL string `validate:"required"`
	// MaxConns max pooled connections
	MaxConns int32 `validate:"gte=1"`
}

// GetPostgresPool define a new pgx connection pool, and verify the database is reachable
func GetPostgresPool(ctxt context.Context, param PostgresConnectParams) (*pgxpool.Pool, error) {
	logTags := log.Fields{"module": "core", "component": "postgres-pool"}
	cfg, err := pgxpool.ParseConfig(param.URL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid Postgres connection string")
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = param.MaxConns
	pool, err := pgxpool.NewWithConfig(ctxt, cfg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define Postgres pool")
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctxt); err != nil {
		pool.Close()
		log.WithError(err).WithFields(logTags).Error("Postgres is not reachable")
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.WithFields(logTags).Infof("Connected to Postgres %s", cfg.ConnConfig.Host)
	return pool, nil
}

// Package store is the relational adapter for raw PEG samples. It owns the
// pgx connection pool and the parameterized fetch query; nothing else in the
// pipeline touches SQL.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"cell_analysis/pkg/models"
)

// Connect builds a bounded pgx pool for the given connection parameters.
// The pool is process-wide: one per analyzer process, shared by every fetch.
func Connect(ctx context.Context, db models.DBConfig, poolSize int) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		db.Host, db.Port, db.DBName, db.User, db.Password)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	cfg.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return pool, nil
}

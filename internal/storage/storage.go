// internal/storage/storage.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // For migrations
	log  *zap.Logger
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func NewStorage(ctx context.Context, dsn string, log *zap.Logger) (*Storage, error) {
	const op = "storage.NewStorage"

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	s := &Storage{pool: pool, db: db, log: log}
	if err := s.runMigrations(); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

// statusArgs renders statuses as the text[] bound to "= ANY($n)" guards.
func statusArgs[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

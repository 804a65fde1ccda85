// Package store is the typed persistence layer: transactional upsert,
// bounded retry on transient failures, and a monotonic
// health check, all behind a narrow PgPool interface so tests can fake the
// pool.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openmohaa/albion-mmr/internal/apierr"
)

// PgPool is the subset of *pgxpool.Pool this package depends on, kept
// narrow so tests can fake it.
type PgPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the single connection-pool-backed persistence layer.
type Store struct {
	dsn      string
	pool     PgPool
	logger   *zap.SugaredLogger
	notifier *Notifier

	mu            sync.Mutex
	lastCheckedAt time.Time
}

// SetNotifier attaches the dedicated pg_notify publisher. Watermark
// advances and MMR job terminal transitions are announced through it when
// set; callers that don't need downstream LISTEN/NOTIFY consumers can
// leave it nil.
func (s *Store) SetNotifier(n *Notifier) {
	s.notifier = n
}

// PoolConfig sizes the connection pool. Zero values keep the pgxpool
// defaults.
type PoolConfig struct {
	MinConns       int32
	MaxConns       int32
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// Open constructs a Store and establishes the initial pool.
func Open(ctx context.Context, dsn string, pc PoolConfig, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apierr.New(apierr.DbPermanent, "store.Open", err)
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = pc.ConnectTimeout
	}
	if pc.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = pc.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apierr.New(apierr.DbPermanent, "store.Open", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dsn: dsn, pool: pool, logger: logger.Sugar()}, nil
}

// WithPool builds a Store around an already-constructed pool, used by tests
// to inject a fake.
func WithPool(pool PgPool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Sugar()}
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// HealthCheck pings the pool and returns a monotonic last_check_at.
func (s *Store) HealthCheck(ctx context.Context) (time.Time, error) {
	var one int
	row := s.pool.QueryRow(ctx, "SELECT 1")
	if err := row.Scan(&one); err != nil {
		return time.Time{}, apierr.New(apierr.DbTransient, "HealthCheck", err)
	}

	s.mu.Lock()
	s.lastCheckedAt = time.Now()
	checked := s.lastCheckedAt
	s.mu.Unlock()
	return checked, nil
}

// isTransient classifies a Postgres error as retryable: prepared-statement
// reuse conflicts and lost-connection errors.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "08000", "08003", "08006", "08001", "08004": // connection exceptions
			return true
		case "42P05", "26000": // duplicate_prepared_statement, invalid_sql_statement_name
			return true
		case "25P03": // idle_in_transaction_session_timeout
			return true
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	// Anything that isn't a recognized pg wire error (lost connection,
	// network reset) is treated as transient so the caller retries.
	return true
}

// ExecuteWithRetry runs op up to maxAttempts times, backing off
// exponentially between attempts on a transient failure. Every attempt runs
// against the same pool; the pool is not closed or rebuilt between attempts.
func (s *Store) ExecuteWithRetry(ctx context.Context, maxAttempts uint64, op func(ctx context.Context) error) error {
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(apierr.New(apierr.DbPermanent, "ExecuteWithRetry", err))
		}
		s.logger.Warnw("transient db error, retrying", "attempt", attempt, "error", err)
		return apierr.New(apierr.DbTransient, "ExecuteWithRetry", err)
	}

	if err := backoff.Retry(wrapped, policy); err != nil {
		return fmt.Errorf("db op failed after retries: %w", err)
	}
	return nil
}

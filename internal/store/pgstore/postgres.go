// Package pgstore implements the local key-space on PostgreSQL.
package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/localsync/internal/migrations"
	"github.com/cybertec-postgresql/localsync/internal/retry"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Query(ctx context.Context, query string, args ...any) (pgx.Rows, error)
}

// PgxPoolIface is interface representing pgx pool
type PgxPoolIface interface {
	PgxIface
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Close()
	Config() *pgxpool.Config
	Ping(ctx context.Context) error
}

type ConnConfigCallback = func(*pgxpool.Config) error

// NewPool creates a new pool
func NewPool(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (*pgxpool.Pool, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	logger := logrus.WithField("component", "pgstore")
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second
	connConfig.ConnConfig.RuntimeParams["application_name"] = "localsync"
	connConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.WithField("severity", n.Severity).WithField("notice", n.Message).Info("Notice received")
	}
	for _, f := range callbacks {
		if err := f(connConfig); err != nil {
			return nil, err
		}
	}
	return pgxpool.NewWithConfig(ctx, connConfig)
}

// NewPoolWithRetry creates a new pool and pings it, retrying with backoff
func NewPoolWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	err := retry.WithOperation(ctx, retry.PostgreSQLDefaults(), func() error {
		var attemptErr error
		pool, attemptErr = NewPool(ctx, connStr, callbacks...)
		if attemptErr != nil {
			return attemptErr
		}
		if pingErr := pool.Ping(ctx); pingErr != nil {
			pool.Close()
			return pingErr
		}
		return nil
	}, "Postgres connect")
	if err != nil {
		logrus.WithError(err).Error("Failed to establish PostgreSQL connection after all retries")
		return nil, err
	}
	return pool, nil
}

// ApplyMigrations checks and applies database migrations if needed
func ApplyMigrations(ctx context.Context, conn *pgx.Conn) error {
	needsMigration, err := migrations.NeedsUpgrade(ctx, conn)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if needsMigration {
		logrus.Info("Applying database migrations...")
		if err = migrations.Apply(ctx, conn); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		logrus.Info("Database migrations completed successfully")
	} else {
		logrus.Info("Database schema is up to date")
	}
	return nil
}

// Store is a store.Store backed by PostgreSQL tables
type Store struct {
	pool PgxPoolIface
	// serializes Update so concurrent engine tasks see the same ordering as
	// the embedded store
	mu sync.Mutex
}

// New wraps an existing pool. The schema must already be migrated.
func New(pool PgxPoolIface) *Store {
	return &Store{pool: pool}
}

// Open connects to connStr, migrates the schema and returns the store
func Open(ctx context.Context, connStr string) (*Store, error) {
	pool, err := NewPoolWithRetry(ctx, connStr)
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	err = ApplyMigrations(ctx, conn.Conn())
	conn.Release()
	if err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool), nil
}

// Pool exposes the underlying pool
func (s *Store) Pool() PgxPoolIface {
	return s.pool
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run(ctx, pgx.TxOptions{}, false, fn)
}

// View runs fn in a read-only transaction. All statements of fn read the
// same snapshot, so a dataset swap committed meanwhile is not observed halfway.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *Store) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&pgTx{tx: tx, readOnly: readOnly}); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			logrus.WithError(rbErr).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

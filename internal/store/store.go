// Package store provides the central PostgreSQL store operations the
// sync core applies buffered writes against.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/Dioshy/WikiDesk/internal/entry"
	"github.com/Dioshy/WikiDesk/internal/migrations"
	"github.com/Dioshy/WikiDesk/internal/retry"
)

// PgxIface is common interface for every pgx class
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
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

// New creates a new pool from a PostgreSQL URL. The pool connects
// lazily, so creation succeeds even while the store is unreachable.
func New(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	connConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	logger := logrus.WithField("component", "store")
	if connConfig.ConnConfig.ConnectTimeout == 0 {
		connConfig.ConnConfig.ConnectTimeout = time.Second * 5
	}
	connConfig.MaxConnIdleTime = 15 * time.Second
	connConfig.ConnConfig.RuntimeParams["application_name"] = "wikidesk"
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

// NewWithRetry creates a new PostgreSQL connection pool and waits for
// the store to become reachable, with exponential backoff.
func NewWithRetry(ctx context.Context, connStr string, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	config := retry.StoreDefaults()

	var pool PgxPoolIface
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		pool, attemptErr = New(ctx, connStr, callbacks...)
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
		err = migrations.Apply(ctx, conn)
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		logrus.Info("Database migrations completed successfully")
	} else {
		logrus.Info("Database schema is up to date")
	}

	return nil
}

// Check issues the trivial round-trip the connectivity probe uses.
func Check(ctx context.Context, pool PgxIface) error {
	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("central store unreachable: %w", err)
	}
	return nil
}

// InsertEntry applies one time entry to the central store and returns
// its remote id. The idempotency key makes repeated application of the
// same buffered record safe: a duplicate insert is absorbed by the
// unique key and the existing row's id is returned instead.
func InsertEntry(ctx context.Context, pool PgxIface, idempotencyKey string, p entry.Payload) (int64, error) {
	entryDate := p.Date().Format("2006-01-02")
	entryTime := p.EntryTime
	if entryTime == "" {
		entryTime = time.Now().Format("15:04:05")
	}

	var remoteID int64
	err := pool.QueryRow(ctx, `
		INSERT INTO entries (
			entry_date, entry_time, period, user_id, courtier_id, minutes,
			acte_type, acte_de_gestion, dossier, client_name, description,
			idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id`,
		entryDate, entryTime, p.Period(), p.UserID, p.CourtierID, p.Minutes,
		p.ActeType, p.ActeDeGestion, p.Dossier, p.ClientName, p.Description,
		idempotencyKey).Scan(&remoteID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Already applied by a previous attempt; fetch the existing id.
		err = pool.QueryRow(ctx,
			`SELECT id FROM entries WHERE idempotency_key = $1`,
			idempotencyKey).Scan(&remoteID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve duplicate entry: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"idempotency_key": idempotencyKey,
			"remote_id":       remoteID,
		}).Info("Duplicate entry submission absorbed")
		return remoteID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert entry: %w", err)
	}

	return remoteID, nil
}

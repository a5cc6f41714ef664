// Package queue implements the durable local queue of buffered writes.
// Records appended here must survive a process crash, so the backing
// SQLite database runs with WAL journaling and full synchronous mode.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/Dioshy/WikiDesk/internal/entry"
)

// createdAtFormat is fixed-width so that lexicographic ORDER BY on the
// stored text matches chronological order.
const createdAtFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrStorageUnavailable signals that the queue storage medium itself is
// broken. The caller must treat the write as lost; there is no
// in-memory fallback.
var ErrStorageUnavailable = errors.New("local queue storage unavailable")

// ErrNotFound is returned when a local id does not exist in the queue.
var ErrNotFound = errors.New("pending record not found")

// Status is the lifecycle state of a buffered record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed" // soft state, retried on the next drain
)

// PendingRecord is one buffered write. LocalID is queue-local and never
// reused; it is not the central-store identifier.
type PendingRecord struct {
	LocalID        int64
	IdempotencyKey string
	Payload        entry.Payload
	CreatedAt      time.Time
	Status         Status
	AttemptCount   int
	LastError      string
}

const schema = `
CREATE TABLE IF NOT EXISTS pending_entries (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload         TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_entries_status_created
	ON pending_entries(status, created_at);
`

// Queue is the durable local queue. Safe for concurrent use; writes are
// serialized through a single connection.
type Queue struct {
	db     *sql.DB
	logger *logrus.Entry
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the write path and the reconciler.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create schema: %v", ErrStorageUnavailable, err)
	}

	logger := logrus.WithField("component", "queue")
	logger.WithField("path", path).Info("Local queue opened")

	return &Queue{db: db, logger: logger}, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Append durably persists a new pending record and returns its local id.
// The record is on disk before Append returns.
func (q *Queue) Append(ctx context.Context, idempotencyKey string, p entry.Payload) (int64, error) {
	raw, err := p.Marshal()
	if err != nil {
		return 0, err
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_entries (idempotency_key, payload, created_at, status)
		VALUES (?, ?, ?, 'pending')`,
		idempotencyKey, string(raw), time.Now().UTC().Format(createdAtFormat))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to append record: %v", ErrStorageUnavailable, err)
	}

	localID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read local id: %v", ErrStorageUnavailable, err)
	}

	q.logger.WithFields(logrus.Fields{
		"local_id": localID,
		"user_id":  p.UserID,
	}).Info("Entry buffered locally")

	return localID, nil
}

// ListPending returns all records not yet synced, oldest first. Records
// in the soft failed state are included so they are retried on the next
// drain cycle.
func (q *Queue) ListPending(ctx context.Context) ([]PendingRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, idempotency_key, payload, created_at, status, attempt_count, COALESCE(last_error, '')
		FROM pending_entries
		WHERE status != 'synced'
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query pending records: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var records []PendingRecord
	for rows.Next() {
		var rec PendingRecord
		var rawPayload, createdAt, status string

		if err := rows.Scan(&rec.LocalID, &rec.IdempotencyKey, &rawPayload, &createdAt, &status, &rec.AttemptCount, &rec.LastError); err != nil {
			return nil, fmt.Errorf("error scanning pending record: %w", err)
		}

		rec.Status = Status(status)
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("error parsing created_at of record %d: %w", rec.LocalID, err)
		}
		rec.Payload, err = entry.Unmarshal([]byte(rawPayload))
		if err != nil {
			return nil, fmt.Errorf("error decoding payload of record %d: %w", rec.LocalID, err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating pending records: %v", ErrStorageUnavailable, err)
	}

	return records, nil
}

// MarkSynced moves a record to the terminal synced state. Idempotent:
// marking an already-synced record is a no-op. Synced records are
// retained for audit but excluded from future drains.
func (q *Queue) MarkSynced(ctx context.Context, localID int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_entries SET status = 'synced', last_error = NULL
		WHERE id = ? AND status != 'synced'`, localID)
	if err != nil {
		return fmt.Errorf("%w: failed to mark record %d synced: %v", ErrStorageUnavailable, localID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return q.checkExists(ctx, localID)
	}
	return nil
}

// MarkFailed records a failed apply attempt. The record stays eligible
// for the next drain. Idempotent for records already synced (no-op).
func (q *Queue) MarkFailed(ctx context.Context, localID int64, applyErr string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_entries
		SET status = 'failed', attempt_count = attempt_count + 1, last_error = ?
		WHERE id = ? AND status != 'synced'`, applyErr, localID)
	if err != nil {
		return fmt.Errorf("%w: failed to mark record %d failed: %v", ErrStorageUnavailable, localID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return q.checkExists(ctx, localID)
	}
	return nil
}

// CountPending returns the number of records not yet synced. Exposed so
// a reconnecting client can poll its unsynced state instead of relying
// on a missed broadcast.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_entries WHERE status != 'synced'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count pending records: %v", ErrStorageUnavailable, err)
	}
	return count, nil
}

// checkExists distinguishes "already terminal" (no-op) from "unknown id".
func (q *Queue) checkExists(ctx context.Context, localID int64) error {
	var one int
	err := q.db.QueryRowContext(ctx,
		`SELECT 1 FROM pending_entries WHERE id = ?`, localID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: local id %d", ErrNotFound, localID)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to look up record %d: %v", ErrStorageUnavailable, localID, err)
	}
	return nil
}

// Package sqlite provides the durable outbox backing offline-first sync.
// Accepted mutations are appended here in commit order and survive process
// restarts; entries leave the outbox only after the remote backend
// acknowledges them.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"classroom-quiz-master/internal/domain"
)

type Outbox struct {
	db *sql.DB
}

func NewOutbox(path string) (*Outbox, error) {
	if strings.TrimSpace(path) == "" {
		path = "outbox.db"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	outbox := &Outbox{db: db}
	if err := outbox.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return outbox, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS pending_ops (
			op_id TEXT PRIMARY KEY,
			op_type TEXT NOT NULL,
			payload BLOB NOT NULL,
			queued_at_unix_ms INTEGER NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pending_ops_queued_at ON pending_ops(queued_at_unix_ms ASC);`,
	}

	for _, stmt := range statements {
		if _, err := o.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue appends one operation. INSERT OR IGNORE keeps a retried enqueue of
// the same operation ID from producing a second row.
func (o *Outbox) Enqueue(ctx context.Context, op domain.PendingOperation) error {
	_, err := o.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO pending_ops (op_id, op_type, payload, queued_at_unix_ms, retry_count)
		 VALUES (?, ?, ?, ?, ?)`,
		op.ID,
		string(op.Type),
		op.Payload,
		op.QueuedAt.UnixMilli(),
		op.RetryCount,
	)
	return err
}

// Pending returns unsynced operations oldest first, preserving the order in
// which they were accepted locally. limit <= 0 returns everything.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]domain.PendingOperation, error) {
	query := `SELECT op_id, op_type, payload, queued_at_unix_ms, retry_count
		 FROM pending_ops
		 ORDER BY queued_at_unix_ms ASC, op_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]domain.PendingOperation, 0)
	for rows.Next() {
		var (
			op           domain.PendingOperation
			opType       string
			queuedAtUnix int64
		)
		if err := rows.Scan(&op.ID, &opType, &op.Payload, &queuedAtUnix, &op.RetryCount); err != nil {
			return nil, err
		}
		op.Type = domain.OpType(opType)
		op.QueuedAt = time.UnixMilli(queuedAtUnix).UTC()
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// MarkSynced removes an acknowledged operation. Unknown IDs are a no-op so a
// flush retried after a crash stays safe.
func (o *Outbox) MarkSynced(ctx context.Context, opID string) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE op_id = ?`, opID)
	return err
}

// MarkFailed bumps the retry counter; the row stays queued.
func (o *Outbox) MarkFailed(ctx context.Context, opID string) error {
	_, err := o.db.ExecContext(
		ctx,
		`UPDATE pending_ops SET retry_count = retry_count + 1 WHERE op_id = ?`,
		opID,
	)
	return err
}

// PendingCount reports how many operations still await the remote backend.
func (o *Outbox) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_ops`).Scan(&count)
	return count, err
}

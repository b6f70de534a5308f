package ledger

import (
	"context"
	"database/sql"
	stderr "errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/storeroute/storeroute/internal/task"
	"github.com/storeroute/storeroute/pkg/errors"
)

// Schema is the table PostgresLedger writes.
const Schema = `
CREATE TABLE IF NOT EXISTS task_ledger (
	task_key   TEXT PRIMARY KEY,
	task_type  TEXT NOT NULL,
	state      TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// PostgresLedger stores records in PostgreSQL. Each change runs in its
// own transaction holding a row lock on the key.
type PostgresLedger struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresLedger creates a ledger over db. Every statement runs under
// timeout when it is positive.
func NewPostgresLedger(db *sql.DB, timeout time.Duration) *PostgresLedger {
	return &PostgresLedger{db: db, timeout: timeout}
}

// Migrate creates the ledger table when it does not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	ctx, cancel := l.queryContext(ctx)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, Schema); err != nil {
		return classify(ctx, err, "migrate ledger")
	}
	return nil
}

func (l *PostgresLedger) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout > 0 {
		return context.WithTimeout(ctx, l.timeout)
	}
	return context.WithCancel(ctx)
}

const selectRecord = `SELECT task_key, task_type, state, attempts, last_error, created_at, updated_at
	FROM task_ledger WHERE task_key = $1`

func scanRecord(row *sql.Row) (Record, bool, error) {
	var (
		rec   Record
		state string
	)
	err := row.Scan(&rec.Key, &rec.Type, &state, &rec.Attempts, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	rec.State = task.State(state)
	return rec, true, nil
}

func (l *PostgresLedger) apply(ctx context.Context, key string, m mutation) (Record, error) {
	ctx, cancel := l.queryContext(ctx)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, classify(ctx, err, "begin ledger transaction")
	}
	defer tx.Rollback()

	rec, found, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` FOR UPDATE`, key))
	if err != nil {
		return Record{}, classify(ctx, err, "read ledger record")
	}

	next, changed, err := m(rec, found, time.Now().UTC())
	if err != nil {
		return Record{}, err
	}
	if !changed {
		return next, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_ledger (task_key, task_type, state, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_key) DO UPDATE SET
			state = EXCLUDED.state,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`,
		next.Key, next.Type, string(next.State), next.Attempts, next.LastError, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return Record{}, classify(ctx, err, "write ledger record")
	}
	if err := tx.Commit(); err != nil {
		return Record{}, classify(ctx, err, "commit ledger record")
	}
	return next, nil
}

// Record implements Ledger.
func (l *PostgresLedger) Record(ctx context.Context, key, taskType string, state task.State) error {
	_, err := l.apply(ctx, key, recordState(key, taskType, state))
	return err
}

// Begin implements Ledger.
func (l *PostgresLedger) Begin(ctx context.Context, key, taskType string) (*Record, error) {
	rec, err := l.apply(ctx, key, begin(key, taskType))
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Complete implements Ledger.
func (l *PostgresLedger) Complete(ctx context.Context, key string) error {
	_, err := l.apply(ctx, key, finish(key, task.StateComplete, ""))
	return err
}

// Fail implements Ledger.
func (l *PostgresLedger) Fail(ctx context.Context, key, reason string) error {
	_, err := l.apply(ctx, key, finish(key, task.StateFailed, reason))
	return err
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, key string) (*Record, error) {
	ctx, cancel := l.queryContext(ctx)
	defer cancel()

	rec, found, err := scanRecord(l.db.QueryRowContext(ctx, selectRecord, key))
	if err != nil {
		return nil, classify(ctx, err, "read ledger record")
	}
	if !found {
		return nil, notFound(key)
	}
	return &rec, nil
}

func classify(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil || stderr.Is(err, context.DeadlineExceeded) || stderr.Is(err, context.Canceled) {
		if ctxErr == nil {
			ctxErr = err
		}
		return errors.FromContext(ctxErr, op).WithComponent("ledger")
	}
	return errors.Wrap(err, errors.ErrCodeRepositoryFailure, op).WithComponent("ledger")
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
	"github.com/EdwinShiels/TheRegiment/pkg/store"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db      *sql.DB
	dialect store.Dialect
	clock   func() time.Time
}

func NewSQLLedger(db *sql.DB, dialect store.Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_records (
	client_id TEXT NOT NULL,
	task TEXT NOT NULL,
	task_date TEXT NOT NULL,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	leased_until TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (client_id, task, task_date)
)`

func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

func (l *SQLLedger) Claim(ctx context.Context, key contracts.TaskKey, lease time.Duration) (contracts.DispatchRecord, error) {
	now := l.clock().UTC()
	until := store.FormatTime(now.Add(lease))
	ts := store.FormatTime(now)

	insert := l.dialect.Rebind(`
		INSERT INTO dispatch_records (client_id, task, task_date, state, attempts, leased_until, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', 0, ?, ?, ?)
		ON CONFLICT (client_id, task, task_date) DO NOTHING
	`)
	res, err := l.db.ExecContext(ctx, insert, key.ClientID, key.Task, key.Date.String(), until, ts, ts)
	if err != nil {
		return contracts.DispatchRecord{}, &contracts.PersistenceError{Op: "claim " + key.String(), Err: err}
	}
	if claimed, err := affected(res); err != nil {
		return contracts.DispatchRecord{}, err
	} else if claimed {
		return contracts.DispatchRecord{
			Key: key, State: contracts.DispatchPending, LeasedUntil: now.Add(lease), CreatedAt: now, UpdatedAt: now,
		}, nil
	}

	// Key exists: take it over only if non-terminal and the lease lapsed.
	reclaim := l.dialect.Rebind(`
		UPDATE dispatch_records
		SET leased_until = ?, updated_at = ?
		WHERE client_id = ? AND task = ? AND task_date = ?
		  AND state IN ('PENDING', 'FAILED') AND leased_until < ?
	`)
	res, err = l.db.ExecContext(ctx, reclaim, until, ts, key.ClientID, key.Task, key.Date.String(), ts)
	if err != nil {
		return contracts.DispatchRecord{}, &contracts.PersistenceError{Op: "reclaim " + key.String(), Err: err}
	}
	claimed, err := affected(res)
	if err != nil {
		return contracts.DispatchRecord{}, err
	}
	rec, err := l.Get(ctx, key)
	if err != nil {
		return contracts.DispatchRecord{}, err
	}
	if claimed {
		return rec, nil
	}
	if rec.State.Terminal() {
		return rec, fmt.Errorf("dispatch %s is %s: %w", key, rec.State, contracts.ErrConflict)
	}
	return rec, fmt.Errorf("dispatch %s: %w", key, contracts.ErrLeaseHeld)
}

func (l *SQLLedger) MarkSent(ctx context.Context, key contracts.TaskKey, attempts int) error {
	now := store.FormatTime(l.clock())
	return l.transition(ctx, key, `state = 'SENT', attempts = ?, last_attempt_at = ?, last_error = '', updated_at = ?`,
		attempts, now, now)
}

func (l *SQLLedger) MarkFailed(ctx context.Context, key contracts.TaskKey, attempts int, cause string, retryAt time.Time) error {
	now := store.FormatTime(l.clock())
	return l.transition(ctx, key, `state = 'FAILED', attempts = ?, last_attempt_at = ?, last_error = ?, leased_until = ?, updated_at = ?`,
		attempts, now, cause, store.FormatTime(retryAt), now)
}

func (l *SQLLedger) MarkExhausted(ctx context.Context, key contracts.TaskKey, attempts int, cause string) error {
	now := store.FormatTime(l.clock())
	return l.transition(ctx, key, `state = 'EXHAUSTED', attempts = ?, last_attempt_at = ?, last_error = ?, updated_at = ?`,
		attempts, now, cause, now)
}

func (l *SQLLedger) Release(ctx context.Context, key contracts.TaskKey) error {
	return l.transition(ctx, key, `leased_until = '', updated_at = ?`, store.FormatTime(l.clock()))
}

// transition applies set to a non-terminal record. The state guard in the
// WHERE clause is what stops a second SENT for the same key.
func (l *SQLLedger) transition(ctx context.Context, key contracts.TaskKey, set string, args ...any) error {
	query := l.dialect.Rebind(`UPDATE dispatch_records SET ` + set + `
		WHERE client_id = ? AND task = ? AND task_date = ? AND state IN ('PENDING', 'FAILED')`)
	args = append(args, key.ClientID, key.Task, key.Date.String())
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &contracts.PersistenceError{Op: "update " + key.String(), Err: err}
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dispatch %s not in a transitionable state: %w", key, contracts.ErrConflict)
	}
	return nil
}

const recordColumns = `client_id, task, task_date, state, attempts, last_attempt_at, last_error, leased_until, created_at, updated_at`

func (l *SQLLedger) Get(ctx context.Context, key contracts.TaskKey) (contracts.DispatchRecord, error) {
	query := l.dialect.Rebind(`SELECT ` + recordColumns + ` FROM dispatch_records WHERE client_id = ? AND task = ? AND task_date = ?`)
	rec, err := scanRecord(l.db.QueryRowContext(ctx, query, key.ClientID, key.Task, key.Date.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.DispatchRecord{}, fmt.Errorf("dispatch %s: %w", key, contracts.ErrNotFound)
		}
		return contracts.DispatchRecord{}, &contracts.PersistenceError{Op: "get " + key.String(), Err: err}
	}
	return rec, nil
}

func (l *SQLLedger) ListAll(ctx context.Context) ([]contracts.DispatchRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM dispatch_records ORDER BY client_id, task, task_date`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]contracts.DispatchRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (contracts.DispatchRecord, error) {
	var (
		rec                                   contracts.DispatchRecord
		date, state, lastAttempt, leasedUntil string
		createdAt, updatedAt                  string
	)
	err := row.Scan(&rec.Key.ClientID, &rec.Key.Task, &date, &state, &rec.Attempts,
		&lastAttempt, &rec.LastError, &leasedUntil, &createdAt, &updatedAt)
	if err != nil {
		return contracts.DispatchRecord{}, err
	}
	rec.State = contracts.DispatchState(state)
	if rec.Key.Date, err = contracts.ParseDate(date); err != nil {
		return contracts.DispatchRecord{}, err
	}
	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&rec.LastAttemptAt, lastAttempt},
		{&rec.LeasedUntil, leasedUntil},
		{&rec.CreatedAt, createdAt},
		{&rec.UpdatedAt, updatedAt},
	} {
		if *f.dst, err = store.ParseTime(f.src); err != nil {
			return contracts.DispatchRecord{}, err
		}
	}
	return rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

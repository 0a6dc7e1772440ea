package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// SQLStore implements Store over database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// WithClock overrides the clock used to stamp recorded_at.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		tz_offset TEXT NOT NULL,
		paused BOOLEAN NOT NULL DEFAULT FALSE,
		start_date TEXT NOT NULL,
		cycle_start_date TEXT NOT NULL DEFAULT '',
		training_days TEXT NOT NULL DEFAULT '[]',
		targets TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		entry_date TEXT NOT NULL,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		payload TEXT,
		finalized BOOLEAN NOT NULL,
		final_key TEXT UNIQUE,
		reason TEXT NOT NULL DEFAULT '',
		recorded_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS log_entries_client_date ON log_entries (client_id, entry_date)`,
	`CREATE TABLE IF NOT EXISTS weekly_flags (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		week_ending TEXT NOT NULL,
		ts TEXT NOT NULL,
		flags TEXT NOT NULL,
		summary TEXT NOT NULL,
		action TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (client_id, week_ending)
	)`,
	`CREATE TABLE IF NOT EXISTS escalation_state (
		client_id TEXT PRIMARY KEY,
		streak_count INTEGER NOT NULL,
		private_warnings_sent INTEGER NOT NULL,
		warning_latched BOOLEAN NOT NULL,
		refeed_blocked BOOLEAN NOT NULL,
		public_callout_triggered BOOLEAN NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	)`,
}

// Init creates the schema if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) PutClient(ctx context.Context, c contracts.ClientProfile) error {
	days, err := json.Marshal(nonNilDays(c.TrainingDays))
	if err != nil {
		return err
	}
	targets, err := json.Marshal(nonNilTargets(c.Targets))
	if err != nil {
		return err
	}
	cycle := ""
	if !c.CycleStartDate.IsZero() {
		cycle = c.CycleStartDate.String()
	}
	query := s.dialect.Rebind(`
		INSERT INTO clients (id, goal, tz_offset, paused, start_date, cycle_start_date, training_days, targets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			goal = excluded.goal,
			tz_offset = excluded.tz_offset,
			paused = excluded.paused,
			start_date = excluded.start_date,
			cycle_start_date = excluded.cycle_start_date,
			training_days = excluded.training_days,
			targets = excluded.targets,
			updated_at = excluded.updated_at
	`)
	_, err = s.db.ExecContext(ctx, query,
		c.ID, string(c.Goal), c.Offset.String(), c.Paused, c.StartDate.String(), cycle,
		string(days), string(targets), FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt),
	)
	if err != nil {
		return &contracts.PersistenceError{Op: "put client", Err: err}
	}
	return nil
}

const clientColumns = `id, goal, tz_offset, paused, start_date, cycle_start_date, training_days, targets, created_at, updated_at`

func (s *SQLStore) GetClient(ctx context.Context, id string) (contracts.ClientProfile, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+clientColumns+` FROM clients WHERE id = ?`), id)
	c, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.ClientProfile{}, fmt.Errorf("client %s: %w", id, contracts.ErrNotFound)
		}
		return contracts.ClientProfile{}, err
	}
	return c, nil
}

func (s *SQLStore) ListClients(ctx context.Context) ([]contracts.ClientProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "list clients", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ClientProfile
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanClient(row scanner) (contracts.ClientProfile, error) {
	var (
		c                                   contracts.ClientProfile
		goal, offset, start, cycle          string
		days, targets, createdAt, updatedAt string
	)
	if err := row.Scan(&c.ID, &goal, &offset, &c.Paused, &start, &cycle, &days, &targets, &createdAt, &updatedAt); err != nil {
		return contracts.ClientProfile{}, err
	}
	var err error
	c.Goal = contracts.Goal(goal)
	if c.Offset, err = contracts.ParseOffset(offset); err != nil {
		return contracts.ClientProfile{}, fmt.Errorf("client %s: %w", c.ID, err)
	}
	if c.StartDate, err = contracts.ParseDate(start); err != nil {
		return contracts.ClientProfile{}, fmt.Errorf("client %s: %w", c.ID, err)
	}
	if cycle != "" {
		if c.CycleStartDate, err = contracts.ParseDate(cycle); err != nil {
			return contracts.ClientProfile{}, fmt.Errorf("client %s: %w", c.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(days), &c.TrainingDays); err != nil {
		return contracts.ClientProfile{}, fmt.Errorf("client %s: corrupt training_days: %w", c.ID, err)
	}
	if len(c.TrainingDays) == 0 {
		c.TrainingDays = nil
	}
	if err := json.Unmarshal([]byte(targets), &c.Targets); err != nil {
		return contracts.ClientProfile{}, fmt.Errorf("client %s: corrupt targets: %w", c.ID, err)
	}
	if len(c.Targets) == 0 {
		c.Targets = nil
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return contracts.ClientProfile{}, err
	}
	if c.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return contracts.ClientProfile{}, err
	}
	return c, nil
}

func (s *SQLStore) Finalize(ctx context.Context, e contracts.LogEntry) (contracts.LogEntry, error) {
	e.Finalized = true
	e.RecordedAt = s.clock().UTC()
	key := finalKey(e.ClientID, e.Kind, e.Date)
	n, err := s.insertEntry(ctx, e, sql.NullString{String: key, Valid: true})
	if err != nil {
		return contracts.LogEntry{}, &contracts.PersistenceError{Op: "finalize log entry", Err: err}
	}
	if n == 0 {
		return contracts.LogEntry{}, fmt.Errorf("log entry %s: %w", key, contracts.ErrConflict)
	}
	return e, nil
}

func (s *SQLStore) AppendRejected(ctx context.Context, e contracts.LogEntry) error {
	e.Finalized = false
	e.Status = contracts.StatusRejected
	e.RecordedAt = s.clock().UTC()
	if _, err := s.insertEntry(ctx, e, sql.NullString{}); err != nil {
		return &contracts.PersistenceError{Op: "append rejected entry", Err: err}
	}
	return nil
}

func (s *SQLStore) insertEntry(ctx context.Context, e contracts.LogEntry, key sql.NullString) (int64, error) {
	payload, err := contracts.EncodePayload(e.Payload)
	if err != nil {
		return 0, err
	}
	query := s.dialect.Rebind(`
		INSERT INTO log_entries (id, client_id, entry_date, ts, kind, status, payload, finalized, final_key, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (final_key) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		e.ID, e.ClientID, e.Date.String(), FormatTime(e.Timestamp), string(e.Kind), string(e.Status),
		string(payload), e.Finalized, key, e.Reason, FormatTime(e.RecordedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const entryColumns = `id, client_id, entry_date, ts, kind, status, payload, finalized, reason, recorded_at`

func (s *SQLStore) GetFinal(ctx context.Context, clientID string, kind contracts.Kind, date contracts.Date) (contracts.LogEntry, error) {
	key := finalKey(clientID, kind, date)
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+entryColumns+` FROM log_entries WHERE final_key = ?`), key)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.LogEntry{}, fmt.Errorf("log entry %s: %w", key, contracts.ErrNotFound)
		}
		return contracts.LogEntry{}, &contracts.PersistenceError{Op: "get log entry", Err: err}
	}
	return e, nil
}

func (s *SQLStore) ListFinal(ctx context.Context, clientID string, from, to contracts.Date, asOf time.Time) ([]contracts.LogEntry, error) {
	query := s.dialect.Rebind(`SELECT ` + entryColumns + ` FROM log_entries
		WHERE client_id = ? AND finalized = ? AND entry_date >= ? AND entry_date <= ? AND recorded_at <= ?
		ORDER BY entry_date, kind`)
	return s.queryEntries(ctx, query, clientID, true, from.String(), to.String(), FormatTime(asOf))
}

func (s *SQLStore) ListRejected(ctx context.Context, clientID string) ([]contracts.LogEntry, error) {
	query := s.dialect.Rebind(`SELECT ` + entryColumns + ` FROM log_entries
		WHERE client_id = ? AND finalized = ? ORDER BY recorded_at`)
	return s.queryEntries(ctx, query, clientID, false)
}

func (s *SQLStore) queryEntries(ctx context.Context, query string, args ...any) ([]contracts.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "list log entries", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// scanEntry decodes one row. A payload that no longer decodes marks the
// entry Malformed instead of failing the whole listing.
func scanEntry(row scanner) (contracts.LogEntry, error) {
	var (
		e                      contracts.LogEntry
		date, ts, kind, status string
		recordedAt             string
		payload                sql.NullString
	)
	if err := row.Scan(&e.ID, &e.ClientID, &date, &ts, &kind, &status, &payload, &e.Finalized, &e.Reason, &recordedAt); err != nil {
		return contracts.LogEntry{}, err
	}
	var err error
	if e.Date, err = contracts.ParseDate(date); err != nil {
		return contracts.LogEntry{}, err
	}
	if e.Timestamp, err = ParseTime(ts); err != nil {
		return contracts.LogEntry{}, err
	}
	if e.RecordedAt, err = ParseTime(recordedAt); err != nil {
		return contracts.LogEntry{}, err
	}
	e.Kind = contracts.Kind(kind)
	e.Status = contracts.Status(status)
	if payload.Valid {
		p, err := contracts.DecodePayload(e.Kind, []byte(payload.String))
		if err != nil {
			e.Malformed = true
		} else {
			e.Payload = p
		}
	}
	return e, nil
}

func (s *SQLStore) PutWeekly(ctx context.Context, r contracts.WeeklyFlagRecord) error {
	flags, err := json.Marshal(r.Flags)
	if err != nil {
		return err
	}
	query := s.dialect.Rebind(`
		INSERT INTO weekly_flags (id, client_id, week_ending, ts, flags, summary, action, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, week_ending) DO NOTHING
	`)
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.ClientID, r.WeekEnding.String(), FormatTime(r.Timestamp), string(flags), r.Summary, string(r.Action), r.Resolved,
	)
	if err != nil {
		return &contracts.PersistenceError{Op: "put job card", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job card %s/%s: %w", r.ClientID, r.WeekEnding, contracts.ErrConflict)
	}
	return nil
}

const weeklyColumns = `id, client_id, week_ending, ts, flags, summary, action, resolved`

func (s *SQLStore) GetWeekly(ctx context.Context, id string) (contracts.WeeklyFlagRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+weeklyColumns+` FROM weekly_flags WHERE id = ?`), id)
	r, err := scanWeekly(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.WeeklyFlagRecord{}, fmt.Errorf("job card %s: %w", id, contracts.ErrNotFound)
		}
		return contracts.WeeklyFlagRecord{}, err
	}
	return r, nil
}

func (s *SQLStore) ListWeekly(ctx context.Context, clientID string) ([]contracts.WeeklyFlagRecord, error) {
	query := `SELECT ` + weeklyColumns + ` FROM weekly_flags`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY week_ending DESC, client_id`

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, &contracts.PersistenceError{Op: "list job cards", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.WeeklyFlagRecord
	for rows.Next() {
		r, err := scanWeekly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanWeekly(row scanner) (contracts.WeeklyFlagRecord, error) {
	var (
		r                       contracts.WeeklyFlagRecord
		week, ts, flags, action string
	)
	if err := row.Scan(&r.ID, &r.ClientID, &week, &ts, &flags, &r.Summary, &action, &r.Resolved); err != nil {
		return contracts.WeeklyFlagRecord{}, err
	}
	var err error
	if r.WeekEnding, err = contracts.ParseDate(week); err != nil {
		return contracts.WeeklyFlagRecord{}, err
	}
	if r.Timestamp, err = ParseTime(ts); err != nil {
		return contracts.WeeklyFlagRecord{}, err
	}
	if err := json.Unmarshal([]byte(flags), &r.Flags); err != nil {
		r.Flags = []contracts.Flag{contracts.FlagParseError}
	}
	r.Action = contracts.Action(action)
	return r, nil
}

func (s *SQLStore) SetResolved(ctx context.Context, id string, resolved bool) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`UPDATE weekly_flags SET resolved = ? WHERE id = ?`), resolved, id)
	if err != nil {
		return &contracts.PersistenceError{Op: "resolve job card", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job card %s: %w", id, contracts.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetEscalation(ctx context.Context, clientID string) (contracts.EscalationState, error) {
	query := s.dialect.Rebind(`
		SELECT client_id, streak_count, private_warnings_sent, warning_latched, refeed_blocked, public_callout_triggered, updated_at, version
		FROM escalation_state WHERE client_id = ?`)
	var (
		st        contracts.EscalationState
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&st.ClientID, &st.StreakCount, &st.PrivateWarningsSent, &st.WarningLatched,
		&st.RefeedBlocked, &st.PublicCalloutTriggered, &updatedAt, &st.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.EscalationState{ClientID: clientID}, nil
		}
		return contracts.EscalationState{}, &contracts.PersistenceError{Op: "get escalation", Err: err}
	}
	if st.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return contracts.EscalationState{}, err
	}
	return st, nil
}

func (s *SQLStore) PutEscalation(ctx context.Context, st contracts.EscalationState) error {
	// the first write inserts at version 1; later writes compare and bump
	var query string
	args := []any{
		st.StreakCount, st.PrivateWarningsSent, st.WarningLatched,
		st.RefeedBlocked, st.PublicCalloutTriggered, FormatTime(st.UpdatedAt),
	}
	if st.Version == 0 {
		query = s.dialect.Rebind(`
			INSERT INTO escalation_state (streak_count, private_warnings_sent, warning_latched, refeed_blocked, public_callout_triggered, updated_at, client_id, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (client_id) DO NOTHING
		`)
		args = append(args, st.ClientID)
	} else {
		query = s.dialect.Rebind(`
			UPDATE escalation_state SET
				streak_count = ?, private_warnings_sent = ?, warning_latched = ?,
				refeed_blocked = ?, public_callout_triggered = ?, updated_at = ?,
				version = version + 1
			WHERE client_id = ? AND version = ?
		`)
		args = append(args, st.ClientID, st.Version)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &contracts.PersistenceError{Op: "put escalation", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &contracts.PersistenceError{Op: "put escalation", Err: err}
	}
	if n == 0 {
		return fmt.Errorf("escalation %s changed since version %d: %w", st.ClientID, st.Version, contracts.ErrConflict)
	}
	return nil
}

func nonNilDays(d []int) []int {
	if d == nil {
		return []int{}
	}
	return d
}

func nonNilTargets(t map[contracts.Kind]int) map[contracts.Kind]int {
	if t == nil {
		return map[contracts.Kind]int{}
	}
	return t
}

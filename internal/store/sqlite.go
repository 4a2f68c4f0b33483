package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tweakengine/internal/clock"
)

// DefaultBusyTimeout is how long a connection waits for another process's
// write lock before failing.
const DefaultBusyTimeout = 5 * time.Second

var (
	// ErrEntryNotFound is returned when an update targets a missing history entry.
	ErrEntryNotFound = errors.New("store: history entry not found")

	// ErrNotApplying is returned when a snapshot is offered for an entry that
	// has left the applying state, usually because another process
	// recovered it.
	ErrNotApplying = errors.New("store: history entry is not applying")
)

// Options configures a Store.
type Options struct {
	BusyTimeout time.Duration
	Clock       clock.Clock
}

// Store is the SQLite history store.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Open opens or creates the SQLite database at the given path and runs migrations.
//
// Every transaction starts with BEGIN IMMEDIATE, so a read-then-write of a
// history row holds the database write lock from the first read.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=%d",
		path, timeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// History contains registry values and service settings of the host.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return New(db, opts), nil
}

// New wraps an already migrated database handle.
func New(db *sql.DB, opts Options) *Store {
	c := opts.Clock
	if c == nil {
		c = clock.System()
	}
	return &Store{db: db, clock: c}
}

// DB exposes the underlying handle for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const entryColumns = `id, tweak_id, tweak_base, created_at, updated_at, verified_at, reverted_at,
	status, error_message, schema_version, action_count, definition_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*HistoryEntry, error) {
	var e HistoryEntry
	var createdAt, updatedAt int64
	var verifiedAt, revertedAt *int64
	var status string
	var errMsg sql.NullString

	err := row.Scan(&e.ID, &e.TweakID, &e.TweakBase, &createdAt, &updatedAt, &verifiedAt, &revertedAt,
		&status, &errMsg, &e.SchemaVersion, &e.ActionCount, &e.Definition)
	if err != nil {
		return nil, err
	}

	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.VerifiedAt = optionalTime(verifiedAt)
	e.RevertedAt = optionalTime(revertedAt)
	e.Status = ParseStatus(status)
	e.ErrorMessage = errMsg.String
	return &e, nil
}

func getEntry(ctx context.Context, q querier, where string, args ...any) (*HistoryEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM tweak_history WHERE "+where+" ORDER BY id DESC LIMIT 1", args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func listEntries(ctx context.Context, q querier, query string, args ...any) ([]HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// NewEntry describes a history entry about to be created.
type NewEntry struct {
	TweakID       string
	TweakBase     string
	SchemaVersion int
	ActionCount   int
	Definition    []byte
}

// CreateEntry inserts a history entry in the defined state.
func (s *Store) CreateEntry(ctx context.Context, n NewEntry) (*HistoryEntry, error) {
	var e *HistoryEntry
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		e, err = tx.CreateEntry(ctx, n)
		return err
	})
	return e, err
}

// GetEntry retrieves a history entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*HistoryEntry, error) {
	e, err := getEntry(ctx, s.db, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	return e, nil
}

// LatestEntry returns the most recent entry for an exact tweak id.
func (s *Store) LatestEntry(ctx context.Context, tweakID string) (*HistoryEntry, error) {
	e, err := getEntry(ctx, s.db, "tweak_id = ?", tweakID)
	if err != nil {
		return nil, fmt.Errorf("get latest entry: %w", err)
	}
	return e, nil
}

// LatestEntryByBase returns the most recent entry for any version of base.
func (s *Store) LatestEntryByBase(ctx context.Context, base string) (*HistoryEntry, error) {
	e, err := getEntry(ctx, s.db, "tweak_base = ?", base)
	if err != nil {
		return nil, fmt.Errorf("get latest entry by base: %w", err)
	}
	return e, nil
}

// ListEntries returns matching entries, newest first.
func (s *Store) ListEntries(ctx context.Context, f Filter) ([]HistoryEntry, error) {
	var where []string
	var args []any

	if f.TweakID != "" {
		where = append(where, "tweak_id = ?")
		args = append(args, f.TweakID)
	}
	if f.Base != "" {
		where = append(where, "tweak_base = ?")
		args = append(args, f.Base)
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		where = append(where, "status IN ("+marks+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := "SELECT " + entryColumns + " FROM tweak_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	entries, err := listEntries(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history entries: %w", err)
	}
	return entries, nil
}

// ActiveEntries returns every entry currently holding its base id.
func (s *Store) ActiveEntries(ctx context.Context) ([]HistoryEntry, error) {
	return s.ListEntries(ctx, Filter{Statuses: ActiveStatuses})
}

func activeQuery() (string, []any) {
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ActiveStatuses)), ",")
	args := make([]any, len(ActiveStatuses))
	for i, st := range ActiveStatuses {
		args[i] = string(st)
	}
	return "SELECT " + entryColumns + " FROM tweak_history WHERE status IN (" + marks + ") ORDER BY id DESC", args
}

// InsertSnapshot durably records the pre-mutation state of the next action of
// an entry. The snapshot is committed before this returns. The entry must
// still be applying when the write lock is taken; otherwise the error wraps
// ErrNotApplying and nothing is written.
func (s *Store) InsertSnapshot(ctx context.Context, historyID int64, actionType string, metadata []byte) (*SnapshotRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := (&Tx{tx: tx, clock: s.clock}).Status(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if st != StatusApplying {
		return nil, fmt.Errorf("%w: entry %d is %s", ErrNotApplying, historyID, st)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), -1) + 1 FROM snapshots WHERE history_id = ?", historyID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next snapshot sequence: %w", err)
	}

	now := s.clock.Now()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (history_id, sequence, action_type, metadata, captured_at)
		VALUES (?, ?, ?, ?, ?)`,
		historyID, seq, actionType, metadata, nanos(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE tweak_history SET updated_at = ? WHERE id = ?", nanos(now), historyID); err != nil {
		return nil, fmt.Errorf("touch history entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &SnapshotRecord{
		ID:         id,
		HistoryID:  historyID,
		Sequence:   seq,
		ActionType: actionType,
		Metadata:   metadata,
		CapturedAt: fromNanos(nanos(now)),
	}, nil
}

// Snapshots returns an entry's snapshots in capture order.
func (s *Store) Snapshots(ctx context.Context, historyID int64) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, history_id, sequence, action_type, metadata, captured_at
		FROM snapshots WHERE history_id = ? ORDER BY sequence`, historyID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var capturedAt int64
		if err := rows.Scan(&r.ID, &r.HistoryID, &r.Sequence, &r.ActionType, &r.Metadata, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		r.CapturedAt = fromNanos(capturedAt)
		snaps = append(snaps, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return snaps, nil
}

// SnapshotCount returns how many snapshots an entry holds.
func (s *Store) SnapshotCount(ctx context.Context, historyID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots WHERE history_id = ?", historyID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// InsertEvent records an engine event and returns its ID.
func (s *Store) InsertEvent(ctx context.Context, e *EventRecord) (int64, error) {
	var historyID sql.NullInt64
	if e.HistoryID != 0 {
		historyID = sql.NullInt64{Int64: e.HistoryID, Valid: true}
	}
	var errMsg sql.NullString
	if e.Error != "" {
		errMsg = sql.NullString{String: e.Error, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, name, tweak_id, history_id, result, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Name, e.TweakID, historyID, e.Result, errMsg, nanos(e.At),
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// Events returns recorded events, newest first. An empty tweakID matches all.
func (s *Store) Events(ctx context.Context, tweakID string, limit int) ([]EventRecord, error) {
	query := "SELECT id, run_id, name, tweak_id, history_id, result, error, at FROM events"
	var args []any
	if tweakID != "" {
		query += " WHERE tweak_id = ?"
		args = append(args, tweakID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		var historyID sql.NullInt64
		var errMsg sql.NullString
		var at int64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Name, &e.TweakID, &historyID, &e.Result, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.HistoryID = historyID.Int64
		e.Error = errMsg.String
		e.At = fromNanos(at)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// Tx is a write transaction holding the database lock.
type Tx struct {
	tx    *sql.Tx
	clock clock.Clock
}

// WithTx runs fn inside one immediate transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, clock: s.clock}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Entry re-reads a history entry inside the transaction.
func (t *Tx) Entry(ctx context.Context, id int64) (*HistoryEntry, error) {
	e, err := getEntry(ctx, t.tx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("get history entry: %w", err)
	}
	return e, nil
}

// CreateEntry inserts a history entry in the defined state and returns the
// row as stored.
func (t *Tx) CreateEntry(ctx context.Context, n NewEntry) (*HistoryEntry, error) {
	now := nanos(t.clock.Now())
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO tweak_history (tweak_id, tweak_base, created_at, updated_at, status, schema_version, action_count, definition_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.TweakID, n.TweakBase, now, now, string(StatusDefined), n.SchemaVersion, n.ActionCount, n.Definition,
	)
	if err != nil {
		return nil, fmt.Errorf("insert history entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}
	e, err := t.Entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// ActiveEntries is Store.ActiveEntries under the transaction's lock.
func (t *Tx) ActiveEntries(ctx context.Context) ([]HistoryEntry, error) {
	query, args := activeQuery()
	entries, err := listEntries(ctx, t.tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active entries: %w", err)
	}
	return entries, nil
}

// Status reads the current status of an entry.
func (t *Tx) Status(ctx context.Context, id int64) (Status, error) {
	var status string
	err := t.tx.QueryRowContext(ctx, "SELECT status FROM tweak_history WHERE id = ?", id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrEntryNotFound
		}
		return "", fmt.Errorf("get status: %w", err)
	}
	return ParseStatus(status), nil
}

// UpdateStatus writes a status change and its accompanying fields.
func (t *Tx) UpdateStatus(ctx context.Context, id int64, u StatusUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(u.Status), nanos(u.At)}

	if u.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.Error)
	}
	if u.VerifiedAt != nil {
		sets = append(sets, "verified_at = ?")
		args = append(args, nanos(*u.VerifiedAt))
	}
	if u.RevertedAt != nil {
		sets = append(sets, "reverted_at = ?")
		args = append(args, nanos(*u.RevertedAt))
	}
	args = append(args, id)

	result, err := t.tx.ExecContext(ctx,
		"UPDATE tweak_history SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// DeleteSnapshots removes every snapshot of an entry.
func (t *Tx) DeleteSnapshots(ctx context.Context, historyID int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx, "DELETE FROM snapshots WHERE history_id = ?", historyID)
	if err != nil {
		return 0, fmt.Errorf("delete snapshots: %w", err)
	}
	return result.RowsAffected()
}

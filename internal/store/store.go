// Package store manages the SQLite database holding calendar accounts, the
// internal CRM activity records, their linkage metadata, and the persisted
// sync settings snapshot.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/crmsync/calendarsync/internal/model"
	"github.com/crmsync/calendarsync/internal/window"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_accounts (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT    NOT NULL,
    name                 TEXT    NOT NULL,
    source               TEXT    NOT NULL,
    external_calendar_id TEXT    NOT NULL DEFAULT '',
    credentials          TEXT    NOT NULL DEFAULT '',
    enabled              INTEGER NOT NULL DEFAULT 1,
    deleted              INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS calendar_events (
    id               TEXT PRIMARY KEY,
    account_id       TEXT    NOT NULL,
    assigned_user_id TEXT    NOT NULL DEFAULT '',
    module           TEXT    NOT NULL,
    name             TEXT    NOT NULL,
    description      TEXT    NOT NULL DEFAULT '',
    location         TEXT    NOT NULL DEFAULT '',
    date_start       TEXT    NOT NULL DEFAULT '',
    date_end         TEXT    NOT NULL DEFAULT '',
    date_due         TEXT    NOT NULL DEFAULT '',
    duration_hours   INTEGER NOT NULL DEFAULT 0,
    duration_minutes INTEGER NOT NULL DEFAULT 0,
    date_modified    TEXT    NOT NULL DEFAULT '',
    linked_event_id  TEXT    NOT NULL DEFAULT '',
    last_sync        TEXT    NOT NULL DEFAULT '',
    deleted          INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_account ON calendar_events (account_id);
CREATE INDEX IF NOT EXISTS idx_events_start   ON calendar_events (date_start);
CREATE INDEX IF NOT EXISTS idx_events_linked  ON calendar_events (linked_event_id) ;

CREATE TABLE IF NOT EXISTS sync_settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path:
// ~/.local/share/calendarsync/calendarsync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calendarsync", "calendarsync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- accounts ----------------------------------------------------------------

const accountColumns = `id, user_id, name, source, external_calendar_id, credentials, enabled, deleted`

// Account returns the account with the given id, or (nil, nil) when no such
// account exists.
func (s *Store) Account(ctx context.Context, id string) (*model.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM calendar_accounts WHERE id = ?`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanAccount(row)
}

// EnabledAccounts returns up to limit enabled, non-deleted accounts in
// stable id order. Zero limit means no cap.
func (s *Store) EnabledAccounts(ctx context.Context, limit int) ([]model.Account, error) {
	q := `SELECT ` + accountColumns + `
	      FROM calendar_accounts WHERE enabled = 1 AND deleted = 0 ORDER BY id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enabled accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// UpsertAccount inserts or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, acct model.Account) error {
	const q = `
		INSERT INTO calendar_accounts
		    (id, user_id, name, source, external_calendar_id, credentials, enabled, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    user_id              = excluded.user_id,
		    name                 = excluded.name,
		    source               = excluded.source,
		    external_calendar_id = excluded.external_calendar_id,
		    credentials          = excluded.credentials,
		    enabled              = excluded.enabled,
		    deleted              = excluded.deleted`

	_, err := s.db.ExecContext(ctx, q,
		acct.ID, acct.UserID, acct.Name, acct.Source,
		acct.ExternalCalendarID, acct.Credentials,
		boolInt(acct.Enabled), boolInt(acct.Deleted),
	)
	if err != nil {
		return fmt.Errorf("upserting account %q: %w", acct.ID, err)
	}
	return nil
}

// --- events ------------------------------------------------------------------

const eventColumns = `id, account_id, assigned_user_id, module, name, description, location,
       date_start, date_end, date_due, duration_hours, duration_minutes,
       date_modified, linked_event_id, last_sync`

// EventsInWindow returns the account's non-deleted events whose start falls
// inside the window, in stable (start, id) order, honouring the window's row
// limit. Rows pass through [model.FromRecord] so the activity fallbacks
// (task due dates, duration-derived ends) apply uniformly.
func (s *Store) EventsInWindow(ctx context.Context, accountID string, w window.Window) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + `
	      FROM calendar_events
	      WHERE account_id = ? AND deleted = 0 AND date_start >= ? AND date_start <= ?
	      ORDER BY date_start, id`
	args := []any{accountID, formatTime(w.Start), formatTime(w.End)}
	if w.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, w.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events for account %q: %w", accountID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, model.FromRecord(*rec))
	}
	return events, rows.Err()
}

// InsertEvent writes a new internal event row.
func (s *Store) InsertEvent(ctx context.Context, accountID string, ev *model.Event) error {
	const q = `
		INSERT INTO calendar_events
		    (id, account_id, assigned_user_id, module, name, description, location,
		     date_start, date_end, date_modified, linked_event_id, last_sync)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		ev.ID, accountID, ev.AssignedUserID, string(ev.Type),
		ev.Name, ev.Description, ev.Location,
		formatTime(ev.Start), formatTimePtr(ev.End), formatTime(ev.Modified),
		ev.LinkedEventID, formatTime(ev.LastSync),
	)
	if err != nil {
		return fmt.Errorf("inserting event %q: %w", ev.ID, err)
	}
	return nil
}

// UpdateEventContent overwrites the content fields of an existing event and
// advances its modification time. Linkage columns are untouched; those move
// only through SaveLinkage.
func (s *Store) UpdateEventContent(ctx context.Context, id string, ev *model.Event) error {
	const q = `
		UPDATE calendar_events
		SET name = ?, description = ?, location = ?,
		    date_start = ?, date_end = ?, date_modified = ?
		WHERE id = ? AND deleted = 0`

	res, err := s.db.ExecContext(ctx, q,
		ev.Name, ev.Description, ev.Location,
		formatTime(ev.Start), formatTimePtr(ev.End), formatTime(time.Now().UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating event %q: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %q not found", id)
	}
	return nil
}

// DeleteEvent soft-deletes an event row.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	const q = `UPDATE calendar_events SET deleted = 1, date_modified = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, formatTime(time.Now().UTC()), id); err != nil {
		return fmt.Errorf("deleting event %q: %w", id, err)
	}
	return nil
}

// SaveLinkage records the cross-reference to the external counterpart and the
// sync time for an internal event. Called only after the remote write has
// been confirmed, so a crash between the two leaves an unlinked event (safe,
// re-created next run as a duplicate candidate) rather than a linkage
// pointing at nothing.
func (s *Store) SaveLinkage(ctx context.Context, eventID, linkedEventID string, lastSync time.Time) error {
	const q = `UPDATE calendar_events SET linked_event_id = ?, last_sync = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, linkedEventID, formatTime(lastSync), eventID)
	if err != nil {
		return fmt.Errorf("saving linkage for event %q: %w", eventID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("event %q not found", eventID)
	}
	return nil
}

// UnlinkedEvents returns the account's non-deleted events without linkage,
// used by the migration back-fill.
func (s *Store) UnlinkedEvents(ctx context.Context, accountID string, w window.Window) ([]*model.Event, error) {
	events, err := s.EventsInWindow(ctx, accountID, w)
	if err != nil {
		return nil, err
	}
	var unlinked []*model.Event
	for _, ev := range events {
		if ev.LinkedEventID == "" {
			unlinked = append(unlinked, ev)
		}
	}
	return unlinked, nil
}

// --- settings ----------------------------------------------------------------

// LoadSettings returns the persisted settings snapshot.
func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM sync_settings`)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}

// SaveSettings replaces the settings snapshot wholesale inside one
// transaction.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning settings transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_settings`); err != nil {
		return fmt.Errorf("clearing settings: %w", err)
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_settings (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("writing setting %q: %w", k, err)
		}
	}
	return tx.Commit()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so the scan helpers can be
// reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(sc scanner) (*model.Account, error) {
	var acct model.Account
	var enabled, deleted int

	err := sc.Scan(
		&acct.ID, &acct.UserID, &acct.Name, &acct.Source,
		&acct.ExternalCalendarID, &acct.Credentials, &enabled, &deleted,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account row: %w", err)
	}

	acct.Enabled = enabled != 0
	acct.Deleted = deleted != 0
	return &acct, nil
}

func scanRecord(sc scanner) (*model.Record, error) {
	var rec model.Record
	err := sc.Scan(
		&rec.ID, &rec.AccountID, &rec.AssignedUserID, &rec.Module,
		&rec.Name, &rec.Description, &rec.Location,
		&rec.DateStart, &rec.DateEnd, &rec.DateDue,
		&rec.DurationHours, &rec.DurationMinutes,
		&rec.DateModified, &rec.LinkedEventID, &rec.LastSync,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}
	return &rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width UTC so that stored timestamps compare
// chronologically as strings; RFC3339Nano drops trailing zeros and breaks
// lexicographic range queries for fractional seconds.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

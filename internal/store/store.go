package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/leeineian/cadenza/internal/logger"
)

// Status is the processing flag of a cache entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusCorrupt  Status = "corrupt"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Entry is the catalog row for one cached identifier.
type Entry struct {
	ID        string
	Title     string
	Artist    string
	Track     string
	Path      string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistent catalog: entries plus the alias index.
type Store struct {
	db *sql.DB
}

// --- Connection & Lifecycle ---

// Open connects to the sqlite file at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	// The driver registers itself in init; referencing it keeps the import explicit.
	_ = sqlite3.SQLiteDriver{}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Database(logger.MsgDatabaseInitSuccess)
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := s.db.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(logger.MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := s.db.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			key TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_aliases_id ON aliases(id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(logger.MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE entries ADD COLUMN artist TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE entries ADD COLUMN track TEXT NOT NULL DEFAULT ''",
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Entries ---

// EnsureEntry creates a pending entry if id is unknown. Existing rows keep
// their status; an empty stored title is filled in.
func (s *Store) EnsureEntry(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, title, status) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN entries.title = '' THEN excluded.title ELSE entries.title END,
			updated_at = CURRENT_TIMESTAMP
	`, id, title, StatusPending)
	return err
}

// PutEntry writes every column of e, replacing an existing row.
func (s *Store) PutEntry(ctx context.Context, e Entry) error {
	if e.Status == "" {
		e.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, title, artist, track, path, status) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			track = excluded.track,
			path = excluded.path,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, e.ID, e.Title, e.Artist, e.Track, e.Path, e.Status)
	return err
}

// SetStatus changes the processing flag, creating the row when absent.
func (s *Store) SetStatus(ctx context.Context, id string, st Status) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (id, status) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP
	`, id, st)
	return err
}

const entryColumns = "id, title, artist, track, path, status, created_at, updated_at"

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var st string
	err := row.Scan(&e.ID, &e.Title, &e.Artist, &e.Track, &e.Path, &st, &e.CreatedAt, &e.UpdatedAt)
	e.Status = Status(st)
	return e, err
}

// GetEntry fetches one entry or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// ListEntries returns every entry ordered by creation.
func (s *Store) ListEntries(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entryColumns+" FROM entries ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes the entry and all of its aliases.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM aliases WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Aliases ---

// PutAliases maps every non-empty key to id. A key already pointing
// elsewhere is repointed.
func (s *Store) PutAliases(ctx context.Context, id string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO aliases (key, id) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET id = excluded.id
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, k, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LookupAlias resolves a normalized key. ok is false on a miss.
func (s *Store) LookupAlias(ctx context.Context, key string) (id string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, "SELECT id FROM aliases WHERE key = ?", key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// AliasesFor lists the keys registered for id.
func (s *Store) AliasesFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM aliases WHERE id = ? ORDER BY key", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

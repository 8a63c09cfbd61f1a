// Package store persists upload session state in SQLite so interrupted
// transfers survive process restarts. The database is the single source of
// truth for what can be resumed; losing it only costs re-uploading.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when no session row matches the query.
var ErrNotFound = errors.New("store: session not found")

// walJournalSizeLimit caps WAL file growth (4 MiB).
const walJournalSizeLimit = 4 * 1024 * 1024

// Record is one persisted upload session. UploadURL is a pre-authenticated
// credential; it is stored but must never be logged.
type Record struct {
	ID               string
	AccountID        string
	LocalPath        string
	RemotePath       string
	UploadURL        string
	Status           string
	TotalSize        int64
	ConfirmedOffset  int64
	ChunkSize        int64
	ConflictBehavior string
	Mtime            time.Time
	ExpiresAt        time.Time
	ErrorMsg         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is a SQLite-backed session store. A single writer connection
// (SetMaxOpenConns(1)) avoids SQLITE_BUSY under concurrent workers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	save         *sql.Stmt
	get          *sql.Stmt
	delete       *sql.Stmt
	findByTarget *sql.Stmt
	listByStatus *sql.Stmt
	listAll      *sql.Stmt
}

// Open opens (or creates) the database at dbPath, applies migrations, and
// prepares all repeated statements. Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening session database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("session database ready", slog.String("path", dbPath))

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("store: set pragma %q: %w", p, err)
		}
	}

	return nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	s.save, err = s.db.PrepareContext(ctx, `
		INSERT INTO upload_sessions
			(id, account_id, local_path, remote_path, upload_url, status,
			 total_size, confirmed_offset, chunk_size, conflict_behavior,
			 mtime_unix, expires_at, error_msg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upload_url = excluded.upload_url,
			status = excluded.status,
			total_size = excluded.total_size,
			confirmed_offset = excluded.confirmed_offset,
			mtime_unix = excluded.mtime_unix,
			expires_at = excluded.expires_at,
			error_msg = excluded.error_msg,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	s.get, err = s.db.PrepareContext(ctx,
		selectColumns+` WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	s.delete, err = s.db.PrepareContext(ctx,
		`DELETE FROM upload_sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.findByTarget, err = s.db.PrepareContext(ctx,
		selectColumns+` WHERE account_id = ? AND local_path = ? AND remote_path = ?`)
	if err != nil {
		return fmt.Errorf("find by target: %w", err)
	}

	s.listByStatus, err = s.db.PrepareContext(ctx,
		selectColumns+` WHERE account_id = ? AND status IN (?, ?, ?, ?) ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("list by status: %w", err)
	}

	s.listAll, err = s.db.PrepareContext(ctx,
		selectColumns+` WHERE account_id = ? ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("list all: %w", err)
	}

	return nil
}

const selectColumns = `
	SELECT id, account_id, local_path, remote_path, upload_url, status,
	       total_size, confirmed_offset, chunk_size, conflict_behavior,
	       mtime_unix, expires_at, error_msg, created_at, updated_at
	FROM upload_sessions`

// Close releases prepared statements and the database connection.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.save, s.get, s.delete, s.findByTarget, s.listByStatus, s.listAll} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}

// Save inserts or updates a session record. The updated_at column is set to
// the current time on every call.
func (s *Store) Save(ctx context.Context, r *Record) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}

	r.UpdatedAt = now

	_, err := s.save.ExecContext(ctx,
		r.ID, r.AccountID, r.LocalPath, r.RemotePath, r.UploadURL, r.Status,
		r.TotalSize, r.ConfirmedOffset, r.ChunkSize, r.ConflictBehavior,
		r.Mtime.Unix(), r.ExpiresAt.Unix(), r.ErrorMsg,
		r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: saving session %s: %w", r.ID, err)
	}

	return nil
}

// Get retrieves a session by ID. Returns ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	return scanRecord(s.get.QueryRowContext(ctx, id))
}

// Delete removes a session row. Deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("store: deleting session %s: %w", id, err)
	}

	return nil
}

// FindByTarget looks up the session for an (account, local path, remote
// path) triple. At most one exists per the unique index. Returns
// ErrNotFound when absent.
func (s *Store) FindByTarget(ctx context.Context, accountID, localPath, remotePath string) (*Record, error) {
	return scanRecord(s.findByTarget.QueryRowContext(ctx, accountID, localPath, remotePath))
}

// ListResumable returns the account's sessions that an engine restart
// should pick up: pending, active, paused, and expired. Expired records
// carry a dead upload URL; resuming one creates a replacement server
// session at offset zero.
func (s *Store) ListResumable(ctx context.Context, accountID string) ([]*Record, error) {
	rows, err := s.listByStatus.QueryContext(ctx, accountID, "pending", "active", "paused", "expired")
	if err != nil {
		return nil, fmt.Errorf("store: listing resumable sessions: %w", err)
	}

	return collectRecords(rows)
}

// ListAll returns every session for the account, newest last.
func (s *Store) ListAll(ctx context.Context, accountID string) ([]*Record, error) {
	rows, err := s.listAll.QueryContext(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}

	return collectRecords(rows)
}

// PruneStale deletes terminal sessions (completed, failed, expired) whose
// last update is older than age, and returns how many rows were removed.
func (s *Store) PruneStale(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).Unix()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM upload_sessions
		WHERE status IN ('completed', 'failed', 'expired') AND updated_at < ?`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: pruning stale sessions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: counting pruned sessions: %w", err)
	}

	if n > 0 {
		s.logger.Info("pruned stale sessions", slog.Int64("count", n))
	}

	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                            Record
		mtime, expires, created, upd int64
	)

	err := row.Scan(
		&r.ID, &r.AccountID, &r.LocalPath, &r.RemotePath, &r.UploadURL, &r.Status,
		&r.TotalSize, &r.ConfirmedOffset, &r.ChunkSize, &r.ConflictBehavior,
		&mtime, &expires, &r.ErrorMsg, &created, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: scanning session row: %w", err)
	}

	r.Mtime = time.Unix(mtime, 0).UTC()
	r.ExpiresAt = time.Unix(expires, 0).UTC()
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(upd, 0).UTC()

	return &r, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()

	var out []*Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating session rows: %w", err)
	}

	return out, nil
}

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session ID is not in the catalog.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	path         TEXT NOT NULL,
	last_used_at INTEGER NOT NULL,
	documents    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);
`

// Registry is the catalog of sessions, backed by <dataDir>/sessions.db.
// Session directories live under <dataDir>/sessions/<id>.
type Registry struct {
	db      *sql.DB
	dataDir string
	now     func() time.Time
}

// OpenRegistry opens (creating if needed) the catalog in dataDir.
func OpenRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session db: %w", err)
	}

	return &Registry{db: db, dataDir: dataDir, now: time.Now}, nil
}

func (r *Registry) Close() error { return r.db.Close() }

// Dir returns the directory a session with the given ID lives in.
func (r *Registry) Dir(id string) string {
	return filepath.Join(r.dataDir, "sessions", id)
}

// Create allocates a new session ID, makes its directory and records it.
func (r *Registry) Create(ctx context.Context) (*Session, error) {
	now := r.now().UTC()
	s := &Session{
		ID:         NewID(now),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	s.Path = r.Dir(s.ID)

	if err := os.MkdirAll(s.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, path, last_used_at, documents) VALUES (?, ?, ?, ?, 0)`,
		s.ID, now.UnixNano(), s.Path, now.UnixNano())
	if err != nil {
		_ = os.RemoveAll(s.Path)
		return nil, fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return s, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, created_at, path, last_used_at, documents FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// List returns all sessions, newest first.
func (r *Registry) List(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, created_at, path, last_used_at, documents FROM sessions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Touch marks the session as used now and adds addedDocs to its document
// count.
func (r *Registry) Touch(ctx context.Context, id string, addedDocs int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = ?, documents = documents + ? WHERE id = ?`,
		r.now().UTC().UnixNano(), addedDocs, id)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes the session directory and its catalog row. This is the
// only path that destroys a session.
func (r *Registry) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(s.Path); err != nil {
		return fmt.Errorf("remove session dir %s: %w", s.Path, err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Cleanup deletes every session except the keepLatest newest ones. Sessions
// for which inUse returns true are skipped. It returns the deleted IDs.
func (r *Registry) Cleanup(ctx context.Context, keepLatest int, inUse func(id string) bool) ([]string, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) <= keepLatest {
		return nil, nil
	}

	var deleted []string
	var errs []error
	for _, s := range all[keepLatest:] {
		if inUse != nil && inUse(s.ID) {
			continue
		}
		if err := r.Delete(ctx, s.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, s.ID)
	}
	return deleted, errors.Join(errs...)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s                 Session
		created, lastUsed int64
	)
	if err := sc.Scan(&s.ID, &created, &s.Path, &lastUsed, &s.Documents); err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(0, created).UTC()
	s.LastUsedAt = time.Unix(0, lastUsed).UTC()
	return &s, nil
}

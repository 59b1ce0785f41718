// Package sqlite persists captures beyond the lifetime of the in-memory store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"netcapture/internal/domain"
)

var ErrArchiveClosed = errors.New("archive is closed")

// Archive stores every recorded capture as a JSON document keyed by id.
type Archive struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// New opens (or creates) the archive database at path.
func New(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: create archive dir: %w", domain.ErrStore, err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("%w: open archive: %w", domain.ErrStore, err)
	}
	return initialize(db)
}

// NewInMemory creates a throwaway archive, mainly for tests.
func NewInMemory() (*Archive, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("%w: open in-memory archive: %w", domain.ErrStore, err)
	}
	// every pooled connection would otherwise see its own empty database
	db.SetMaxOpenConns(1)
	return initialize(db)
}

func initialize(db *sql.DB) (*Archive, error) {
	const schema = `
		CREATE TABLE IF NOT EXISTS captures (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT,
			scheme TEXT,
			status INTEGER,
			duration_ms INTEGER,
			doc TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_captures_ts ON captures(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_captures_host ON captures(host);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: initialize archive: %w", domain.ErrStore, err)
	}
	return &Archive{db: db}, nil
}

// Save upserts r; re-saving an id replaces the stored document.
func (a *Archive) Save(ctx context.Context, r domain.CapturedRequest) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrArchiveClosed
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: encode capture: %w", domain.ErrStore, err)
	}
	var status, duration sql.NullInt64
	if r.Response != nil {
		status = sql.NullInt64{Int64: int64(r.Response.StatusCode), Valid: true}
	}
	if r.DurationMs != nil {
		duration = sql.NullInt64{Int64: *r.DurationMs, Valid: true}
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO captures (id, ts, method, url, host, scheme, status, duration_ms, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ts = excluded.ts, method = excluded.method, url = excluded.url, host = excluded.host,
			scheme = excluded.scheme, status = excluded.status, duration_ms = excluded.duration_ms, doc = excluded.doc
	`, r.ID, r.Timestamp.UnixNano(), r.Method, r.URL, r.Host, r.Scheme, status, duration, string(doc))
	if err != nil {
		return fmt.Errorf("%w: insert capture: %w", domain.ErrStore, err)
	}
	return nil
}

// List returns one page of captures, newest first, and the total count.
func (a *Archive) List(ctx context.Context, limit, offset int) ([]domain.CapturedRequest, int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, 0, ErrArchiveClosed
	}
	total, err := a.count(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := a.db.QueryContext(ctx, `SELECT doc FROM captures ORDER BY ts DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list captures: %w", domain.ErrStore, err)
	}
	defer rows.Close()

	out := make([]domain.CapturedRequest, 0, limit)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, 0, fmt.Errorf("%w: scan capture: %w", domain.ErrStore, err)
		}
		var r domain.CapturedRequest
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, 0, fmt.Errorf("%w: decode capture: %w", domain.ErrStore, err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// Count reports how many captures the archive holds.
func (a *Archive) Count(ctx context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return 0, ErrArchiveClosed
	}
	return a.count(ctx)
}

func (a *Archive) count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count captures: %w", domain.ErrStore, err)
	}
	return n, nil
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

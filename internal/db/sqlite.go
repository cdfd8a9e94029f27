package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jonathan/research-assistant/internal/types"
)

// SQLiteStore is the SQLite implementation of SessionStore
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and runs migrations.
// The special path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(10)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: conn}
	if err := s.initPragmas(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to apply %q: %w", strings.TrimSpace(q), err)
		}
	}
	return nil
}

// Migrate applies pending schema migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migs, err := loadMigrations(BackendSQLite)
	if err != nil {
		return err
	}
	for _, m := range migs {
		var n int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
		m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSession upserts the session row, every cell and every thread in one transaction
func (s *SQLiteStore) SaveSession(ctx context.Context, session *types.Session) error {
	cells, err := encodeCells(session.Cells)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, goal, active_thread_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET goal = excluded.goal,
		   active_thread_id = excluded.active_thread_id, updated_at = excluded.updated_at`,
		session.ID, session.Goal, session.ActiveThreadID,
		session.CreatedAt.UnixNano(), session.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	for i, c := range session.Cells {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cells (session_id, id, position, kind, status, data, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, id) DO UPDATE SET position = excluded.position,
			   kind = excluded.kind, status = excluded.status, data = excluded.data`,
			session.ID, c.ID, i, string(c.Kind), string(c.Status), string(cells[i]), c.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("failed to upsert cell %s: %w", c.ID, err)
		}
	}

	for id, th := range session.Threads {
		data, err := json.Marshal(th)
		if err != nil {
			return fmt.Errorf("failed to marshal thread %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO threads (session_id, id, cell_id, status, data)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, id) DO UPDATE SET status = excluded.status, data = excluded.data`,
			session.ID, id, th.CellID, string(th.Status), string(data),
		); err != nil {
			return fmt.Errorf("failed to upsert thread %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session %s: %w", session.ID, err)
	}
	return nil
}

// LoadSession reads a session with its cells and threads
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session := &types.Session{ID: sessionID, Threads: make(map[string]*types.ExecutionThread)}
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT goal, active_thread_id, created_at, updated_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.Goal, &session.ActiveThreadID, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	session.CreatedAt = time.Unix(0, created).UTC()
	session.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM cells WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		var c types.Cell
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cell: %w", err)
		}
		session.Cells = append(session.Cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}

	threadRows, err := s.db.QueryContext(ctx, `SELECT data FROM threads WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer func() { _ = threadRows.Close() }()
	for threadRows.Next() {
		var data string
		if err := threadRows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		var th types.ExecutionThread
		if err := json.Unmarshal([]byte(data), &th); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thread: %w", err)
		}
		session.Threads[th.ID] = &th
	}
	if err := threadRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read threads: %w", err)
	}

	return session, nil
}

// ListSessions returns summaries ordered by most recently updated
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.goal, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM cells c WHERE c.session_id = s.id),
		        COALESCE((SELECT c.kind FROM cells c WHERE c.session_id = s.id ORDER BY c.position DESC LIMIT 1), '')
		 FROM sessions s
		 ORDER BY s.updated_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		var created, updated int64
		var lastKind string
		if err := rows.Scan(&sum.ID, &sum.Goal, &created, &updated, &sum.CellCount, &lastKind); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		sum.UpdatedAt = time.Unix(0, updated).UTC()
		sum.LastKind = types.CellKind(lastKind)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes a session, its cells, threads and routed items
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM routed_items WHERE session_id = ?`,
		`DELETE FROM threads WHERE session_id = ?`,
		`DELETE FROM cells WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sessionID); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
	}
	return tx.Commit()
}

// AppendItem stores one routed item
func (s *SQLiteStore) AppendItem(ctx context.Context, sessionID, category string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routed_items (session_id, category, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, category, string(payload), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append routed item: %w", err)
	}
	return nil
}

// ListItems returns routed items in insertion order
func (s *SQLiteStore) ListItems(ctx context.Context, sessionID, category string) ([]RoutedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, category, payload, created_at
		 FROM routed_items
		 WHERE session_id = ? AND (? = '' OR category = ?)
		 ORDER BY id`, sessionID, category, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list routed items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RoutedItem
	for rows.Next() {
		var item RoutedItem
		var payload string
		var created int64
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Category, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan routed item: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, item)
	}
	return out, rows.Err()
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/research-assistant/internal/types"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database and applies migrations.
// An empty databaseURL falls back to the DATABASE_URL environment variable.
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return nil, errors.New("database URL or DATABASE_URL is required")
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = 20

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the connection pool
func (db *DB) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

// Migrate applies pending schema migrations
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
		   version INTEGER PRIMARY KEY,
		   applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		 )`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migs, err := loadMigrations(BackendPostgres)
	if err != nil {
		return err
	}
	for _, m := range migs {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}
		if exists {
			continue
		}
		if err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		}); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

// SaveSession upserts the session row, every cell and every thread in one transaction.
// Cells are never removed during normal operation, so upserting by id is a full replace.
func (db *DB) SaveSession(ctx context.Context, session *types.Session) error {
	cells, err := encodeCells(session.Cells)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, goal, active_thread_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE SET goal = $2, active_thread_id = $3, updated_at = $5`,
			session.ID, session.Goal, session.ActiveThreadID, session.CreatedAt, session.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}

		batch := &pgx.Batch{}
		for i, c := range session.Cells {
			batch.Queue(
				`INSERT INTO cells (session_id, id, position, kind, status, data, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (session_id, id) DO UPDATE SET position = $3, kind = $4, status = $5, data = $6`,
				session.ID, c.ID, i, string(c.Kind), string(c.Status), cells[i], c.CreatedAt,
			)
		}
		for id, th := range session.Threads {
			data, err := json.Marshal(th)
			if err != nil {
				return fmt.Errorf("failed to marshal thread %s: %w", id, err)
			}
			batch.Queue(
				`INSERT INTO threads (session_id, id, cell_id, status, data)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (session_id, id) DO UPDATE SET status = $4, data = $5`,
				session.ID, id, th.CellID, string(th.Status), data,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

// LoadSession reads a session with its cells and threads
func (db *DB) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	session := &types.Session{ID: sessionID, Threads: make(map[string]*types.ExecutionThread)}
	err := db.pool.QueryRow(ctx,
		`SELECT goal, active_thread_id, created_at, updated_at FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&session.Goal, &session.ActiveThreadID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT data FROM cells WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		var c types.Cell
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cell: %w", err)
		}
		session.Cells = append(session.Cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cells: %w", err)
	}

	threadRows, err := db.pool.Query(ctx, `SELECT data FROM threads WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer threadRows.Close()
	for threadRows.Next() {
		var data []byte
		if err := threadRows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		var th types.ExecutionThread
		if err := json.Unmarshal(data, &th); err != nil {
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
func (db *DB) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.goal, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM cells c WHERE c.session_id = s.id),
		        COALESCE((SELECT c.kind FROM cells c WHERE c.session_id = s.id ORDER BY c.position DESC LIMIT 1), '')
		 FROM sessions s
		 ORDER BY s.updated_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		var lastKind string
		if err := rows.Scan(&sum.ID, &sum.Goal, &sum.CreatedAt, &sum.UpdatedAt, &sum.CellCount, &lastKind); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sum.LastKind = types.CellKind(lastKind)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSession removes a session; cells and threads cascade
func (db *DB) DeleteSession(ctx context.Context, sessionID string) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM routed_items WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AppendItem stores one routed item
func (db *DB) AppendItem(ctx context.Context, sessionID, category string, payload []byte) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO routed_items (session_id, category, payload) VALUES ($1, $2, $3)`,
		sessionID, category, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append routed item: %w", err)
	}
	return nil
}

// ListItems returns routed items in insertion order
func (db *DB) ListItems(ctx context.Context, sessionID, category string) ([]RoutedItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, category, payload, created_at
		 FROM routed_items
		 WHERE session_id = $1 AND ($2 = '' OR category = $2)
		 ORDER BY id`, sessionID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to list routed items: %w", err)
	}
	defer rows.Close()

	var out []RoutedItem
	for rows.Next() {
		var item RoutedItem
		var payload []byte
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Category, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan routed item: %w", err)
		}
		item.Payload = payload
		out = append(out, item)
	}
	return out, rows.Err()
}

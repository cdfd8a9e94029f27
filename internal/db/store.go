// Package db persists research sessions and routed items.
// Three backends implement SessionStore: an in-memory store for tests and
// ephemeral runs, SQLite for single-machine durability, and PostgreSQL.
package db

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/research-assistant/internal/types"
)

// Backend names accepted by Open
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// SessionStore is the durable home of session snapshots
type SessionStore interface {
	// SaveSession writes the full snapshot, replacing any previous one
	SaveSession(ctx context.Context, session *types.Session) error
	// LoadSession returns the stored snapshot, or (nil, nil) when absent
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)
	// ListSessions returns summaries ordered by most recently updated
	ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error)
	// DeleteSession removes the session, its cells, threads and routed items
	DeleteSession(ctx context.Context, sessionID string) error
	// AppendItem stores one routed item
	AppendItem(ctx context.Context, sessionID, category string, payload []byte) error
	// ListItems returns routed items for a session, optionally filtered by category
	ListItems(ctx context.Context, sessionID, category string) ([]RoutedItem, error)
	// Close releases backend resources
	Close() error
}

// RoutedItem is a stored entity forwarded from a cell
type RoutedItem struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Category  string          `json:"category"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Options selects and configures a backend
type Options struct {
	Backend     string
	SQLitePath  string
	DatabaseURL string
}

// Open creates the store selected by opts.Backend
func Open(ctx context.Context, opts Options) (SessionStore, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case BackendPostgres:
		return Connect(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

type migration struct {
	Version int
	Name    string
	SQL     string
}

// loadMigrations reads the ordered migrations for a dialect directory
func loadMigrations(dialect string) ([]migration, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s migrations: %w", dialect, err)
	}

	var migs []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s has no version prefix", name)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s has invalid version: %w", name, err)
		}
		body, err := fs.ReadFile(migrationsFS, dir+"/"+name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migs = append(migs, migration{Version: version, Name: name, SQL: string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].Version < migs[j].Version })
	return migs, nil
}

// encodeCells returns the JSON body of each cell, in order
func encodeCells(cells []types.Cell) ([][]byte, error) {
	out := make([][]byte, len(cells))
	for i := range cells {
		data, err := json.Marshal(cells[i])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cell %s: %w", cells[i].ID, err)
		}
		out[i] = data
	}
	return out, nil
}

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/research-assistant/internal/types"
)

// MemoryStore keeps encoded snapshots in memory. Loads always decode a fresh copy.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	items    []RoutedItem
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// SaveSession stores the encoded snapshot
func (m *MemoryStore) SaveSession(_ context.Context, session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	m.mu.Lock()
	m.sessions[session.ID] = data
	m.mu.Unlock()
	return nil
}

// LoadSession decodes the stored snapshot
func (m *MemoryStore) LoadSession(_ context.Context, sessionID string) (*types.Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var session types.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if session.Threads == nil {
		session.Threads = make(map[string]*types.ExecutionThread)
	}
	return &session, nil
}

// ListSessions returns summaries, most recently updated first
func (m *MemoryStore) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	summaries := make([]types.SessionSummary, 0, len(ids))
	for _, id := range ids {
		s, err := m.LoadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s != nil {
			summaries = append(summaries, s.Summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// DeleteSession removes the session and its routed items
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	kept := m.items[:0]
	for _, item := range m.items {
		if item.SessionID != sessionID {
			kept = append(kept, item)
		}
	}
	m.items = kept
	return nil
}

// AppendItem stores a routed item
func (m *MemoryStore) AppendItem(_ context.Context, sessionID, category string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.items = append(m.items, RoutedItem{
		ID:        m.nextID,
		SessionID: sessionID,
		Category:  category,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now(),
	})
	return nil
}

// ListItems returns routed items in insertion order
func (m *MemoryStore) ListItems(_ context.Context, sessionID, category string) ([]RoutedItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []RoutedItem
	for _, item := range m.items {
		if item.SessionID == sessionID && (category == "" || item.Category == category) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Sink receives routed items of one category
type Sink[T any] interface {
	Append(ctx context.Context, sessionID string, item T) error
}

// SinkFunc adapts a function to a Sink
type SinkFunc[T any] func(ctx context.Context, sessionID string, item T) error

// Append calls f
func (f SinkFunc[T]) Append(ctx context.Context, sessionID string, item T) error {
	return f(ctx, sessionID, item)
}

// MemorySink keeps routed items in memory, keyed by session
type MemorySink[T any] struct {
	mu    sync.Mutex
	items map[string][]T
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink[T any]() *MemorySink[T] {
	return &MemorySink[T]{items: make(map[string][]T)}
}

// Append stores item
func (s *MemorySink[T]) Append(_ context.Context, sessionID string, item T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sessionID] = append(s.items[sessionID], item)
	return nil
}

// Items returns a copy of the items stored for sessionID
func (s *MemorySink[T]) Items(sessionID string) []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items[sessionID]...)
}

// ItemAppender persists raw routed items; internal/db stores satisfy it
type ItemAppender interface {
	AppendItem(ctx context.Context, sessionID, category string, payload []byte) error
}

// StoreSink writes routed items into a category of an ItemAppender
type StoreSink[T any] struct {
	store    ItemAppender
	category string
}

// NewStoreSink creates a sink writing category rows into store
func NewStoreSink[T any](store ItemAppender, category string) *StoreSink[T] {
	return &StoreSink[T]{store: store, category: category}
}

// Append encodes item and writes it to the store
func (s *StoreSink[T]) Append(ctx context.Context, sessionID string, item T) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal %s item: %w", s.category, err)
	}
	if err := s.store.AppendItem(ctx, sessionID, s.category, payload); err != nil {
		return fmt.Errorf("failed to store %s item: %w", s.category, err)
	}
	return nil
}

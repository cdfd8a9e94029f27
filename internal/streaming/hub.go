// Package streaming delivers incremental cell output: it appends progress lines
// to a cell's render state and fans session events out to subscribers.
package streaming

import (
	"sync"
	"time"
)

// EventType names a session event
type EventType string

// EventType constants
const (
	EventCellAppended  EventType = "cell_appended"
	EventCellUpdated   EventType = "cell_updated"
	EventStreamLine    EventType = "stream_line"
	EventThreadUpdated EventType = "thread_updated"
	EventError         EventType = "error"
)

// Event is a single notification about a session
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	CellID    string    `json:"cell_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher accepts session events
type Publisher interface {
	Publish(event Event)
}

// subscriberBuffer bounds each subscriber queue; slow subscribers drop events
const subscriberBuffer = 256

// Hub fans events out to per-session subscribers
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
	now  func() time.Time
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[chan Event]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a channel receiving events for sessionID
func (h *Hub) Subscribe(sessionID string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[chan Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (h *Hub) Unsubscribe(sessionID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; ok {
		delete(set, ch)
		close(ch)
	}
	if len(set) == 0 {
		delete(h.subs, sessionID)
	}
}

// Subscribers returns the number of subscribers for sessionID
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Publish delivers event without blocking; full subscriber queues drop it
func (h *Hub) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close unsubscribes everyone
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}

package server

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// snapshotEvent is the first event on every stream and carries the full session
const snapshotEvent = "snapshot"

// handleEvents streams session events as Server-Sent Events until the client disconnects
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusNotImplemented, "event streaming is not configured")
		return
	}
	sessionID := r.PathValue("id")
	session, err := s.engine.LoadSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// subscribe before the snapshot so no event between the two is lost
	ch := s.events.Subscribe(sessionID)
	defer s.events.Unsubscribe(sessionID, ch)

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, errors.Join(errors.New("failed to open event stream"), err))
		return
	}
	if err := sse.WriteEvent(snapshotEvent, session); err != nil {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEvent(string(event.Type), event); err != nil {
				s.logger.Debug("event stream closed",
					zap.String("session_id", sessionID),
					zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/jonathan/research-assistant/internal/orchestrator"
	"github.com/jonathan/research-assistant/internal/threads"
	"github.com/jonathan/research-assistant/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CreateSessionRequest represents the request body for POST /sessions
type CreateSessionRequest struct {
	Goal      string           `json:"goal" validate:"required,max=4000"`
	DataFiles []types.DataFile `json:"data_files,omitempty" validate:"max=100"`
}

// AdvanceRequest represents the optional request body for POST /sessions/{id}/advance
type AdvanceRequest struct {
	CellID string `json:"cell_id,omitempty"`
}

// RerunRequest represents the optional request body for POST .../rerun
type RerunRequest struct {
	Comment string `json:"comment,omitempty" validate:"max=4000"`
}

// ProvideDataRequest represents the request body for POST .../data
type ProvideDataRequest struct {
	DataFiles []types.DataFile `json:"data_files" validate:"required,min=1,max=100"`
}

// NoteRequest represents the request body for POST /sessions/{id}/notes
type NoteRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

// CancelResponse reports how many threads a cancel stopped
type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

// decode reads a JSON body into dst and validates it. Optional bodies may be empty.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &ErrValidation{Field: "body", Message: "invalid request body: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

// handleCreateSession starts a session from a goal
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := s.decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.engine.StartSession(r.Context(), req.Goal, req.DataFiles)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+session.ID)
	s.jsonResponse(w, http.StatusCreated, session)
}

// handleListSessions returns stored session summaries
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			s.writeError(w, r, &ErrValidation{
				Field:   "limit",
				Message: fmt.Sprintf("must be an integer between 1 and %d", maxListLimit),
			})
			return
		}
		limit = n
	}

	summaries, err := s.engine.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []types.SessionSummary{}
	}
	s.jsonResponse(w, http.StatusOK, summaries)
}

// handleGetSession returns a session, recovering stuck cells when it is loaded from storage
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.engine.LoadSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdvance produces the next cell. 204 means the session is finished or waiting for the user.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := s.decode(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	cell, err := s.engine.Advance(r.Context(), r.PathValue("id"), req.CellID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cell == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jsonResponse(w, http.StatusOK, cell)
}

// handleExecute starts a code cell; the thread runs in the background
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	thread, err := s.engine.Execute(r.Context(), r.PathValue("id"), r.PathValue("cell_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, thread)
}

// handleThread returns the execution thread attached to a code cell
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	sessionID, cellID := r.PathValue("id"), r.PathValue("cell_id")
	session, err := s.engine.LoadSession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cell := session.Cell(cellID)
	if cell == nil {
		s.writeError(w, r, fmt.Errorf("%w: %s", orchestrator.ErrCellNotFound, cellID))
		return
	}
	meta, ok := types.MetadataAs[types.CodeMetadata](cell)
	if !ok || meta.ThreadID == "" {
		s.writeError(w, r, fmt.Errorf("%w: cell %s has no thread", threads.ErrThreadNotFound, cellID))
		return
	}

	thread, err := s.engine.Thread(r.Context(), sessionID, meta.ThreadID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, thread)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var req RerunRequest
	if err := s.decode(w, r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	cell, err := s.engine.Rerun(r.Context(), r.PathValue("id"), r.PathValue("cell_id"), req.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, cell)
}

// handleProvideData attaches user files to a data collection cell
func (s *Server) handleProvideData(w http.ResponseWriter, r *http.Request) {
	var req ProvideDataRequest
	if err := s.decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	cell, err := s.engine.ProvideData(r.Context(), r.PathValue("id"), r.PathValue("cell_id"), req.DataFiles)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, cell)
}

// handleReset force-releases a stuck transition
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, CancelResponse{Cancelled: n})
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if err := s.decode(w, r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	cell, err := s.engine.Note(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, cell)
}

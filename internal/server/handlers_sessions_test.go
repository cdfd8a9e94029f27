package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/research-assistant/internal/orchestrator"
	"github.com/jonathan/research-assistant/internal/types"
)

func TestHandleCreateSession(t *testing.T) {
	engine := newFakeEngine()
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions",
		`{"goal":"Does sleep improve recall?","data_files":[{"name":"survey.csv","path":"/data/survey.csv"}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/sessions/new-session", w.Header().Get("Location"))

	var session types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "Does sleep improve recall?", session.Goal)
	meta, ok := types.MetadataAs[types.GoalMetadata](&session.Cells[0])
	require.True(t, ok)
	assert.Equal(t, "survey.csv", meta.DataFiles[0].Name)
}

func TestHandleCreateSession_Invalid(t *testing.T) {
	s := newTestServer(t, newFakeEngine())

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed", `{"goal":`, "invalid request body"},
		{"empty body", ``, "invalid request body"},
		{"unknown field", `{"goal":"x","extra":1}`, "unknown field"},
		{"missing goal", `{}`, "validation error: Goal - required"},
		{"blank goal", `{"goal":"   "}`, orchestrator.ErrEmptyGoal.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, errorOf(t, w), tt.wantErr)
		})
	}
}

func TestHandleListSessions(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []types.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "s1", summaries[0].ID)
	assert.Equal(t, defaultListLimit, engine.limit)

	w = do(t, s, http.MethodGet, "/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, engine.limit)

	for _, bad := range []string{"0", "-1", "abc", "501"} {
		w = do(t, s, http.MethodGet, "/sessions?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestHandleListSessions_EmptyIsArray(t *testing.T) {
	s := newTestServer(t, newFakeEngine())
	w := do(t, s, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandleGetAndDeleteSession(t *testing.T) {
	s := newTestServer(t, newFakeEngine(codeSession()))

	w := do(t, s, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodDelete, "/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodGet, "/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAdvance(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/advance", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", ""}, engine.args())

	w = do(t, s, http.MethodPost, "/sessions/s1/advance", `{"cell_id":"plain-code"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", "plain-code"}, engine.args())

	w = do(t, s, http.MethodPost, "/sessions/missing/advance", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAdvance_NothingToDo(t *testing.T) {
	engine := newFakeEngine(codeSession())
	engine.advance = func(string, string) (*types.Cell, error) { return nil, nil }
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/advance", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleAdvance_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"in flight", orchestrator.ErrTransitionInFlight, http.StatusConflict},
		{"not executed", orchestrator.ErrNotExecuted, http.StatusConflict},
		{"timed out", fmt.Errorf("%w after 30s", orchestrator.ErrTransitionTimeout), http.StatusGatewayTimeout},
		{"llm failure", &orchestrator.CollaboratorError{Kind: types.KindAbstract, Err: errors.New("quota")}, http.StatusBadGateway},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newFakeEngine(codeSession())
			engine.advance = func(string, string) (*types.Cell, error) { return nil, tt.err }
			s := newTestServer(t, engine)

			w := do(t, s, http.MethodPost, "/sessions/s1/advance", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.err.Error(), errorOf(t, w))
		})
	}
}

func TestHandleExecute(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/cells/plain-code/execute", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var thread types.ExecutionThread
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &thread))
	assert.Equal(t, "plain-code", thread.CellID)
	assert.Equal(t, types.ThreadRunning, thread.Status)

	engine.execute = func(string, string) (types.ExecutionThread, error) {
		return types.ExecutionThread{}, fmt.Errorf("%w: abstract", orchestrator.ErrWrongKind)
	}
	w = do(t, s, http.MethodPost, "/sessions/s1/cells/goal/execute", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	engine.execute = func(string, string) (types.ExecutionThread, error) {
		return types.ExecutionThread{}, orchestrator.ErrNoExecutor
	}
	w = do(t, s, http.MethodPost, "/sessions/s1/cells/plain-code/execute", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHandleThread(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodGet, "/sessions/s1/cells/code/thread", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", "thread-9"}, engine.args())

	tests := []struct {
		name string
		path string
	}{
		{"no thread yet", "/sessions/s1/cells/plain-code/thread"},
		{"not a code cell", "/sessions/s1/cells/goal/thread"},
		{"unknown cell", "/sessions/s1/cells/nope/thread"},
		{"unknown session", "/sessions/nope/cells/code/thread"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodGet, tt.path, "")
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestHandleRerun(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/cells/result-0/rerun", `{"comment":"use median not mean"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", "result-0", "use median not mean"}, engine.args())

	w = do(t, s, http.MethodPost, "/sessions/s1/cells/result-0/rerun", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", "result-0", ""}, engine.args())

	engine.rerun = func(string, string, string) (*types.Cell, error) {
		return nil, orchestrator.ErrNotRerunnable
	}
	w = do(t, s, http.MethodPost, "/sessions/s1/cells/goal/rerun", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleProvideData(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/cells/collect/data", `{"data_files":[{"name":"sleep.csv"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"s1", "collect", "sleep.csv"}, engine.args())
	var cell types.Cell
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cell))
	assert.True(t, cell.CanProceed)

	w = do(t, s, http.MethodPost, "/sessions/s1/cells/collect/data", `{"data_files":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/sessions/s1/cells/collect/data", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReset(t *testing.T) {
	s := newTestServer(t, newFakeEngine(codeSession()))

	assert.Equal(t, http.StatusNoContent, do(t, s, http.MethodPost, "/sessions/s1/reset", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPost, "/sessions/nope/reset", "").Code)
}

func TestHandleCancel(t *testing.T) {
	engine := newFakeEngine(codeSession())
	engine.cancel = func(string) (int, error) { return 2, nil }
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelled":2}`, w.Body.String())
}

func TestHandleNote(t *testing.T) {
	engine := newFakeEngine(codeSession())
	s := newTestServer(t, engine)

	w := do(t, s, http.MethodPost, "/sessions/s1/notes", `{"text":"checked the raw file by hand"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"s1", "checked the raw file by hand"}, engine.args())

	w = do(t, s, http.MethodPost, "/sessions/s1/notes", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation error: Text - required", errorOf(t, w))
}

package orchestrator

import (
	"errors"
	"fmt"

	"github.com/jonathan/research-assistant/internal/types"
)

// Sentinel errors returned by the engine
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCellNotFound       = errors.New("cell not found")
	ErrTransitionInFlight = errors.New("a transition is already in progress for this session")
	ErrTransitionTimeout  = errors.New("transition timed out")
	ErrCellNotReady       = errors.New("cell is not ready")
	ErrCellFailed         = errors.New("cell failed; rerun it before continuing")
	ErrNotExecuted        = errors.New("code cell has not been executed")
	ErrExecutionPending   = errors.New("code execution is still running")
	ErrNotRerunnable      = errors.New("cell kind cannot be rerun")
	ErrWrongKind          = errors.New("operation does not apply to this cell kind")
	ErrEmptyGoal          = errors.New("research goal is empty")
	ErrEngineClosed       = errors.New("engine is closed")
)

// CollaboratorError reports a failed LLM or executor call while producing a cell
type CollaboratorError struct {
	Kind types.CellKind
	Err  error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("failed to produce %s cell: %v", e.Kind, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

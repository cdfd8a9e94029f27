package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/types"
)

// Run advances the session until it finishes, waits for the user or fails.
// Code cells are executed as they are produced. It returns the final snapshot.
func (e *Engine) Run(ctx context.Context, sessionID string) (*types.Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := e.LoadSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		last := snap.Last()
		if last != nil && last.Kind == types.KindCode && last.Status != types.StatusError {
			m, _ := types.MetadataAs[types.CodeMetadata](last)
			if m == nil || m.Execution == nil {
				if err := e.executeAndWait(ctx, snap, last); err != nil {
					return nil, err
				}
				continue
			}
		}

		cell, err := e.Advance(ctx, sessionID, "")
		if err != nil {
			return nil, err
		}
		if cell == nil {
			e.logger.Info("session run stopped",
				zap.String("session_id", sessionID),
				zap.Int("cells", len(snap.Cells)))
			return e.Snapshot(sessionID)
		}
	}
}

// executeAndWait runs the code cell, or waits for its running thread
func (e *Engine) executeAndWait(ctx context.Context, snap *types.Session, cell *types.Cell) error {
	threadID := ""
	if m, ok := types.MetadataAs[types.CodeMetadata](cell); ok && m.ThreadID != "" {
		if th, ok := snap.Threads[m.ThreadID]; ok && !th.Terminal() {
			threadID = th.ID
		}
	}
	if threadID == "" {
		th, err := e.Execute(ctx, snap.ID, cell.ID)
		if err != nil {
			return err
		}
		threadID = th.ID
	}
	_, err := e.Wait(ctx, snap.ID, threadID)
	return err
}

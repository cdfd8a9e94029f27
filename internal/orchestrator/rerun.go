package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/streaming"
	"github.com/jonathan/research-assistant/internal/types"
)

// Rerun regenerates a cell in place with an optional user comment. The cell
// keeps its id and position. A rerun code cell is executed again right away
// when an executor is configured. If the producer fails, or the caller goes
// away before it answers, the previous content stays and the cell is marked as
// error.
func (e *Engine) Rerun(ctx context.Context, sessionID, cellID, comment string) (*types.Cell, error) {
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return inFlight(ctx, e, st, func(fctx context.Context, gen uint64) (*types.Cell, error) {
		st.mu.Lock()
		c := st.session.Cell(cellID)
		if c == nil {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
		}
		if !c.Kind.Rerunnable() {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotRerunnable, c.Kind)
		}
		if c.Kind == types.KindCode {
			st.tracker.CancelCell(c.ID)
		}

		step := Step{Kind: c.Kind, StepIndex: stepIndexOf(c)}
		idx := st.session.Index(c.ID)
		c.Status = types.StatusActive
		c.Error = ""
		c.Stream = types.StreamState{}
		c.Timestamp = st.touch(e.now())
		st.flightCell = c.ID
		marked := cloneCell(*c)
		snapshot, err := st.session.Clone()
		st.mu.Unlock()
		if err != nil {
			return nil, err
		}

		e.publishCell(streaming.EventCellUpdated, st.id, marked)
		e.logger.Info("rerunning cell",
			zap.String("session_id", st.id),
			zap.String("cell_id", cellID),
			zap.String("kind", string(step.Kind)),
			zap.Bool("with_comment", strings.TrimSpace(comment) != ""))

		cell, err := e.produceAndCommit(fctx, st, gen, produceRequest{
			sessionID: st.id,
			session:   snapshot,
			idx:       idx,
			cellID:    cellID,
			step:      step,
			comment:   strings.TrimSpace(comment),
		})
		if err != nil || cell.Kind != types.KindCode || e.executor == nil {
			return cell, err
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		if st.gen != gen {
			return nil, ErrTransitionTimeout
		}
		target := st.session.Cell(cellID)
		if target == nil {
			return nil, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
		}
		if _, err := e.startThreadLocked(st, target); err != nil {
			return nil, err
		}
		out := cloneCell(*target)
		return &out, nil
	})
}

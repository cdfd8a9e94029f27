package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/executor"
	"github.com/jonathan/research-assistant/internal/streaming"
	"github.com/jonathan/research-assistant/internal/threads"
	"github.com/jonathan/research-assistant/internal/types"
)

const (
	lineBuffer      = 64
	errCellReplaced = "cell was replaced"
)

// ErrNoExecutor is returned by Execute when the engine has no executor
var ErrNoExecutor = errors.New("no code executor configured")

// Execute starts running the latest code cell in a background thread and
// returns the new thread. Use Wait to block until it finishes.
func (e *Engine) Execute(ctx context.Context, sessionID, cellID string) (types.ExecutionThread, error) {
	if e.executor == nil {
		return types.ExecutionThread{}, ErrNoExecutor
	}
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return types.ExecutionThread{}, err
	}
	return inFlight(ctx, e, st, func(_ context.Context, _ uint64) (types.ExecutionThread, error) {
		st.mu.Lock()
		defer st.mu.Unlock()

		c := st.session.Cell(cellID)
		if c == nil {
			return types.ExecutionThread{}, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
		}
		if c.Kind != types.KindCode {
			return types.ExecutionThread{}, fmt.Errorf("%w: cannot execute %s cell", ErrWrongKind, c.Kind)
		}
		if last := st.session.Last(); last == nil || last.ID != cellID {
			return types.ExecutionThread{}, fmt.Errorf("%w: only the latest code cell can be executed", ErrCellNotReady)
		}
		return e.startThreadLocked(st, c)
	})
}

// startThreadLocked registers a thread for the code cell and launches it. Callers hold st.mu.
func (e *Engine) startThreadLocked(st *sessionState, c *types.Cell) (types.ExecutionThread, error) {
	m, ok := types.MetadataAs[types.CodeMetadata](c)
	if !ok {
		return types.ExecutionThread{}, fmt.Errorf("%w: code cell %s has no code metadata", ErrCellNotReady, c.ID)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return types.ExecutionThread{}, ErrEngineClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	threadID, err := st.tracker.Create(c.ID, executor.CountSteps(c.Content))
	if err != nil {
		e.wg.Done()
		if errors.Is(err, threads.ErrAlreadyRunning) {
			return types.ExecutionThread{}, fmt.Errorf("%w: %v", ErrExecutionPending, err)
		}
		return types.ExecutionThread{}, err
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	st.tracker.Attach(threadID, cancel)
	e.metrics.ThreadStarted()

	m.ThreadID = threadID
	m.Execution = nil
	c.Status = types.StatusActive
	c.Error = ""
	c.Stream = types.StreamState{}
	c.Timestamp = st.touch(e.now())
	e.publishCell(streaming.EventCellUpdated, st.id, cloneCell(*c))

	e.logger.Info("execution started",
		zap.String("session_id", st.id),
		zap.String("cell_id", c.ID),
		zap.String("thread_id", threadID))

	go e.runThread(runCtx, cancel, st, c.ID, threadID, c.Content)

	th, _ := st.tracker.Get(threadID)
	return th, nil
}

func (e *Engine) runThread(ctx context.Context, cancel context.CancelFunc, st *sessionState, cellID, threadID, code string) {
	defer e.wg.Done()
	defer cancel()

	lines := make(chan string, lineBuffer)
	fed := e.reporter.Feed(ctx, st.id, cellID, lines)

	result, err := e.executor.Execute(ctx, executor.Request{
		SessionID: st.id,
		CellID:    cellID,
		Code:      code,
		OnLine: func(line string) {
			if p, ok := executor.ParseProgress(line); ok {
				_ = st.tracker.Update(threadID, threads.ProgressUpdate{
					CurrentStep: p.Step,
					TotalSteps:  p.Total,
					StepResult:  p.Message,
				})
			}
			select {
			case lines <- line:
			case <-ctx.Done():
			}
		},
	})
	close(lines)
	<-fed

	e.finishThread(st, cellID, threadID, result, err)
}

// finishThread commits the execution result to the cell that started the thread
func (e *Engine) finishThread(st *sessionState, cellID, threadID string, result *types.ExecutionResult, execErr error) {
	if err := st.acquire(e.baseCtx); err != nil {
		_, _ = st.tracker.Complete(threadID, nil, threads.ErrMsgInterrupted)
		return
	}

	st.mu.Lock()
	st.gen++
	gen := st.gen
	if th, ok := st.tracker.Get(threadID); !ok || th.Terminal() {
		st.endLocked(gen, false)
		st.mu.Unlock()
		e.logger.Debug("discarding result of finished thread",
			zap.String("session_id", st.id),
			zap.String("thread_id", threadID))
		return
	}

	c := st.session.Cell(cellID)
	m, ok := types.MetadataAs[types.CodeMetadata](c)
	if c == nil || !ok || m.ThreadID != threadID {
		st.endLocked(gen, false)
		_, _ = st.tracker.Complete(threadID, nil, errCellReplaced)
		st.mu.Unlock()
		return
	}

	var errMsg string
	switch {
	case execErr != nil:
		errMsg = execErr.Error()
		c.Status = types.StatusError
		c.Error = "execution failed: " + errMsg
		m.Execution = result
	case result == nil:
		errMsg = "executor returned no result"
		c.Status = types.StatusError
		c.Error = errMsg
	default:
		m.Execution = result
		c.Status = types.StatusCompleted
		c.Error = ""
		c.CanProceed = true
		if !result.Success {
			// the script ran; its failure is data for the result cell
			errMsg = lastLine(result.Stderr)
			if errMsg == "" {
				errMsg = "script exited with an error"
			}
		}
	}
	c.Stream.IsStreaming = false
	c.Timestamp = st.touch(e.now())
	updated := cloneCell(*c)

	// waiters woken by Complete may start the next transition right away
	st.endLocked(gen, false)
	_, _ = st.tracker.Complete(threadID, nil, errMsg)
	st.mu.Unlock()

	e.logger.Info("execution finished",
		zap.String("session_id", st.id),
		zap.String("cell_id", cellID),
		zap.String("thread_id", threadID),
		zap.String("error", errMsg))
	e.publishCell(streaming.EventCellUpdated, st.id, updated)
	e.persist(st)
}

// Wait blocks until the thread finishes or ctx is done and returns the final thread
func (e *Engine) Wait(ctx context.Context, sessionID, threadID string) (types.ExecutionThread, error) {
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return types.ExecutionThread{}, err
	}
	if _, ok := st.tracker.Get(threadID); !ok {
		return types.ExecutionThread{}, fmt.Errorf("%w: %s", threads.ErrThreadNotFound, threadID)
	}
	select {
	case <-st.tracker.Done(threadID):
	case <-ctx.Done():
		return types.ExecutionThread{}, ctx.Err()
	}
	th, _ := st.tracker.Get(threadID)
	return th, nil
}

// Thread returns the current state of a thread
func (e *Engine) Thread(ctx context.Context, sessionID, threadID string) (types.ExecutionThread, error) {
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return types.ExecutionThread{}, err
	}
	th, ok := st.tracker.Get(threadID)
	if !ok {
		return types.ExecutionThread{}, fmt.Errorf("%w: %s", threads.ErrThreadNotFound, threadID)
	}
	return th, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

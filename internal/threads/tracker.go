// Package threads tracks asynchronous code-execution threads for a research session.
// A tracker enforces that at most one running thread references any cell and
// exposes a completion channel per thread.
package threads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/types"
)

// ErrAlreadyRunning is returned by Create when the cell already has a running thread
var ErrAlreadyRunning = errors.New("cell already has a running thread")

// ErrThreadNotFound is returned for unknown thread ids
var ErrThreadNotFound = errors.New("thread not found")

// Error messages recorded on threads that end without a result
const (
	ErrMsgCancelled   = "cancelled"
	ErrMsgInterrupted = "interrupted"
)

// ProgressUpdate is a partial update applied to a running thread
type ProgressUpdate struct {
	CurrentStep int
	TotalSteps  int
	StepResult  string
}

// ChangeFunc is called with a copy of a thread after every change
type ChangeFunc func(thread types.ExecutionThread)

// Tracker holds the thread table for one session
type Tracker struct {
	mu       sync.Mutex
	threads  map[string]*types.ExecutionThread
	latest   map[string]string // cell id -> most recent thread id
	done     map[string]chan struct{}
	cancels  map[string]context.CancelFunc
	active   string
	logger   *zap.Logger
	now      func() time.Time
	onChange ChangeFunc
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the tracker logger
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithChangeFunc registers a callback invoked after every thread change.
// The callback runs without the tracker lock held.
func WithChangeFunc(fn ChangeFunc) Option {
	return func(t *Tracker) { t.onChange = fn }
}

// New creates an empty tracker
func New(opts ...Option) *Tracker {
	t := &Tracker{
		threads: make(map[string]*types.ExecutionThread),
		latest:  make(map[string]string),
		done:    make(map[string]chan struct{}),
		cancels: make(map[string]context.CancelFunc),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create registers a new running thread for cellID and makes it the active thread
func (t *Tracker) Create(cellID string, totalSteps int) (string, error) {
	if totalSteps < 1 {
		totalSteps = 1
	}

	t.mu.Lock()
	if id, ok := t.latest[cellID]; ok && t.threads[id].Status == types.ThreadRunning {
		t.mu.Unlock()
		t.logger.Warn("refusing to start second thread for cell",
			zap.String("cell_id", cellID),
			zap.String("running_thread_id", id))
		return "", fmt.Errorf("cell %s: %w", cellID, ErrAlreadyRunning)
	}

	id := uuid.New().String()
	thread := &types.ExecutionThread{
		ID:        id,
		CellID:    cellID,
		Status:    types.ThreadRunning,
		StartTime: t.now(),
		Progress:  types.ThreadProgress{TotalSteps: totalSteps},
	}
	t.threads[id] = thread
	t.latest[cellID] = id
	t.done[id] = make(chan struct{})
	t.active = id
	snapshot := *thread
	t.mu.Unlock()

	t.logger.Debug("thread created",
		zap.String("thread_id", id),
		zap.String("cell_id", cellID),
		zap.Int("total_steps", totalSteps))
	t.notify(snapshot)
	return id, nil
}

// Attach registers the cancel function that stops the thread's underlying work
func (t *Tracker) Attach(threadID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if th, ok := t.threads[threadID]; ok && th.Status == types.ThreadRunning {
		t.cancels[threadID] = cancel
	}
}

// Update applies progress to a running thread. Updates to finished threads are ignored.
func (t *Tracker) Update(threadID string, update ProgressUpdate) error {
	t.mu.Lock()
	th, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("update %s: %w", threadID, ErrThreadNotFound)
	}
	if th.Status != types.ThreadRunning {
		t.mu.Unlock()
		return nil
	}
	if update.TotalSteps > 0 {
		th.Progress.TotalSteps = update.TotalSteps
	}
	if update.CurrentStep > th.Progress.CurrentStep {
		th.Progress.CurrentStep = update.CurrentStep
	}
	if update.StepResult != "" {
		th.Progress.StepResults = append(th.Progress.StepResults, update.StepResult)
	}
	snapshot := cloneThread(th)
	t.mu.Unlock()

	t.notify(snapshot)
	return nil
}

// Complete finishes a thread. A non-empty errMsg marks it as error.
// Completing an already finished thread is a no-op and returns false.
func (t *Tracker) Complete(threadID string, results []string, errMsg string) (bool, error) {
	t.mu.Lock()
	th, ok := t.threads[threadID]
	if !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("complete %s: %w", threadID, ErrThreadNotFound)
	}
	if th.Terminal() {
		t.mu.Unlock()
		return false, nil
	}
	t.finishLocked(th, results, errMsg)
	snapshot := cloneThread(th)
	t.mu.Unlock()

	t.logger.Debug("thread finished",
		zap.String("thread_id", threadID),
		zap.String("status", string(snapshot.Status)),
		zap.String("error", errMsg))
	t.notify(snapshot)
	return true, nil
}

// Cancel stops a running thread and records it as cancelled
func (t *Tracker) Cancel(threadID string) bool {
	t.mu.Lock()
	th, ok := t.threads[threadID]
	if !ok || th.Terminal() {
		t.mu.Unlock()
		return false
	}
	cancel := t.cancels[threadID]
	t.finishLocked(th, nil, ErrMsgCancelled)
	snapshot := cloneThread(th)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.logger.Info("thread cancelled", zap.String("thread_id", threadID), zap.String("cell_id", snapshot.CellID))
	t.notify(snapshot)
	return true
}

// CancelCell cancels the running thread of cellID, if any
func (t *Tracker) CancelCell(cellID string) bool {
	t.mu.Lock()
	id, ok := t.latest[cellID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.Cancel(id)
}

// CancelAll cancels every running thread and returns how many were stopped
func (t *Tracker) CancelAll() int {
	n := 0
	for _, id := range t.Running() {
		if t.Cancel(id) {
			n++
		}
	}
	return n
}

// finishLocked must be called with t.mu held
func (t *Tracker) finishLocked(th *types.ExecutionThread, results []string, errMsg string) {
	end := t.now()
	if end.Before(th.StartTime) {
		end = th.StartTime
	}
	th.EndTime = &end
	if len(results) > 0 {
		th.Progress.StepResults = append(th.Progress.StepResults, results...)
	}
	if errMsg != "" {
		th.Status = types.ThreadError
		th.Error = errMsg
	} else {
		th.Status = types.ThreadCompleted
		th.Progress.CurrentStep = th.Progress.TotalSteps
	}
	if t.active == th.ID {
		t.active = ""
	}
	delete(t.cancels, th.ID)
	if ch, ok := t.done[th.ID]; ok {
		close(ch)
		delete(t.done, th.ID)
	}
}

// Get returns a copy of the thread
func (t *Tracker) Get(threadID string) (types.ExecutionThread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[threadID]
	if !ok {
		return types.ExecutionThread{}, false
	}
	return cloneThread(th), true
}

// StatusOf returns the most recent thread for cellID
func (t *Tracker) StatusOf(cellID string) (types.ExecutionThread, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.latest[cellID]
	if !ok {
		return types.ExecutionThread{}, false
	}
	return cloneThread(t.threads[id]), true
}

// AnyRunning reports whether any thread is running
func (t *Tracker) AnyRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, th := range t.threads {
		if th.Status == types.ThreadRunning {
			return true
		}
	}
	return false
}

// Running returns the ids of all running threads
func (t *Tracker) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, th := range t.threads {
		if th.Status == types.ThreadRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Active returns the id of the most recently started running thread
func (t *Tracker) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Done returns a channel that is closed when the thread finishes.
// Unknown or already finished threads yield a closed channel.
func (t *Tracker) Done(threadID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.done[threadID]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Snapshot returns copies of all threads and the active thread id
func (t *Tracker) Snapshot() (map[string]*types.ExecutionThread, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*types.ExecutionThread, len(t.threads))
	for id, th := range t.threads {
		c := cloneThread(th)
		out[id] = &c
	}
	return out, t.active
}

// Restore loads a persisted thread table. Threads that were running have no
// live process behind them and are marked as interrupted. It returns the ids
// of interrupted threads.
func (t *Tracker) Restore(threads map[string]*types.ExecutionThread) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.threads = make(map[string]*types.ExecutionThread, len(threads))
	t.latest = make(map[string]string)
	t.done = make(map[string]chan struct{})
	t.cancels = make(map[string]context.CancelFunc)
	t.active = ""

	var interrupted []string
	for id, th := range threads {
		c := cloneThread(th)
		if c.Status == types.ThreadRunning || c.Status == types.ThreadPaused {
			t.finishLocked(&c, nil, ErrMsgInterrupted)
			interrupted = append(interrupted, id)
		}
		t.threads[id] = &c
		if prev, ok := t.latest[c.CellID]; !ok || t.threads[prev].StartTime.Before(c.StartTime) {
			t.latest[c.CellID] = id
		}
	}
	return interrupted
}

func (t *Tracker) notify(thread types.ExecutionThread) {
	if t.onChange != nil {
		t.onChange(thread)
	}
}

func cloneThread(th *types.ExecutionThread) types.ExecutionThread {
	c := *th
	if th.EndTime != nil {
		end := *th.EndTime
		c.EndTime = &end
	}
	if th.Progress.StepResults != nil {
		c.Progress.StepResults = append([]string(nil), th.Progress.StepResults...)
	}
	return c
}

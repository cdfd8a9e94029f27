// Package orchestrator sequences research cells. The engine owns the resident
// sessions, runs one transition at a time per session, tracks code execution
// threads and persists every change to the session store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/research-assistant/internal/db"
	"github.com/jonathan/research-assistant/internal/executor"
	"github.com/jonathan/research-assistant/internal/llm"
	"github.com/jonathan/research-assistant/internal/observability"
	"github.com/jonathan/research-assistant/internal/router"
	"github.com/jonathan/research-assistant/internal/streaming"
	"github.com/jonathan/research-assistant/internal/threads"
	"github.com/jonathan/research-assistant/internal/types"
)

// Defaults for Options fields left zero
const (
	DefaultFlightTimeout  = 30 * time.Second
	DefaultStuckAfter     = 5 * time.Minute
	DefaultStreamDelay    = 150 * time.Millisecond
	defaultPersistTimeout = 10 * time.Second
)

// Enricher fills in missing reference details
type Enricher interface {
	Enrich(ctx context.Context, refs []types.Reference) []types.Reference
}

// Options configures an Engine. LLM is required; everything else has a default.
type Options struct {
	LLM      llm.Client
	Executor executor.Executor
	Store    db.SessionStore
	Router   *router.Router
	Events   streaming.Publisher
	Enricher Enricher
	Metrics  *observability.Metrics
	Logger   *zap.Logger

	FlightTimeout    time.Duration
	StuckAfter       time.Duration
	StreamDelay      time.Duration
	PersistTimeout   time.Duration
	MaxAnalysisSteps int
	ContextChars     int

	// Now overrides the clock
	Now func() time.Time
}

// Engine drives research sessions
type Engine struct {
	llm      llm.Client
	executor executor.Executor
	store    db.SessionStore
	router   *router.Router
	events   streaming.Publisher
	enricher Enricher
	metrics  *observability.Metrics
	logger   *zap.Logger
	reporter *streaming.Reporter

	flightTimeout  time.Duration
	stuckAfter     time.Duration
	streamDelay    time.Duration
	persistTimeout time.Duration
	maxSteps       int
	contextChars   int
	now            func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine
func New(opts Options) (*Engine, error) {
	if opts.LLM == nil {
		return nil, errors.New("an LLM client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = db.NewMemoryStore()
	}
	rt := opts.Router
	if rt == nil {
		rt = router.New(router.StoreSinks(store), logger, opts.Metrics)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	baseCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		llm:            opts.LLM,
		executor:       opts.Executor,
		store:          store,
		router:         rt,
		events:         opts.Events,
		enricher:       opts.Enricher,
		metrics:        opts.Metrics,
		logger:         logger,
		flightTimeout:  orDefault(opts.FlightTimeout, DefaultFlightTimeout),
		stuckAfter:     orDefault(opts.StuckAfter, DefaultStuckAfter),
		streamDelay:    opts.StreamDelay,
		persistTimeout: orDefault(opts.PersistTimeout, defaultPersistTimeout),
		maxSteps:       opts.MaxAnalysisSteps,
		contextChars:   opts.ContextChars,
		now:            now,
		sessions:       make(map[string]*sessionState),
		baseCtx:        baseCtx,
		stop:           stop,
	}
	if e.maxSteps <= 0 {
		e.maxSteps = DefaultMaxAnalysisSteps
	}
	if e.contextChars <= 0 {
		e.contextChars = DefaultContextChars
	}
	e.reporter = streaming.NewReporter(cellWriter{e}, opts.Events, logger)
	return e, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close stops running threads and waits for them to exit. The store is left open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stop()
	e.wg.Wait()
	return nil
}

// sessionState is the resident copy of one session
type sessionState struct {
	id      string
	tracker *threads.Tracker

	// flight holds a token while a transition runs
	flight chan struct{}

	mu      sync.RWMutex
	session *types.Session
	gen     uint64
	stamp   time.Time
	// flightCell is the cell the current transition is producing
	flightCell string

	persistMu sync.Mutex
}

func (e *Engine) newState(session *types.Session) *sessionState {
	st := &sessionState{
		id:      session.ID,
		flight:  make(chan struct{}, 1),
		session: session,
	}
	st.tracker = threads.New(
		threads.WithLogger(e.logger.With(zap.String("session_id", session.ID))),
		threads.WithClock(e.now),
		threads.WithChangeFunc(func(th types.ExecutionThread) {
			if th.Terminal() {
				e.metrics.ThreadFinished()
			}
			e.publish(streaming.Event{Type: streaming.EventThreadUpdated, SessionID: session.ID, CellID: th.CellID, Data: th})
		}),
	)
	st.stamp = session.UpdatedAt
	for i := range session.Cells {
		if t := session.Cells[i].Timestamp; t.After(st.stamp) {
			st.stamp = t
		}
	}
	return st
}

// touch returns a timestamp strictly after every earlier one in the session. Callers hold mu.
func (s *sessionState) touch(now time.Time) time.Time {
	if !now.After(s.stamp) {
		now = s.stamp.Add(time.Microsecond)
	}
	s.stamp = now
	s.session.UpdatedAt = now
	return now
}

// tryBegin takes the flight without waiting and starts a new generation
func (s *sessionState) tryBegin() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.flight <- struct{}{}:
	default:
		return 0, false
	}
	s.gen++
	return s.gen, true
}

func (s *sessionState) acquire(ctx context.Context) error {
	select {
	case s.flight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sessionState) release() {
	select {
	case <-s.flight:
	default:
	}
}

// end releases the flight if gen still owns it. With abandon set, results of
// gen are discarded from then on.
func (s *sessionState) end(gen uint64, abandon bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(gen, abandon)
}

// endLocked is end for callers holding mu
func (s *sessionState) endLocked(gen uint64, abandon bool) {
	if s.gen != gen {
		return
	}
	if abandon {
		s.gen++
	}
	s.flightCell = ""
	s.release()
}

// reset makes every outstanding result stale and frees the flight
func (s *sessionState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.flightCell = ""
	s.release()
}

// snapshotLocked returns a deep copy including the thread table. Callers hold mu.
func (s *sessionState) snapshotLocked() (*types.Session, error) {
	out, err := s.session.Clone()
	if err != nil {
		return nil, err
	}
	out.Threads, out.ActiveThreadID = s.tracker.Snapshot()
	return out, nil
}

type flightResult[T any] struct {
	value T
	err   error
}

// inFlight runs fn as the session's single transition. It fails fast when
// another transition holds the session and gives up after the flight timeout,
// releasing the session and discarding whatever fn produces afterwards. When
// the caller goes away first, the cell being produced is marked cancelled.
func inFlight[T any](ctx context.Context, e *Engine, st *sessionState, fn func(ctx context.Context, gen uint64) (T, error)) (T, error) {
	var zero T
	gen, ok := st.tryBegin()
	if !ok {
		return zero, ErrTransitionInFlight
	}

	fctx, cancel := context.WithTimeoutCause(ctx, e.flightTimeout, ErrTransitionTimeout)
	done := make(chan flightResult[T], 1)
	go func() {
		v, err := fn(fctx, gen)
		done <- flightResult[T]{value: v, err: err}
	}()

	select {
	case res := <-done:
		cancel()
		st.end(gen, false)
		return res.value, res.err
	case <-fctx.Done():
	}

	if !flightExpired(fctx) {
		cancel()
		e.abortFlight(st, gen)
		return zero, ctx.Err()
	}
	st.end(gen, true)
	cancel()
	e.metrics.FlightTimedOut()
	e.logger.Warn("transition timed out",
		zap.String("session_id", st.id),
		zap.Duration("timeout", e.flightTimeout))
	return zero, fmt.Errorf("%w after %s", ErrTransitionTimeout, e.flightTimeout)
}

// flightExpired reports whether ctx ended because the flight timeout fired
// rather than because the caller cancelled
func flightExpired(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTransitionTimeout)
}

// abortFlight abandons gen after its caller went away and marks the cell it
// was producing as cancelled
func (e *Engine) abortFlight(st *sessionState, gen uint64) {
	st.mu.Lock()
	var (
		aborted types.Cell
		marked  bool
	)
	if st.gen == gen && st.flightCell != "" {
		if c := st.session.Cell(st.flightCell); c != nil && c.Status == types.StatusActive {
			aborted, marked = e.cancelCellLocked(st, c), true
		}
	}
	st.endLocked(gen, true)
	st.mu.Unlock()

	if !marked {
		return
	}
	e.logger.Info("transition cancelled by caller",
		zap.String("session_id", st.id),
		zap.String("cell_id", aborted.ID))
	e.publishCell(streaming.EventCellUpdated, st.id, aborted)
	e.persist(st)
}

// cancelCellLocked marks c as stopped before it was produced. Callers hold st.mu.
func (e *Engine) cancelCellLocked(st *sessionState, c *types.Cell) types.Cell {
	c.Status = types.StatusError
	c.Error = threads.ErrMsgCancelled
	c.Stream.IsStreaming = false
	c.Timestamp = st.touch(e.now())
	return cloneCell(*c)
}

func (e *Engine) publish(event streaming.Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

func (e *Engine) publishCell(t streaming.EventType, sessionID string, cell types.Cell) {
	e.publish(streaming.Event{Type: t, SessionID: sessionID, CellID: cell.ID, Data: cell})
}

// persist writes the session snapshot. Failures are logged and counted; the
// resident state stays authoritative.
func (e *Engine) persist(st *sessionState) {
	st.persistMu.Lock()
	defer st.persistMu.Unlock()

	st.mu.RLock()
	snap, err := st.snapshotLocked()
	st.mu.RUnlock()
	if err != nil {
		e.metrics.PersistFailed()
		e.logger.Error("failed to snapshot session", zap.String("session_id", st.id), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
	defer cancel()
	if err := e.store.SaveSession(ctx, snap); err != nil {
		e.metrics.PersistFailed()
		e.logger.Error("failed to persist session", zap.String("session_id", st.id), zap.Error(err))
	}
}

func cloneCell(c types.Cell) types.Cell {
	data, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out types.Cell
	if err := json.Unmarshal(data, &out); err != nil {
		return c
	}
	return out
}

func (e *Engine) resident(sessionID string) (*sessionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.sessions[sessionID]
	return st, ok
}

// state returns the resident session, loading it from the store when needed
func (e *Engine) state(ctx context.Context, sessionID string) (*sessionState, error) {
	if st, ok := e.resident(sessionID); ok {
		return st, nil
	}
	return e.load(ctx, sessionID)
}

func (e *Engine) load(ctx context.Context, sessionID string) (*sessionState, error) {
	session, err := e.store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	recovered := RecoverStuck(session, e.now(), e.stuckAfter)
	for _, id := range recovered {
		e.metrics.CellRecovered(string(session.Cell(id).Kind))
	}
	st := e.newState(session)
	interrupted := st.tracker.Restore(session.Threads)

	e.mu.Lock()
	if existing, ok := e.sessions[sessionID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	e.sessions[sessionID] = st
	e.mu.Unlock()

	if len(recovered) > 0 || len(interrupted) > 0 {
		e.logger.Info("recovered session",
			zap.String("session_id", sessionID),
			zap.Strings("recovered_cells", recovered),
			zap.Strings("interrupted_threads", interrupted))
		e.persist(st)
	}
	return st, nil
}

// StartSession creates a session whose first cell is the completed goal
func (e *Engine) StartSession(ctx context.Context, goal string, dataFiles []types.DataFile) (*types.Session, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, ErrEmptyGoal
	}

	now := e.now()
	session := &types.Session{
		ID:        uuid.New().String(),
		Goal:      goal,
		Threads:   make(map[string]*types.ExecutionThread),
		CreatedAt: now,
		UpdatedAt: now,
	}
	goalCell := types.Cell{
		ID:         uuid.New().String(),
		Kind:       types.KindGoal,
		Content:    goal,
		Status:     types.StatusCompleted,
		Metadata:   &types.GoalMetadata{DataFiles: dataFiles},
		CanProceed: true,
		CreatedAt:  now,
		Timestamp:  now,
	}
	session.Append(goalCell)
	st := e.newState(session)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.sessions[session.ID] = st
	e.mu.Unlock()

	e.route(ctx, st, goalCell.ID, goalCell.Kind, router.Extract(&goalCell))
	e.persist(st)
	e.logger.Info("session started", zap.String("session_id", session.ID), zap.Int("data_files", len(dataFiles)))

	return e.Snapshot(session.ID)
}

// route forwards ents on behalf of a cell and marks the resident cell as routed.
// Routing failures are recorded as a warning log cell.
func (e *Engine) route(ctx context.Context, st *sessionState, cellID string, kind types.CellKind, ents types.Entities) types.DataRouterResult {
	result := e.router.Dispatch(ctx, st.id, cellID, ents)

	st.mu.Lock()
	if c := st.session.Cell(cellID); c != nil {
		c.Routed = true
	}
	st.mu.Unlock()

	if result.Failed > 0 {
		e.appendLog(st, "warn", fmt.Sprintf("%s cell: %s", kind, result.Message))
	}
	return result
}

func (e *Engine) appendLog(st *sessionState, level, text string) types.Cell {
	st.mu.Lock()
	now := st.touch(e.now())
	cell := types.Cell{
		ID:         uuid.New().String(),
		Kind:       types.KindProgressLog,
		Content:    text,
		Status:     types.StatusCompleted,
		Metadata:   &types.ProgressLogMetadata{Level: level},
		CanProceed: true,
		CreatedAt:  now,
		Timestamp:  now,
	}
	st.session.Append(cell)
	st.mu.Unlock()

	e.publishCell(streaming.EventCellAppended, st.id, cell)
	return cell
}

// Advance produces the cell that follows the latest one. cellID, when set,
// must name the latest cell. It returns nil when the session is finished or
// waiting for the user.
func (e *Engine) Advance(ctx context.Context, sessionID, cellID string) (*types.Cell, error) {
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return inFlight(ctx, e, st, func(fctx context.Context, gen uint64) (*types.Cell, error) {
		return e.advance(fctx, st, gen, cellID)
	})
}

func (e *Engine) advance(ctx context.Context, st *sessionState, gen uint64, cellID string) (*types.Cell, error) {
	st.mu.Lock()
	input := st.session.Last()
	if input == nil {
		st.mu.Unlock()
		return nil, ErrCellNotFound
	}
	if cellID != "" && input.ID != cellID {
		exists := st.session.Cell(cellID) != nil
		st.mu.Unlock()
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
		}
		return nil, fmt.Errorf("%w: cell %s is not the latest cell", ErrCellNotReady, cellID)
	}
	if err := readyToAdvance(st, input); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	step, ok := NextKind(st.session, input, e.maxSteps)
	if !ok {
		st.mu.Unlock()
		return nil, nil
	}

	now := st.touch(e.now())
	cell := types.Cell{
		ID:        uuid.New().String(),
		Kind:      step.Kind,
		Status:    types.StatusActive,
		CreatedAt: now,
		Timestamp: now,
	}
	st.session.Append(cell)
	st.flightCell = cell.ID
	idx := len(st.session.Cells) - 1
	snapshot, err := st.session.Clone()
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.publishCell(streaming.EventCellAppended, st.id, cell)
	e.logger.Debug("advancing",
		zap.String("session_id", st.id),
		zap.String("from", string(input.Kind)),
		zap.String("to", string(step.Kind)))

	return e.produceAndCommit(ctx, st, gen, produceRequest{
		sessionID: st.id,
		session:   snapshot,
		idx:       idx,
		cellID:    cell.ID,
		step:      step,
	})
}

// readyToAdvance checks that input may be consumed. Callers hold st.mu.
func readyToAdvance(st *sessionState, input *types.Cell) error {
	if input.Status == types.StatusError {
		return fmt.Errorf("%w: %s", ErrCellFailed, input.ID)
	}
	if input.Kind == types.KindCode {
		if th, ok := st.tracker.StatusOf(input.ID); ok && th.Status == types.ThreadRunning {
			return ErrExecutionPending
		}
		if m, ok := types.MetadataAs[types.CodeMetadata](input); !ok || m.Execution == nil {
			return ErrNotExecuted
		}
		return nil
	}
	if input.Status != types.StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrCellNotReady, input.Kind, input.Status)
	}
	return nil
}

// produceAndCommit runs the producer and writes its output into the target cell,
// unless the flight was abandoned in the meantime
func (e *Engine) produceAndCommit(ctx context.Context, st *sessionState, gen uint64, req produceRequest) (*types.Cell, error) {
	started := time.Now()
	out, perr := e.produce(ctx, req)
	e.metrics.ObserveTransition(string(req.step.Kind), perr == nil, time.Since(started))

	st.mu.Lock()
	if st.gen != gen {
		st.mu.Unlock()
		e.logger.Warn("discarding result of abandoned transition",
			zap.String("session_id", st.id),
			zap.String("cell_id", req.cellID))
		return nil, ErrTransitionTimeout
	}
	c := st.session.Cell(req.cellID)
	if c == nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCellNotFound, req.cellID)
	}

	if perr != nil {
		if ctx.Err() != nil && flightExpired(ctx) {
			// timed out: the cell is left active for a rerun
			st.mu.Unlock()
			return nil, fmt.Errorf("%w after %s", ErrTransitionTimeout, e.flightTimeout)
		}
		if ctx.Err() != nil {
			cancelled := e.cancelCellLocked(st, c)
			st.mu.Unlock()
			e.publishCell(streaming.EventCellUpdated, st.id, cancelled)
			e.persist(st)
			return nil, ctx.Err()
		}
		c.Status = types.StatusError
		c.Error = perr.Error()
		c.Stream.IsStreaming = false
		c.Timestamp = st.touch(e.now())
		failed := cloneCell(*c)
		st.mu.Unlock()

		e.logger.Error("producer failed",
			zap.String("session_id", st.id),
			zap.String("kind", string(req.step.Kind)),
			zap.Error(perr))
		e.publishCell(streaming.EventCellUpdated, st.id, failed)
		e.persist(st)
		return nil, &CollaboratorError{Kind: req.step.Kind, Err: perr}
	}

	// a rerun forwards only what the previous version did not deliver
	var delivered types.Entities
	if c.Routed {
		delivered = router.Extract(c)
	}
	next := *c
	next.Content = out.content
	next.Metadata = out.metadata
	next.Status = out.status
	next.RequiresUserAction = out.requiresUser
	next.CanProceed = out.canProceed
	next.Error = ""
	next.Routed = false
	next.Timestamp = st.touch(e.now())
	if err := st.session.Replace(next); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	produced := cloneCell(next)
	st.mu.Unlock()

	e.route(ctx, st, produced.ID, produced.Kind, router.Subtract(router.Extract(&produced), delivered))
	produced.Routed = true
	e.publishCell(streaming.EventCellUpdated, st.id, produced)
	e.persist(st)
	return &produced, nil
}

// ProvideData attaches user-supplied files to a data collection cell and lets the pipeline continue
func (e *Engine) ProvideData(ctx context.Context, sessionID, cellID string, files []types.DataFile) (*types.Cell, error) {
	if len(files) == 0 {
		return nil, errors.New("no data files provided")
	}
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return inFlight(ctx, e, st, func(fctx context.Context, _ uint64) (*types.Cell, error) {
		st.mu.Lock()
		c := st.session.Cell(cellID)
		if c == nil {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
		}
		m, ok := types.MetadataAs[types.DataCollectionMetadata](c)
		if !ok {
			st.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not a data collection cell", ErrWrongKind, c.Kind)
		}
		fresh := router.Subtract(types.Entities{DataFiles: files}, types.Entities{DataFiles: m.DataFiles})
		m.DataFiles = append(m.DataFiles, fresh.DataFiles...)
		c.CanProceed = true
		c.Timestamp = st.touch(e.now())
		st.mu.Unlock()

		// only files the store has not seen are routed
		e.route(fctx, st, cellID, types.KindDataCollection, fresh)
		st.mu.RLock()
		updated := cloneCell(*st.session.Cell(cellID))
		st.mu.RUnlock()
		e.publishCell(streaming.EventCellUpdated, st.id, updated)
		e.persist(st)
		return &updated, nil
	})
}

// Note appends an informational progress log cell
func (e *Engine) Note(ctx context.Context, sessionID, text string) (*types.Cell, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("note is empty")
	}
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cell := e.appendLog(st, "info", text)
	e.persist(st)
	return &cell, nil
}

// LoadSession returns the session, loading it from the store and recovering
// stuck cells when it is not resident
func (e *Engine) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	if _, err := e.state(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.Snapshot(sessionID)
}

// Snapshot returns a copy of a resident session
func (e *Engine) Snapshot(sessionID string) (*types.Session, error) {
	st, ok := e.resident(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.snapshotLocked()
}

// Reset force-releases a stuck transition. Results of the abandoned transition are discarded.
func (e *Engine) Reset(sessionID string) error {
	st, ok := e.resident(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	st.reset()
	e.logger.Info("session reset", zap.String("session_id", sessionID))
	return nil
}

// Cancel stops every running thread of the session and returns how many were stopped
func (e *Engine) Cancel(ctx context.Context, sessionID string) (int, error) {
	st, err := e.state(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	var cellIDs []string
	for _, id := range st.tracker.Running() {
		if th, ok := st.tracker.Get(id); ok && st.tracker.Cancel(id) {
			cellIDs = append(cellIDs, th.CellID)
		}
	}
	var updated []types.Cell
	for _, id := range cellIDs {
		if c := st.session.Cell(id); c != nil {
			c.Status = types.StatusError
			c.Error = "execution " + threads.ErrMsgCancelled
			c.Stream.IsStreaming = false
			c.Timestamp = st.touch(e.now())
			updated = append(updated, cloneCell(*c))
		}
	}
	st.mu.Unlock()

	for _, c := range updated {
		e.publishCell(streaming.EventCellUpdated, sessionID, c)
	}
	if len(cellIDs) > 0 {
		e.persist(st)
	}
	return len(cellIDs), nil
}

// ListSessions returns stored session summaries, most recent first
func (e *Engine) ListSessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	return e.store.ListSessions(ctx, limit)
}

// DeleteSession stops the session's threads and removes it from memory and the store
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	st, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if ok {
		st.reset()
		st.mu.Lock()
		st.tracker.CancelAll()
		st.mu.Unlock()
	}
	if err := e.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

// cellWriter lets the streaming reporter update cells under the session data lock only
type cellWriter struct {
	e *Engine
}

func (w cellWriter) update(sessionID, cellID string, fn func(*types.Cell)) error {
	st, ok := w.e.resident(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	c := st.session.Cell(cellID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
	}
	fn(c)
	c.Timestamp = st.touch(w.e.now())
	return nil
}

func (w cellWriter) AppendStreamLine(sessionID, cellID, line string) error {
	return w.update(sessionID, cellID, func(c *types.Cell) {
		c.Stream.Lines = append(c.Stream.Lines, line)
	})
}

func (w cellWriter) SetStreaming(sessionID, cellID string, streaming bool) error {
	return w.update(sessionID, cellID, func(c *types.Cell) {
		c.Stream.IsStreaming = streaming
	})
}

package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ThreadStatus is the lifecycle state of an execution thread
type ThreadStatus string

// ThreadStatus constants
const (
	ThreadRunning   ThreadStatus = "running"
	ThreadCompleted ThreadStatus = "completed"
	ThreadError     ThreadStatus = "error"
	ThreadPaused    ThreadStatus = "paused"
)

// ThreadProgress tracks the step-level progress of a running thread
type ThreadProgress struct {
	CurrentStep int      `json:"current_step"`
	TotalSteps  int      `json:"total_steps"`
	StepResults []string `json:"step_results,omitempty"`
}

// ExecutionThread is the bookkeeping record for one asynchronous code run
type ExecutionThread struct {
	ID        string         `json:"id"`
	CellID    string         `json:"cell_id"`
	Status    ThreadStatus   `json:"status"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Progress  ThreadProgress `json:"progress"`
	Error     string         `json:"error,omitempty"`
}

// Terminal reports whether the thread has finished
func (t *ExecutionThread) Terminal() bool {
	return t.Status == ThreadCompleted || t.Status == ThreadError
}

// Session is a single research workflow
type Session struct {
	ID             string                      `json:"id"`
	Goal           string                      `json:"goal"`
	Cells          []Cell                      `json:"cells"`
	Threads        map[string]*ExecutionThread `json:"threads"`
	ActiveThreadID string                      `json:"active_thread_id,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// SessionSummary is the listing view of a session
type SessionSummary struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	CellCount int       `json:"cell_count"`
	LastKind  CellKind  `json:"last_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the listing view of s
func (s *Session) Summary() SessionSummary {
	sum := SessionSummary{
		ID:        s.ID,
		Goal:      s.Goal,
		CellCount: len(s.Cells),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if n := len(s.Cells); n > 0 {
		sum.LastKind = s.Cells[n-1].Kind
	}
	return sum
}

// Index returns the position of the cell with id, or -1
func (s *Session) Index(id string) int {
	for i := range s.Cells {
		if s.Cells[i].ID == id {
			return i
		}
	}
	return -1
}

// Cell returns a pointer to the cell with id, or nil
func (s *Session) Cell(id string) *Cell {
	if i := s.Index(id); i >= 0 {
		return &s.Cells[i]
	}
	return nil
}

// Append adds a cell to the end of the session
func (s *Session) Append(c Cell) {
	s.Cells = append(s.Cells, c)
}

// Replace swaps the cell with the same id, keeping its position
func (s *Session) Replace(c Cell) error {
	i := s.Index(c.ID)
	if i < 0 {
		return fmt.Errorf("cell %s not found in session %s", c.ID, s.ID)
	}
	s.Cells[i] = c
	return nil
}

// Last returns the most recent cell that is not a progress log, or nil
func (s *Session) Last() *Cell {
	for i := len(s.Cells) - 1; i >= 0; i-- {
		if s.Cells[i].Kind != KindProgressLog {
			return &s.Cells[i]
		}
	}
	return nil
}

// LastOfKind returns the most recent cell of kind before index end, or nil
func (s *Session) LastOfKind(kind CellKind, end int) *Cell {
	if end > len(s.Cells) {
		end = len(s.Cells)
	}
	for i := end - 1; i >= 0; i-- {
		if s.Cells[i].Kind == kind {
			return &s.Cells[i]
		}
	}
	return nil
}

// DataFiles collects every data file the user has supplied so far
func (s *Session) DataFiles() []DataFile {
	var files []DataFile
	for i := range s.Cells {
		switch m := s.Cells[i].Metadata.(type) {
		case *GoalMetadata:
			files = append(files, m.DataFiles...)
		case *DataCollectionMetadata:
			files = append(files, m.DataFiles...)
		}
	}
	return files
}

// Clone returns a deep copy of the session
func (s *Session) Clone() (*Session, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if out.Threads == nil {
		out.Threads = make(map[string]*ExecutionThread)
	}
	return &out, nil
}

// RoutedCounts reports the number of items attempted per category
type RoutedCounts struct {
	References     int `json:"references"`
	DataFiles      int `json:"data_files"`
	Visualizations int `json:"visualizations"`
	Variables      int `json:"variables"`
	Libraries      int `json:"libraries"`
	WriteUps       int `json:"write_ups"`
}

// Total returns the sum over all categories
func (r RoutedCounts) Total() int {
	return r.References + r.DataFiles + r.Visualizations + r.Variables + r.Libraries + r.WriteUps
}

// DataRouterResult is the outcome of routing one cell
type DataRouterResult struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	RoutedItems RoutedCounts `json:"routed_items"`
	Failed      int          `json:"failed"`
	Skipped     bool         `json:"skipped,omitempty"`
}

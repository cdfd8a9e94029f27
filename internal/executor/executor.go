// Package executor runs analysis code for code cells.
// Executors report output lines as they are produced so callers can stream
// progress while the run is still in flight.
package executor

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/jonathan/research-assistant/internal/types"
)

// Request describes one code run
type Request struct {
	SessionID string
	CellID    string
	Code      string
	// OnLine is called for every stdout line, in order, from the executing goroutine
	OnLine func(line string)
}

// Executor runs code. A returned error means the run could not be carried out
// (missing interpreter, cancellation); a script that ran and failed returns a
// result with Success false.
type Executor interface {
	Execute(ctx context.Context, req Request) (*types.ExecutionResult, error)
}

// Func adapts a function to an Executor
type Func func(ctx context.Context, req Request) (*types.ExecutionResult, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, req Request) (*types.ExecutionResult, error) {
	return f(ctx, req)
}

// SummaryPrefix marks the line carrying the data-level summary of a run
const SummaryPrefix = "SUMMARY:"

var stepPattern = regexp.MustCompile(`STEP\s+(\d+)\s*/\s*(\d+)\s*:?\s*(.*)`)

// Progress is a parsed "STEP i/n: message" line
type Progress struct {
	Step    int
	Total   int
	Message string
}

// ParseProgress parses a progress line
func ParseProgress(line string) (Progress, bool) {
	m := stepPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil || !strings.HasPrefix(strings.TrimSpace(line), "STEP") {
		return Progress{}, false
	}
	step, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || total < 1 {
		return Progress{}, false
	}
	return Progress{Step: step, Total: total, Message: strings.TrimSpace(m[3])}, true
}

// CountSteps returns the largest step total mentioned by progress markers in code,
// or 1 when the code has none
func CountSteps(code string) int {
	total := 1
	for _, m := range stepPattern.FindAllStringSubmatch(code, -1) {
		if n, err := strconv.Atoi(m[2]); err == nil && n > total {
			total = n
		}
	}
	return total
}

// ParseSummary returns the text after SUMMARY: on a line
func ParseSummary(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, SummaryPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, SummaryPrefix)), true
}

package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/research-assistant/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestPrintCell(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	cell := &types.Cell{
		ID:      "c1",
		Kind:    types.KindInitialization,
		Status:  types.StatusCompleted,
		Content: "Surveyed sleep literature.",
		Metadata: &types.InitializationMetadata{
			References: []types.Reference{
				{Title: "Sleep and Mood", Year: 2019},
				{Title: "Circadian Rhythm"},
			},
		},
	}

	p.PrintCell(cell)
	output := buf.String()

	assert.Contains(t, output, "INITIALIZATION")
	assert.Contains(t, output, "completed")
	assert.Contains(t, output, "Surveyed sleep literature.")
	assert.Contains(t, output, "Sleep and Mood (2019)")
	assert.Contains(t, output, "Circadian Rhythm")
}

func TestPrintCell_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf).PrintCell(nil)
	assert.Empty(t, buf.String())
}

func TestPrintCell_TruncatesLists(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	vars := make([]types.Variable, 8)
	for i := range vars {
		vars[i] = types.Variable{Name: "v", Value: "1"}
	}
	p.PrintCell(&types.Cell{
		Kind:     types.KindResult,
		Status:   types.StatusCompleted,
		Metadata: &types.ResultMetadata{Variables: vars},
	})

	assert.Contains(t, buf.String(), "... and 3 more")
}

func TestPrintCell_Execution(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintCell(&types.Cell{
		Kind:   types.KindCode,
		Status: types.StatusCompleted,
		Metadata: &types.CodeMetadata{
			Execution: &types.ExecutionResult{Success: true, ExecutionTimeMs: 42, DataSummary: "n=120"},
		},
	})

	output := buf.String()
	assert.Contains(t, output, "success=true in 42ms")
	assert.Contains(t, output, "n=120")
}

func TestPrintBox_Truncates(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.printBox("TITLE", strings.Repeat("x", 200))

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, len([]rune(line)), boxWidth)
	}
	assert.Contains(t, buf.String(), "...")
}

func TestPrintSessionList(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintSessionList(nil)
	assert.Contains(t, buf.String(), "No sessions found.")

	buf.Reset()
	p.PrintSessionList([]types.SessionSummary{{
		ID:        "s1",
		Goal:      "Does sleep affect mood?",
		CellCount: 3,
		LastKind:  types.KindAbstract,
		UpdatedAt: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
	}})
	output := buf.String()
	assert.Contains(t, output, "s1")
	assert.Contains(t, output, "abstract")
	assert.Contains(t, output, "2026-01-02 03:04")
}

func TestPrintRouting(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintRouting(types.DataRouterResult{Skipped: true})
	assert.Empty(t, buf.String())

	p.PrintRouting(types.DataRouterResult{
		Success:     true,
		Message:     "routed 3 items",
		RoutedItems: types.RoutedCounts{References: 2, Libraries: 1},
	})
	output := buf.String()
	assert.Contains(t, output, "DATA ROUTING")
	assert.Contains(t, output, "References: 2")
	assert.NotContains(t, output, "Failed")
}

package orchestrator

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/research-assistant/internal/types"
)

func contextSession() *types.Session {
	return &types.Session{
		Goal: "Does sleep improve recall?",
		Cells: []types.Cell{
			{Kind: types.KindGoal, Status: types.StatusCompleted, Content: "Does sleep improve recall?",
				Metadata: &types.GoalMetadata{DataFiles: []types.DataFile{{Name: "survey.csv", Path: "/data/survey.csv", Columns: []string{"hours", "score"}}}}},
			{Kind: types.KindInitialization, Status: types.StatusCompleted, Content: "Prior work",
				Metadata: &types.InitializationMetadata{References: []types.Reference{{Title: "Sleep and memory", Year: 2005, Venue: "Nature"}}}},
			{Kind: types.KindProgressLog, Status: types.StatusCompleted, Content: "routing warning"},
			{Kind: types.KindAbstract, Status: types.StatusError, Content: "broken abstract"},
			{Kind: types.KindCode, Status: types.StatusCompleted, Content: "print(1)",
				Metadata: &types.CodeMetadata{StepIndex: 0, Execution: &types.ExecutionResult{Stdout: "1\n", Success: true, DataSummary: "one row"}}},
			{Kind: types.KindWriteup, Status: types.StatusActive},
		},
	}
}

func TestBuildContext(t *testing.T) {
	session := contextSession()
	got := BuildContext(session, 5, 0)

	assert.Contains(t, got, "## Goal\nDoes sleep improve recall?")
	assert.Contains(t, got, "## Initialization\nPrior work")
	assert.Contains(t, got, "- Sleep and memory (2005), Nature")
	assert.Contains(t, got, "## Code (step 1)\n```python\nprint(1)\n```")
	assert.Contains(t, got, "Summary: one row")
	assert.Contains(t, got, "## Data Files\n- survey.csv at /data/survey.csv, columns: hours, score")
	assert.NotContains(t, got, "routing warning")
	assert.NotContains(t, got, "broken abstract")
	assert.NotContains(t, got, "## Writeup", "cells from end onwards are excluded")
}

func TestBuildContext_DropsOldestSectionsFirst(t *testing.T) {
	session := contextSession()
	session.Cells[1].Content = strings.Repeat("x", 2000)

	got := BuildContext(session, 5, 600)
	assert.LessOrEqual(t, len(got), 600)
	assert.True(t, strings.HasPrefix(got, "## Goal"))
	assert.NotContains(t, got, "## Initialization")
	assert.Contains(t, got, "## Data Files")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 10))
	got := tail("line one\nline two\nline three", 12)
	assert.Equal(t, "...\nline three", got)
}

func TestTail_KeepsRunesWhole(t *testing.T) {
	got := tail(strings.Repeat("é", 1000), 1499)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "...\n"+strings.Repeat("é", 749), got)
}

//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCell_JSONDecodesMetadataByKind(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cell := Cell{
		ID:      "cell-1",
		Kind:    KindCode,
		Content: "print('hi')",
		Status:  StatusCompleted,
		Metadata: &CodeMetadata{
			StepIndex: 2,
			Language:  "python",
			ThreadID:  "thread-1",
			Execution: &ExecutionResult{Stdout: "hi\n", Success: true, ExecutionTimeMs: 12},
		},
		CreatedAt: now,
		Timestamp: now,
	}

	data, err := json.Marshal(cell)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"code"`)
	assert.Contains(t, string(data), `"step_index":2`)

	var decoded Cell
	require.NoError(t, json.Unmarshal(data, &decoded))

	meta, ok := MetadataAs[CodeMetadata](&decoded)
	require.True(t, ok, "expected code metadata, got %T", decoded.Metadata)
	assert.Equal(t, 2, meta.StepIndex)
	assert.Equal(t, "thread-1", meta.ThreadID)
	require.NotNil(t, meta.Execution)
	assert.True(t, meta.Execution.Success)
	assert.True(t, decoded.CreatedAt.Equal(now))
}

func TestCell_JSONWithoutMetadata(t *testing.T) {
	var decoded Cell
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","kind":"abstract","status":"pending"}`), &decoded))
	assert.Nil(t, decoded.Metadata)
	assert.Equal(t, KindAbstract, decoded.Kind)
}

func TestCell_JSONRejectsUnknownKind(t *testing.T) {
	var decoded Cell
	err := json.Unmarshal([]byte(`{"id":"x","kind":"spreadsheet"}`), &decoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cell kind")
}

func TestCell_Ready(t *testing.T) {
	tests := []struct {
		name string
		cell Cell
		want bool
	}{
		{"completed", Cell{Status: StatusCompleted}, true},
		{"active", Cell{Status: StatusActive}, false},
		{"error", Cell{Status: StatusError}, false},
		{"awaiting user", Cell{Status: StatusCompleted, RequiresUserAction: true}, false},
		{"user resolved", Cell{Status: StatusCompleted, RequiresUserAction: true, CanProceed: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cell.Ready())
		})
	}
}

func TestCellKind_Flags(t *testing.T) {
	assert.False(t, KindGoal.Rerunnable())
	assert.False(t, KindProgressLog.Rerunnable())
	assert.True(t, KindResult.Rerunnable())

	assert.False(t, KindInitialization.RecoverableWhenStuck())
	assert.False(t, KindDataAssessment.RecoverableWhenStuck())
	assert.True(t, KindCode.RecoverableWhenStuck())
}

func TestMetadata_Entities(t *testing.T) {
	result := &ResultMetadata{
		Variables:      []Variable{{Name: "mean", Value: "4.2"}},
		Visualizations: []Visualization{{Title: "hist"}},
	}
	ents := result.Entities()
	assert.Len(t, ents.Variables, 1)
	assert.Len(t, ents.Visualizations, 1)
	assert.False(t, ents.Empty())
	assert.True(t, AbstractMetadata{}.Entities().Empty())
}

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "json code block",
			input:    "```json\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "generic code block",
			input:    "```\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "code block with language",
			input:    "```javascript\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "plain JSON",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "preamble before object",
			input:    "Here is the plan:\n{\"steps\": []}",
			expected: `{"steps": []}`,
		},
		{
			name:     "trailing prose",
			input:    "{\"key\": \"value\"}\n\nLet me know if you need anything else!",
			expected: `{"key": "value"}`,
		},
		{
			name:     "braces inside strings",
			input:    `{"code": "print({'a': 1})"} done`,
			expected: `{"code": "print({'a': 1})"}`,
		},
		{
			name:     "escaped quote inside string",
			input:    `{"summary": "the \"mean\" value"} trailing`,
			expected: `{"summary": "the \"mean\" value"}`,
		},
		{
			name:     "array",
			input:    "Items:\n[\"a\", \"b\"]",
			expected: `["a", "b"]`,
		},
		{
			name:     "no JSON",
			input:    "sorry, I cannot help",
			expected: "sorry, I cannot help",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, "analysis_plan", StageOf("You are a planner.\nSTAGE: analysis_plan\nGoal: x"))
	assert.Equal(t, "", StageOf("no marker here"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc\n[truncated]", Truncate("abcdef", 3))
	// multi-byte rune is not split
	assert.Equal(t, "a\n[truncated]", Truncate("aé", 2))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))
}

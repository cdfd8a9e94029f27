package llm

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(reason genai.FinishReason, parts ...genai.Part) *genai.GenerateContentResponse {
	c := &genai.Candidate{FinishReason: reason}
	if parts != nil {
		c.Content = &genai.Content{Role: "model", Parts: parts}
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{c}}
}

func TestResponseText(t *testing.T) {
	text, err := responseText(candidate(genai.FinishReasonStop, genai.Text(`{"content":`), genai.Text(`"ok"}`)))
	require.NoError(t, err)
	assert.Equal(t, `{"content":"ok"}`, text)
}

func TestResponseText_Errors(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want string
	}{
		{"nil response", nil, "no candidates"},
		{"no candidates", &genai.GenerateContentResponse{}, "no candidates"},
		{"no content", candidate(genai.FinishReasonStop), "no content"},
		{"no text parts", candidate(genai.FinishReasonStop, genai.Blob{MIMEType: "image/png"}), "no text parts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := responseText(tt.resp)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestResponseText_Truncated(t *testing.T) {
	_, err := responseText(candidate(genai.FinishReasonMaxTokens, genai.Text(`{"content":"cut of`)))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDefaultConfig_OutputLimits(t *testing.T) {
	config := DefaultConfig()
	assert.Greater(t, config.MaxOutputTokens[TierAdvanced], config.MaxOutputTokens[TierLite])

	derived := config.WithModel(TierLite, "other")
	assert.Equal(t, config.MaxOutputTokens, derived.MaxOutputTokens)
}

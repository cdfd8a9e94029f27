package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStage_Valid(t *testing.T) {
	tests := map[string]string{
		"initialization":  `{"content":"ok","references":[{"title":"Caffeine and sleep","year":2013}]}`,
		"abstract":        `{"content":"We study...","keywords":["sleep"]}`,
		"data_assessment": `{"content":"enough","has_data":true}`,
		"data_collection": `{"content":"get data","instructions":["download the CDC file"]}`,
		"analysis_plan":   `{"content":"plan","steps":[{"title":"Load"}],"libraries":[{"name":"pandas"}]}`,
		"code":            `{"code":"print(1)","libraries":[{"name":"numpy","version":"1.26"}]}`,
		"result":          `{"content":"fine","variables":[{"name":"mean","value":4.2},{"name":"ok","value":true}]}`,
		"writeup":         `{"content":"# Report","title":"Report","sections":[{"heading":"Intro","body":"..."}]}`,
	}
	for stage, doc := range tests {
		t.Run(stage, func(t *testing.T) {
			assert.NoError(t, ValidateStage(stage, doc))
		})
	}
}

func TestValidateStage_MissingRequired(t *testing.T) {
	err := ValidateStage("analysis_plan", `{"content":"plan","steps":[]}`)
	require.Error(t, err)

	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "analysis_plan", validationErr.Schema)
	assert.NotEmpty(t, validationErr.Errors)
	assert.Contains(t, err.Error(), "analysis_plan output failed validation")
}

func TestValidateStage_RefToCommonDefinitions(t *testing.T) {
	err := ValidateStage("code", `{"code":"x","libraries":[{"version":"1"}]}`)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr), "library without name must fail: %v", err)
}

func TestValidateStage_WrongType(t *testing.T) {
	err := ValidateStage("data_assessment", `{"content":"x","has_data":"yes"}`)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "has_data", validationErr.Errors[0].Field)
}

func TestValidateStage_MalformedJSON(t *testing.T) {
	err := ValidateStage("abstract", `{"content":`)
	require.Error(t, err)
	var validationErr *ValidationError
	assert.False(t, errors.As(err, &validationErr))
}

func TestValidateStage_UnknownStage(t *testing.T) {
	err := ValidateStage("spreadsheet", `{}`)
	var loadErr *SchemaLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.False(t, HasStage("spreadsheet"))
	assert.False(t, HasStage("common"))
	assert.True(t, HasStage("writeup"))
}

// Package schemas provides JSON Schema validation for structured LLM stage output.
package schemas

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed stages/*.schema.json
var stageFiles embed.FS

const commonSchema = "common"

// ValidationError represents a schema validation error with field paths
type ValidationError struct {
	Schema string
	Errors []FieldError
}

// FieldError represents a single validation error at a specific field
type FieldError struct {
	Field   string
	Message string
}

// SchemaLoadError represents errors loading or parsing the schema itself
type SchemaLoadError struct {
	Path    string
	Message string
	Cause   error
}

func (e *SchemaLoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load schema %s: %s: %v", e.Path, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load schema %s: %s", e.Path, e.Message)
}

func (e *SchemaLoadError) Unwrap() error {
	return e.Cause
}

func (ve *ValidationError) Error() string {
	var sb strings.Builder
	if ve.Schema != "" {
		sb.WriteString(fmt.Sprintf("%s output failed validation:\n", ve.Schema))
	} else {
		sb.WriteString("validation failed:\n")
	}
	for i, err := range ve.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	return sb.String()
}

var (
	compiled   = make(map[string]*gojsonschema.Schema)
	compiledMu sync.Mutex
)

// stageSchema compiles and caches the schema for a stage
func stageSchema(stage string) (*gojsonschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if s, ok := compiled[stage]; ok {
		return s, nil
	}

	path := "stages/" + stage + ".schema.json"
	body, err := stageFiles.ReadFile(path)
	if err != nil {
		return nil, &SchemaLoadError{Path: path, Message: "no schema for stage", Cause: err}
	}
	common, err := stageFiles.ReadFile("stages/" + commonSchema + ".schema.json")
	if err != nil {
		return nil, &SchemaLoadError{Path: commonSchema, Message: "missing common definitions", Cause: err}
	}

	loader := gojsonschema.NewSchemaLoader()
	if err := loader.AddSchemas(gojsonschema.NewBytesLoader(common)); err != nil {
		return nil, &SchemaLoadError{Path: commonSchema, Message: "invalid common definitions", Cause: err}
	}
	schema, err := loader.Compile(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, &SchemaLoadError{Path: path, Message: "schema compilation failed", Cause: err}
	}
	compiled[stage] = schema
	return schema, nil
}

// HasStage reports whether a schema exists for stage
func HasStage(stage string) bool {
	_, err := stageFiles.ReadFile("stages/" + stage + ".schema.json")
	return err == nil && stage != commonSchema
}

// ValidateStage validates a stage's JSON output against its embedded schema
func ValidateStage(stage, jsonContent string) error {
	schema, err := stageSchema(stage)
	if err != nil {
		return err
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(jsonContent))
	if err != nil {
		return fmt.Errorf("failed to parse %s output: %w", stage, err)
	}
	return toValidationError(stage, result)
}

func toValidationError(schema string, result *gojsonschema.Result) error {
	if result.Valid() {
		return nil
	}

	validationErr := &ValidationError{
		Schema: schema,
		Errors: make([]FieldError, 0, len(result.Errors())),
	}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		validationErr.Errors = append(validationErr.Errors, FieldError{
			Field:   field,
			Message: desc.Description(),
		})
	}
	return validationErr
}

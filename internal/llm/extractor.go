// Package llm - extractor.go builds structured-output prompts for research stages.
package llm

import (
	"fmt"
	"strings"
)

// OutputSchema describes the JSON object a stage prompt asks the model for
type OutputSchema struct {
	Name        string        // Stage name, written to the STAGE line
	Description string        // Instructions preceding the output structure
	Fields      []SchemaField // Expected output fields
}

// SchemaField defines a single field in the output object.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint, e.g. "string", "[\"string\"]"
	Description string // Description for the LLM
	Required    bool   // Whether this field is required
}

// BuildPrompt constructs a prompt from the schema and the research context.
// The comment, when present, is the user's revision request for a rerun.
func BuildPrompt(schema OutputSchema, researchContext, comment string) string {
	var sb strings.Builder

	sb.WriteString(StagePrefix)
	sb.WriteString(schema.Name)
	sb.WriteString("\n\n")

	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "\"string\""
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s", field.Name, typeHint, requiredHint))
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString("IMPORTANT:\n")
	sb.WriteString("- Base the answer on the research context below; do not invent data values.\n")
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n\n")

	sb.WriteString("Research context:\n\"\"\"\n")
	sb.WriteString(researchContext)
	sb.WriteString("\n\"\"\"\n")

	if strings.TrimSpace(comment) != "" {
		sb.WriteString("\nRevision request from the user (apply it to this stage):\n\"\"\"\n")
		sb.WriteString(comment)
		sb.WriteString("\n\"\"\"\n")
	}

	return sb.String()
}

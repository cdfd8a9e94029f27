package orchestrator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jonathan/research-assistant/internal/llm"
	"github.com/jonathan/research-assistant/internal/types"
)

const (
	// DefaultContextChars bounds the research context sent with a prompt
	DefaultContextChars = 12000
	// maxSectionChars bounds any single cell's contribution
	maxSectionChars = 3000
	// maxOutputChars bounds execution output quoted in the context
	maxOutputChars = 1500
)

// BuildContext renders the cells before end as prompt context. Error cells and
// progress logs are left out. When the text exceeds limit the oldest sections
// after the goal are dropped first.
func BuildContext(session *types.Session, end, limit int) string {
	if limit <= 0 {
		limit = DefaultContextChars
	}
	if end > len(session.Cells) || end < 0 {
		end = len(session.Cells)
	}

	var sections []string
	for i := 0; i < end; i++ {
		c := &session.Cells[i]
		if c.Kind == types.KindProgressLog || c.Status == types.StatusError {
			continue
		}
		sections = append(sections, llm.Truncate(describeCell(c), maxSectionChars))
	}
	if files := session.DataFiles(); len(files) > 0 {
		sections = append(sections, describeDataFiles(files))
	}

	total := 0
	for _, s := range sections {
		total += len(s) + 2
	}
	// keep the goal, drop from the front of the rest
	for len(sections) > 2 && total > limit {
		total -= len(sections[1]) + 2
		sections = append(sections[:1], sections[2:]...)
	}
	return llm.Truncate(strings.Join(sections, "\n\n"), limit)
}

func heading(kind types.CellKind) string {
	words := strings.Split(string(kind), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "## " + strings.Join(words, " ")
}

func describeCell(c *types.Cell) string {
	var sb strings.Builder
	sb.WriteString(heading(c.Kind))

	switch m := c.Metadata.(type) {
	case *types.CodeMetadata:
		fmt.Fprintf(&sb, " (step %d)\n```python\n%s\n```\n", m.StepIndex+1, strings.TrimSpace(c.Content))
		if ex := m.Execution; ex != nil {
			fmt.Fprintf(&sb, "Execution success=%t in %dms\n", ex.Success, ex.ExecutionTimeMs)
			if ex.DataSummary != "" {
				fmt.Fprintf(&sb, "Summary: %s\n", ex.DataSummary)
			}
			if out := strings.TrimSpace(ex.Stdout); out != "" {
				fmt.Fprintf(&sb, "stdout:\n%s\n", tail(out, maxOutputChars))
			}
			if errOut := strings.TrimSpace(ex.Stderr); errOut != "" {
				fmt.Fprintf(&sb, "stderr:\n%s\n", tail(errOut, maxOutputChars))
			}
		}
		return sb.String()
	case *types.ResultMetadata:
		fmt.Fprintf(&sb, " (step %d)\n", m.StepIndex+1)
	default:
		sb.WriteString("\n")
	}
	sb.WriteString(strings.TrimSpace(c.Content))
	sb.WriteString("\n")

	switch m := c.Metadata.(type) {
	case *types.InitializationMetadata:
		for _, r := range m.References {
			sb.WriteString("- " + r.Title)
			if r.Year > 0 {
				fmt.Fprintf(&sb, " (%d)", r.Year)
			}
			if r.Venue != "" {
				sb.WriteString(", " + r.Venue)
			}
			sb.WriteString("\n")
		}
	case *types.AnalysisPlanMetadata:
		for i, s := range m.Steps {
			fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, s.Title, s.Description)
		}
	case *types.ResultMetadata:
		for _, v := range m.Variables {
			fmt.Fprintf(&sb, "- %s = %s\n", v.Name, v.Value)
		}
	case *types.DataAssessmentMetadata:
		fmt.Fprintf(&sb, "Data available: %t\n", m.HasData)
	}
	return sb.String()
}

func describeDataFiles(files []types.DataFile) string {
	var sb strings.Builder
	sb.WriteString("## Data Files\n")
	for _, f := range files {
		sb.WriteString("- " + f.Name)
		if f.Path != "" {
			sb.WriteString(" at " + f.Path)
		}
		if f.Format != "" {
			sb.WriteString(" [" + f.Format + "]")
		}
		if f.Rows > 0 {
			fmt.Fprintf(&sb, ", %d rows", f.Rows)
		}
		if len(f.Columns) > 0 {
			sb.WriteString(", columns: " + strings.Join(f.Columns, ", "))
		}
		if f.Description != "" {
			sb.WriteString(" - " + f.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// tail keeps the last max bytes of s, cut at a line boundary when possible
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	cut := s[start:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return "...\n" + cut
}

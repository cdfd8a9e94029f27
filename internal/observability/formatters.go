// Package observability provides logging, metrics, and formatted output for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonathan/research-assistant/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// maxContentLines bounds how much cell content is echoed
	maxContentLines = 12
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncateRunes(title, boxWidth-4))
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(strings.TrimRight(content, "\n"), "\n") {
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, truncateRunes(line, boxWidth-4))
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func writeList[T any](sb *strings.Builder, heading string, items []T, format func(T) string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString(heading + ":\n")
	count := min(len(items), maxItemsToShow)
	for i := 0; i < count; i++ {
		sb.WriteString("  • " + format(items[i]) + "\n")
	}
	if len(items) > maxItemsToShow {
		fmt.Fprintf(sb, "  ... and %d more\n", len(items)-maxItemsToShow)
	}
}

// PrintCell outputs a human-readable summary of one cell
func (p *Printer) PrintCell(cell *types.Cell) {
	if cell == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status:   %s\n", cell.Status)
	if cell.Error != "" {
		fmt.Fprintf(&sb, "Error:    %s\n", cell.Error)
	}
	if cell.RequiresUserAction {
		sb.WriteString("Waiting for user input\n")
	}
	sb.WriteString("\n")

	lines := strings.Split(strings.TrimSpace(cell.Content), "\n")
	for i, line := range lines {
		if i == maxContentLines {
			fmt.Fprintf(&sb, "... %d more lines\n", len(lines)-maxContentLines)
			break
		}
		sb.WriteString(line + "\n")
	}

	if cell.Metadata != nil {
		entities := cell.Metadata.Entities()
		if !entities.Empty() {
			sb.WriteString("\n")
		}
		writeList(&sb, "References", entities.References, func(r types.Reference) string {
			if r.Year > 0 {
				return fmt.Sprintf("%s (%d)", r.Title, r.Year)
			}
			return r.Title
		})
		writeList(&sb, "Data Files", entities.DataFiles, func(f types.DataFile) string { return f.Name })
		writeList(&sb, "Variables", entities.Variables, func(v types.Variable) string {
			return fmt.Sprintf("%s = %s", v.Name, v.Value)
		})
		writeList(&sb, "Visualizations", entities.Visualizations, func(v types.Visualization) string { return v.Title })
		writeList(&sb, "Libraries", entities.Libraries, func(l types.Library) string { return l.Name })
	}
	if code, ok := types.MetadataAs[types.CodeMetadata](cell); ok && code.Execution != nil {
		fmt.Fprintf(&sb, "\nExecution: success=%t in %dms\n", code.Execution.Success, code.Execution.ExecutionTimeMs)
		if code.Execution.DataSummary != "" {
			fmt.Fprintf(&sb, "Summary:   %s\n", code.Execution.DataSummary)
		}
	}

	p.printBox(strings.ToUpper(strings.ReplaceAll(string(cell.Kind), "_", " ")), sb.String())
}

// PrintSession outputs every cell of a session in order
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintSession(session *types.Session) {
	if session == nil {
		return
	}
	fmt.Fprintf(p.out, "Session %s: %s\n", session.ID, session.Goal)
	for i := range session.Cells {
		p.PrintCell(&session.Cells[i])
	}
}

// PrintSessionList outputs a table of stored sessions
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintSessionList(summaries []types.SessionSummary) {
	if len(summaries) == 0 {
		fmt.Fprintln(p.out, "No sessions found.")
		return
	}
	for _, s := range summaries {
		fmt.Fprintf(p.out, "%s  %-16s %3d cells  %s  %s\n",
			s.ID, s.LastKind, s.CellCount, s.UpdatedAt.Format("2006-01-02 15:04"), truncateRunes(s.Goal, 40))
	}
}

// PrintRouting outputs the outcome of routing a cell's entities
func (p *Printer) PrintRouting(result types.DataRouterResult) {
	if result.Skipped {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", result.Message)
	counts := result.RoutedItems
	fmt.Fprintf(&sb, "References: %d  Data Files: %d  Variables: %d\n", counts.References, counts.DataFiles, counts.Variables)
	fmt.Fprintf(&sb, "Visualizations: %d  Libraries: %d  Write-ups: %d\n", counts.Visualizations, counts.Libraries, counts.WriteUps)
	if result.Failed > 0 {
		fmt.Fprintf(&sb, "Failed: %d\n", result.Failed)
	}
	p.printBox("DATA ROUTING", sb.String())
}

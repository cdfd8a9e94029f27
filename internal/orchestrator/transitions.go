package orchestrator

import (
	"github.com/jonathan/research-assistant/internal/types"
)

// DefaultMaxAnalysisSteps caps how many plan steps are executed
const DefaultMaxAnalysisSteps = 10

// Step is the cell to produce next. StepIndex is meaningful for Code and Result cells.
type Step struct {
	Kind      types.CellKind
	StepIndex int
}

// NextKind returns what follows input in the pipeline. It reports false when
// input is terminal or blocked on the user. maxSteps caps the number of plan steps.
func NextKind(session *types.Session, input *types.Cell, maxSteps int) (Step, bool) {
	if input == nil {
		return Step{}, false
	}

	switch input.Kind {
	case types.KindGoal:
		return Step{Kind: types.KindInitialization}, true
	case types.KindInitialization:
		return Step{Kind: types.KindAbstract}, true
	case types.KindAbstract:
		return Step{Kind: types.KindDataAssessment}, true
	case types.KindDataAssessment:
		if m, ok := types.MetadataAs[types.DataAssessmentMetadata](input); ok && m.HasData {
			return Step{Kind: types.KindAnalysisPlan}, true
		}
		return Step{Kind: types.KindDataCollection}, true
	case types.KindDataCollection:
		if input.AwaitingUser() {
			return Step{}, false
		}
		return Step{Kind: types.KindAnalysisPlan}, true
	case types.KindAnalysisPlan:
		if planSteps(input, maxSteps) == 0 {
			return Step{Kind: types.KindWriteup}, true
		}
		return Step{Kind: types.KindCode, StepIndex: 0}, true
	case types.KindCode:
		return Step{Kind: types.KindResult, StepIndex: stepIndexOf(input)}, true
	case types.KindResult:
		next := stepIndexOf(input) + 1
		idx := session.Index(input.ID)
		if idx < 0 {
			idx = len(session.Cells)
		}
		if next < planSteps(session.LastOfKind(types.KindAnalysisPlan, idx), maxSteps) {
			return Step{Kind: types.KindCode, StepIndex: next}, true
		}
		return Step{Kind: types.KindWriteup}, true
	default:
		// writeup and progress_log are terminal
		return Step{}, false
	}
}

// planSteps returns the number of executable steps in a plan cell
func planSteps(plan *types.Cell, maxSteps int) int {
	m, ok := types.MetadataAs[types.AnalysisPlanMetadata](plan)
	if !ok {
		return 0
	}
	if maxSteps <= 0 {
		maxSteps = DefaultMaxAnalysisSteps
	}
	return min(len(m.Steps), maxSteps)
}

func stepIndexOf(c *types.Cell) int {
	switch m := c.Metadata.(type) {
	case *types.CodeMetadata:
		return m.StepIndex
	case *types.ResultMetadata:
		return m.StepIndex
	}
	return 0
}

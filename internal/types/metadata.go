package types

import (
	"encoding/json"
	"fmt"
)

// Metadata is the kind-specific payload of a cell.
// Each cell kind has exactly one metadata variant.
type Metadata interface {
	// Kind returns the cell kind this variant belongs to
	Kind() CellKind
	// Entities returns the structured items to forward to downstream stores
	Entities() Entities
}

// Entities groups the routable items a cell carries
type Entities struct {
	References     []Reference     `json:"references,omitempty"`
	DataFiles      []DataFile      `json:"data_files,omitempty"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
	Variables      []Variable      `json:"variables,omitempty"`
	Libraries      []Library       `json:"libraries,omitempty"`
	WriteUps       []WriteUp       `json:"write_ups,omitempty"`
}

// Empty reports whether there is nothing to route
func (e Entities) Empty() bool {
	return len(e.References) == 0 && len(e.DataFiles) == 0 && len(e.Visualizations) == 0 &&
		len(e.Variables) == 0 && len(e.Libraries) == 0 && len(e.WriteUps) == 0
}

// GoalMetadata holds the files the user attached with the goal
type GoalMetadata struct {
	DataFiles []DataFile `json:"data_files,omitempty"`
}

func (GoalMetadata) Kind() CellKind { return KindGoal }

func (m GoalMetadata) Entities() Entities { return Entities{DataFiles: m.DataFiles} }

// InitializationMetadata holds the literature search results
type InitializationMetadata struct {
	SearchQueries []string    `json:"search_queries,omitempty"`
	References    []Reference `json:"references,omitempty"`
}

func (InitializationMetadata) Kind() CellKind { return KindInitialization }

func (m InitializationMetadata) Entities() Entities { return Entities{References: m.References} }

// AbstractMetadata holds the drafted abstract details
type AbstractMetadata struct {
	Title    string   `json:"title,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

func (AbstractMetadata) Kind() CellKind { return KindAbstract }

func (AbstractMetadata) Entities() Entities { return Entities{} }

// DataAssessmentMetadata records whether the session has the data it needs
type DataAssessmentMetadata struct {
	HasData          bool       `json:"has_data"`
	DataFiles        []DataFile `json:"data_files,omitempty"`
	Gaps             []string   `json:"gaps,omitempty"`
	SuggestedSources []string   `json:"suggested_sources,omitempty"`
}

func (DataAssessmentMetadata) Kind() CellKind { return KindDataAssessment }

// Entities is empty because assessed files were already routed from the cell that supplied them
func (DataAssessmentMetadata) Entities() Entities { return Entities{} }

// DataCollectionMetadata holds collection instructions and the files the user supplied
type DataCollectionMetadata struct {
	Instructions     []string   `json:"instructions,omitempty"`
	SuggestedSources []string   `json:"suggested_sources,omitempty"`
	DataFiles        []DataFile `json:"data_files,omitempty"`
}

func (DataCollectionMetadata) Kind() CellKind { return KindDataCollection }

func (m DataCollectionMetadata) Entities() Entities { return Entities{DataFiles: m.DataFiles} }

// PlanStep is one step of the analysis plan
type PlanStep struct {
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// AnalysisPlanMetadata holds the ordered analysis steps
type AnalysisPlanMetadata struct {
	Steps     []PlanStep `json:"steps"`
	Libraries []Library  `json:"libraries,omitempty"`
}

func (AnalysisPlanMetadata) Kind() CellKind { return KindAnalysisPlan }

func (m AnalysisPlanMetadata) Entities() Entities { return Entities{Libraries: m.Libraries} }

// ExecutionResult is the outcome of running a code cell
type ExecutionResult struct {
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	Logs            []string `json:"logs,omitempty"`
	DataSummary     string   `json:"data_summary,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	Success         bool     `json:"success"`
}

// CodeMetadata describes an analysis execution cell
type CodeMetadata struct {
	StepIndex int              `json:"step_index"`
	Language  string           `json:"language"`
	Libraries []Library        `json:"libraries,omitempty"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Execution *ExecutionResult `json:"execution,omitempty"`
}

func (CodeMetadata) Kind() CellKind { return KindCode }

func (m CodeMetadata) Entities() Entities { return Entities{Libraries: m.Libraries} }

// ResultMetadata holds the evaluation of one executed step
type ResultMetadata struct {
	StepIndex      int             `json:"step_index"`
	Evaluation     string          `json:"evaluation,omitempty"`
	Variables      []Variable      `json:"variables,omitempty"`
	Visualizations []Visualization `json:"visualizations,omitempty"`
}

func (ResultMetadata) Kind() CellKind { return KindResult }

func (m ResultMetadata) Entities() Entities {
	return Entities{Variables: m.Variables, Visualizations: m.Visualizations}
}

// Section is a headed block of the final write-up
type Section struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// WriteupMetadata holds the structure of the final report
type WriteupMetadata struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections,omitempty"`
}

func (WriteupMetadata) Kind() CellKind { return KindWriteup }

// Entities is filled in by the router from the cell content, so the variant itself carries none
func (WriteupMetadata) Entities() Entities { return Entities{} }

// ProgressLogMetadata annotates an informational log cell
type ProgressLogMetadata struct {
	Level string `json:"level,omitempty"`
}

func (ProgressLogMetadata) Kind() CellKind { return KindProgressLog }

func (ProgressLogMetadata) Entities() Entities { return Entities{} }

// NewMetadata returns the zero metadata variant for a kind
func NewMetadata(kind CellKind) (Metadata, error) {
	switch kind {
	case KindGoal:
		return &GoalMetadata{}, nil
	case KindInitialization:
		return &InitializationMetadata{}, nil
	case KindAbstract:
		return &AbstractMetadata{}, nil
	case KindDataAssessment:
		return &DataAssessmentMetadata{}, nil
	case KindDataCollection:
		return &DataCollectionMetadata{}, nil
	case KindAnalysisPlan:
		return &AnalysisPlanMetadata{}, nil
	case KindCode:
		return &CodeMetadata{}, nil
	case KindResult:
		return &ResultMetadata{}, nil
	case KindWriteup:
		return &WriteupMetadata{}, nil
	case KindProgressLog:
		return &ProgressLogMetadata{}, nil
	default:
		return nil, fmt.Errorf("unknown cell kind %q", kind)
	}
}

// DecodeMetadata decodes raw JSON into the variant for kind
func DecodeMetadata(kind CellKind, raw []byte) (Metadata, error) {
	meta, err := NewMetadata(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("failed to decode %s metadata: %w", kind, err)
	}
	return meta, nil
}

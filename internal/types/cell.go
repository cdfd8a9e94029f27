// Package types provides type definitions for the research session data model:
// cells, their kind-specific metadata, execution threads and routed entities.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// CellKind identifies the stage a cell represents in the research pipeline
type CellKind string

// CellKind constants form the closed set of pipeline stages
const (
	KindGoal           CellKind = "goal"
	KindInitialization CellKind = "initialization"
	KindAbstract       CellKind = "abstract"
	KindDataAssessment CellKind = "data_assessment"
	KindDataCollection CellKind = "data_collection"
	KindAnalysisPlan   CellKind = "analysis_plan"
	KindCode           CellKind = "code"
	KindResult         CellKind = "result"
	KindWriteup        CellKind = "writeup"
	KindProgressLog    CellKind = "progress_log"
)

// AllKinds lists every known cell kind in pipeline order
var AllKinds = []CellKind{
	KindGoal,
	KindInitialization,
	KindAbstract,
	KindDataAssessment,
	KindDataCollection,
	KindAnalysisPlan,
	KindCode,
	KindResult,
	KindWriteup,
	KindProgressLog,
}

// Valid reports whether k is one of the known kinds
func (k CellKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// CellStatus is the lifecycle state of a cell
type CellStatus string

// CellStatus constants
const (
	StatusPending   CellStatus = "pending"
	StatusActive    CellStatus = "active"
	StatusCompleted CellStatus = "completed"
	StatusError     CellStatus = "error"
)

// StreamState is the render state written by the streaming reporter
type StreamState struct {
	Lines       []string `json:"lines,omitempty"`
	IsStreaming bool     `json:"is_streaming"`
}

// Cell is one unit of work and display in a research session
type Cell struct {
	ID                 string      `json:"id"`
	Kind               CellKind    `json:"kind"`
	Content            string      `json:"content"`
	Status             CellStatus  `json:"status"`
	Metadata           Metadata    `json:"metadata,omitempty"`
	Stream             StreamState `json:"stream"`
	RequiresUserAction bool        `json:"requires_user_action"`
	CanProceed         bool        `json:"can_proceed"`
	Routed             bool        `json:"routed"`
	Error              string      `json:"error,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	Timestamp          time.Time   `json:"timestamp"`
}

// cellJSON mirrors Cell with raw metadata so decoding can pick the variant by kind
type cellJSON struct {
	ID                 string          `json:"id"`
	Kind               CellKind        `json:"kind"`
	Content            string          `json:"content"`
	Status             CellStatus      `json:"status"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	Stream             StreamState     `json:"stream"`
	RequiresUserAction bool            `json:"requires_user_action"`
	CanProceed         bool            `json:"can_proceed"`
	Routed             bool            `json:"routed"`
	Error              string          `json:"error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	Timestamp          time.Time       `json:"timestamp"`
}

// MarshalJSON encodes the cell with its metadata variant inline
func (c Cell) MarshalJSON() ([]byte, error) {
	out := cellJSON{
		ID:                 c.ID,
		Kind:               c.Kind,
		Content:            c.Content,
		Status:             c.Status,
		Stream:             c.Stream,
		RequiresUserAction: c.RequiresUserAction,
		CanProceed:         c.CanProceed,
		Routed:             c.Routed,
		Error:              c.Error,
		CreatedAt:          c.CreatedAt,
		Timestamp:          c.Timestamp,
	}
	if c.Metadata != nil {
		raw, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s metadata: %w", c.Kind, err)
		}
		out.Metadata = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a cell, choosing the metadata variant from its kind
func (c *Cell) UnmarshalJSON(data []byte) error {
	var in cellJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("unknown cell kind %q", in.Kind)
	}

	var meta Metadata
	if len(in.Metadata) > 0 && string(in.Metadata) != "null" {
		var err error
		meta, err = DecodeMetadata(in.Kind, in.Metadata)
		if err != nil {
			return err
		}
	}

	*c = Cell{
		ID:                 in.ID,
		Kind:               in.Kind,
		Content:            in.Content,
		Status:             in.Status,
		Metadata:           meta,
		Stream:             in.Stream,
		RequiresUserAction: in.RequiresUserAction,
		CanProceed:         in.CanProceed,
		Routed:             in.Routed,
		Error:              in.Error,
		CreatedAt:          in.CreatedAt,
		Timestamp:          in.Timestamp,
	}
	return nil
}

// Ready reports whether the pipeline may advance past this cell
func (c *Cell) Ready() bool {
	if c.Status != StatusCompleted {
		return false
	}
	return !c.RequiresUserAction || c.CanProceed
}

// AwaitingUser reports whether the cell is blocked on user input
func (c *Cell) AwaitingUser() bool {
	return c.RequiresUserAction && !c.CanProceed
}

// Rerunnable reports whether a cell of this kind can be regenerated with a comment
func (k CellKind) Rerunnable() bool {
	return k != KindGoal && k != KindProgressLog
}

// Streams reports whether producers of this kind emit progress lines while running
func (k CellKind) Streams() bool {
	return k == KindInitialization || k == KindDataAssessment
}

// RecoverableWhenStuck reports whether a stuck cell of this kind may be force-completed on load
func (k CellKind) RecoverableWhenStuck() bool {
	return !k.Streams()
}

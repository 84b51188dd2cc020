// Package render defines the contract between the reconciliation core and
// the presentation layer. The core pushes a state snapshot on every
// observed transition; the sink owns all presentation and must be
// idempotent, so replaying the same snapshot twice changes nothing.
package render

import "encoding/json"

// TitleSource says where a rendered title came from.
type TitleSource string

const (
	TitleSourceGenerated TitleSource = "generated" // job produced a title
	TitleSourceFallback  TitleSource = "fallback"  // original filename
)

// TitleState is the snapshot pushed on title-job transitions.
type TitleState struct {
	Title     string
	Source    TitleSource
	Indicator bool // show the AI-title badge
}

// WorkflowPhase is the resolver phase as seen by the presentation layer.
type WorkflowPhase string

const (
	WorkflowPhaseResolving WorkflowPhase = "resolving" // discovery or polling in progress
	WorkflowPhaseFinished  WorkflowPhase = "finished"
	WorkflowPhaseError     WorkflowPhase = "error"
)

// WorkflowState is the snapshot pushed on workflow-run transitions. On
// Finished the result panel carries edit/copy/download/delete affordances;
// on Error only delete remains.
type WorkflowState struct {
	Phase   WorkflowPhase
	Result  string // result text, Finished only
	Message string // error message, Error only
	Partial bool   // Result rebuilt from embedded parent data, may be incomplete
}

// UndoState is the snapshot pushed on deletion/undo transitions.
type UndoState struct {
	Deleted     bool   // row removed from the list
	UndoOffered bool   // undo control visible and enabled
	Restored    bool   // row reinserted
	AnchorID    string // id of the sibling to reinsert before; empty = append
	Payload     json.RawMessage
}

// Sink receives state snapshots from the core. Implementations must be
// idempotent and must not block; the core calls them from timer and
// response callbacks.
type Sink interface {
	RenderTitle(id string, st TitleState)
	RenderWorkflow(id string, st WorkflowState)
	RenderUndo(id string, st UndoState)
}

// NopSink discards all renders. Useful as a default and in tests.
type NopSink struct{}

func (NopSink) RenderTitle(string, TitleState)       {}
func (NopSink) RenderWorkflow(string, WorkflowState) {}
func (NopSink) RenderUndo(string, UndoState)         {}

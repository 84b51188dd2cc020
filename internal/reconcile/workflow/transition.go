// Package workflow resolves the status of a document's workflow run in two
// phases: discover the operation id from the parent document, then poll
// the operation directly until the server reports a terminal status.
//
// The phase machine is a pure transition function over (state, event);
// effects come back as values and are performed by the resolver, which
// keeps every rule unit-testable without network or presentation code.
package workflow

import (
	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/pkg/api"
)

// Phase is the resolver phase.
type Phase int

const (
	PhaseDiscovering Phase = iota
	PhasePolling
	PhaseFinished
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhasePolling:
		return "polling"
	case PhaseFinished:
		return "finished"
	case PhaseError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool { return p == PhaseFinished || p == PhaseError }

// Embedded is the run state carried inside the parent document record. It
// may be partial; it is only rendered when the authoritative operation
// record cannot be fetched.
type Embedded struct {
	Status  api.RunStatus
	Result  string
	Message string
}

// State is the resolver state for one document.
type State struct {
	DocumentID  string
	OperationID string // immutable once set
	Phase       Phase
	Result      string
	Message     string
	Partial     bool // terminal data rebuilt from embedded parent record
	Embedded    *Embedded
}

// EventKind tags resolver events.
type EventKind int

const (
	// EventDiscovered: the parent record carries an operation id.
	EventDiscovered EventKind = iota
	// EventStatusUnavailable: discovery exhausted its attempts, or the
	// parent or operation record is gone.
	EventStatusUnavailable
	// EventOperationStatus: an operation status fetch resolved.
	EventOperationStatus
	// EventOperationFetchFailed: the one-shot confirmation fetch failed;
	// degrade to the embedded parent data rather than stalling.
	EventOperationFetchFailed
)

// Event is a resolver input.
type Event struct {
	Kind        EventKind
	OperationID string
	Embedded    *Embedded
	Status      api.RunStatus
	Result      string
	Message     string
}

// EffectKind tags resolver effects.
type EffectKind int

const (
	// EffectRender pushes a workflow state snapshot to the sink.
	EffectRender EffectKind = iota
	// EffectStartPolling begins the unbounded single-id operation poll.
	EffectStartPolling
	// EffectFetchOperation issues exactly one direct operation fetch.
	EffectFetchOperation
	// EffectStopPolling halts the operation poll.
	EffectStopPolling
)

// Effect is a resolver output to be performed by the impure layer.
type Effect struct {
	Kind        EffectKind
	OperationID string
	State       render.WorkflowState
}

const msgStatusUnavailable = "workflow status unavailable"

// Transition applies an event to a state and returns the successor state
// plus the effects to perform. It never does I/O.
func Transition(st State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventDiscovered:
		return applyDiscovered(st, ev)
	case EventStatusUnavailable:
		if st.Phase.Terminal() {
			return st, nil
		}
		st.Phase = PhaseError
		st.Message = msgStatusUnavailable
		return st, []Effect{
			{Kind: EffectStopPolling},
			{Kind: EffectRender, State: renderState(st)},
		}
	case EventOperationStatus:
		return applyOperationStatus(st, ev)
	case EventOperationFetchFailed:
		return applyFetchFailed(st)
	}
	return st, nil
}

func applyDiscovered(st State, ev Event) (State, []Effect) {
	if st.Phase != PhaseDiscovering || ev.OperationID == "" {
		return st, nil
	}
	if st.OperationID == "" {
		st.OperationID = ev.OperationID
	}
	st.Embedded = ev.Embedded

	// The parent already reports a terminal run: skip the unbounded phase
	// and confirm against the authoritative operation record once.
	if ev.Embedded != nil && ev.Embedded.Status.Terminal() {
		return st, []Effect{{Kind: EffectFetchOperation, OperationID: st.OperationID}}
	}

	st.Phase = PhasePolling
	return st, []Effect{
		{Kind: EffectStartPolling, OperationID: st.OperationID},
		{Kind: EffectRender, State: renderState(st)},
	}
}

func applyOperationStatus(st State, ev Event) (State, []Effect) {
	if st.Phase.Terminal() {
		return st, nil
	}

	switch ev.Status {
	case api.RunStatusFinished:
		st.Phase = PhaseFinished
		st.Result = ev.Result
		st.Partial = false
		return st, []Effect{
			{Kind: EffectStopPolling},
			{Kind: EffectRender, State: renderState(st)},
		}
	case api.RunStatusError:
		st.Phase = PhaseError
		st.Message = ev.Message
		st.Partial = false
		return st, []Effect{
			{Kind: EffectStopPolling},
			{Kind: EffectRender, State: renderState(st)},
		}
	default:
		// Still running. If this came from the confirmation fetch while
		// discovering (the embedded status lied), fall through to the
		// normal polling phase; termination is status-driven only.
		if st.Phase == PhaseDiscovering {
			st.Phase = PhasePolling
			return st, []Effect{
				{Kind: EffectStartPolling, OperationID: st.OperationID},
				{Kind: EffectRender, State: renderState(st)},
			}
		}
		return st, nil
	}
}

// applyFetchFailed degrades to the embedded parent data instead of
// stalling when the confirmation fetch fails.
func applyFetchFailed(st State) (State, []Effect) {
	if st.Phase.Terminal() {
		return st, nil
	}
	if st.Embedded == nil {
		st.Phase = PhaseError
		st.Message = msgStatusUnavailable
		return st, []Effect{{Kind: EffectRender, State: renderState(st)}}
	}

	st.Partial = true
	if st.Embedded.Status == api.RunStatusError {
		st.Phase = PhaseError
		st.Message = st.Embedded.Message
	} else {
		st.Phase = PhaseFinished
		st.Result = st.Embedded.Result
	}
	return st, []Effect{{Kind: EffectRender, State: renderState(st)}}
}

func renderState(st State) render.WorkflowState {
	switch st.Phase {
	case PhaseFinished:
		return render.WorkflowState{
			Phase:   render.WorkflowPhaseFinished,
			Result:  st.Result,
			Partial: st.Partial,
		}
	case PhaseError:
		return render.WorkflowState{
			Phase:   render.WorkflowPhaseError,
			Message: st.Message,
			Partial: st.Partial,
		}
	default:
		return render.WorkflowState{Phase: render.WorkflowPhaseResolving}
	}
}

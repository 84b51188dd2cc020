package reconcile

import (
	"context"

	"github.com/notevault/console/internal/observability/metrics"
	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/internal/visibility"
)

// observingSink decorates the presentation sink with metrics and the
// transition journal, so every observed terminal state is counted and
// recorded without the reconcilers knowing about either.
type observingSink struct {
	next    render.Sink
	metrics *metrics.ConsoleMetrics
	journal *visibility.Service
}

func (s *observingSink) RenderTitle(id string, st render.TitleState) {
	s.metrics.RenderInvoked("title")
	switch st.Source {
	case render.TitleSourceGenerated:
		s.metrics.TitleOutcome("generated")
		s.journal.RecordTitleOutcome(context.Background(), id, visibility.OutcomeGenerated, st.Title)
	case render.TitleSourceFallback:
		s.metrics.TitleOutcome("fallback")
		s.journal.RecordTitleOutcome(context.Background(), id, visibility.OutcomeFallback, st.Title)
	}
	s.next.RenderTitle(id, st)
}

func (s *observingSink) RenderWorkflow(id string, st render.WorkflowState) {
	s.metrics.RenderInvoked("workflow")
	switch st.Phase {
	case render.WorkflowPhaseFinished:
		s.metrics.WorkflowOutcome(string(st.Phase), st.Partial)
		s.journal.RecordWorkflowOutcome(context.Background(), id, visibility.OutcomeFinished, st.Result)
	case render.WorkflowPhaseError:
		s.metrics.WorkflowOutcome(string(st.Phase), st.Partial)
		s.journal.RecordWorkflowOutcome(context.Background(), id, visibility.OutcomeError, st.Message)
	}
	s.next.RenderWorkflow(id, st)
}

func (s *observingSink) RenderUndo(id string, st render.UndoState) {
	s.metrics.RenderInvoked("undo")
	s.next.RenderUndo(id, st)
}

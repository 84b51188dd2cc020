// Package title tracks AI title-generation jobs for uploaded documents.
// It is a configuration of the generic pollset scheduler: bounded retries,
// quiet give-up, and a one-shot variant for records whose final state is
// already knowable at creation.
package title

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/notevault/console/internal/reconcile/pollset"
	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/pkg/api"
)

const (
	// DefaultInterval is the recurring poll interval.
	DefaultInterval = 3 * time.Second
	// DefaultMaxAttempts bounds the recurring poll; past it the indicator
	// is hidden silently rather than surfacing an error.
	DefaultMaxAttempts = 20
)

// Client is the slice of the API the title watcher needs.
type Client interface {
	GetTitleStatus(ctx context.Context, documentID string) (*api.TitleResult, error)
}

// Config holds watcher configuration.
type Config struct {
	Client      Client
	Sink        render.Sink
	Interval    time.Duration
	MaxAttempts int
	// OnFetch and OnSize are passed through to the scheduler. Optional.
	OnFetch func(jobClass string, d time.Duration, err error)
	OnSize  func(jobClass string, size int)
	Logger  *slog.Logger
}

// Watcher polls title generation status over a dynamic set of document
// ids and renders each observed transition.
type Watcher struct {
	client Client
	sink   render.Sink
	logger *slog.Logger
	sched  *pollset.Scheduler

	mu        sync.Mutex
	fallbacks map[string]string // document id -> original filename
}

// NewWatcher creates a title watcher.
func NewWatcher(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = render.NopSink{}
	}

	w := &Watcher{
		client:    cfg.Client,
		sink:      cfg.Sink,
		logger:    cfg.Logger,
		fallbacks: make(map[string]string),
	}
	w.sched = pollset.New(pollset.Config{
		JobClass:    "title",
		Interval:    cfg.Interval,
		MaxAttempts: cfg.MaxAttempts,
		Handler:     w,
		Fatal:       api.IsHard,
		OnFetch:     cfg.OnFetch,
		OnSize:      cfg.OnSize,
		Logger:      cfg.Logger,
	})
	return w
}

// Start begins polling. Idempotent.
func (w *Watcher) Start(ctx context.Context) { w.sched.Start(ctx) }

// Stop halts polling but keeps the watched set for a later Start.
func (w *Watcher) Stop() { w.sched.Stop() }

// Watch enrolls a document. fallbackTitle is rendered when the job fails
// or is given up on; the original filename is the usual choice.
func (w *Watcher) Watch(documentID, fallbackTitle string) {
	w.mu.Lock()
	w.fallbacks[documentID] = fallbackTitle
	w.mu.Unlock()
	w.sched.Watch(documentID)
}

// Unwatch removes a document from the set.
func (w *Watcher) Unwatch(documentID string) {
	w.sched.Unwatch(documentID)
	w.mu.Lock()
	delete(w.fallbacks, documentID)
	w.mu.Unlock()
}

// Watched reports whether a document is currently enrolled.
func (w *Watcher) Watched(documentID string) bool {
	return w.sched.Watched(documentID)
}

// Fallback returns the fallback title stored when the document was
// enrolled.
func (w *Watcher) Fallback(documentID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fb, ok := w.fallbacks[documentID]
	return fb, ok
}

// CheckOnce issues exactly one status fetch outside the recurring set.
// Used when the final title state should already be known at render time,
// e.g. a just-finished job that was not flagged for recurring polling.
func (w *Watcher) CheckOnce(ctx context.Context, documentID, fallbackTitle string) {
	st, err := w.client.GetTitleStatus(ctx, documentID)
	if err != nil {
		w.logger.Warn("one-shot title check failed",
			slog.String("document_id", documentID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !st.Status.Terminal() {
		// Still in flight server-side; the caller chose not to enroll it,
		// so leave the current presentation alone.
		w.logger.Debug("one-shot title check found non-terminal status",
			slog.String("document_id", documentID),
			slog.String("status", string(st.Status)),
		)
		return
	}
	w.renderTerminal(documentID, fallbackTitle, st)
}

// Fetch implements pollset.Handler.
func (w *Watcher) Fetch(ctx context.Context, documentID string) (pollset.Result, error) {
	st, err := w.client.GetTitleStatus(ctx, documentID)
	if err != nil {
		return pollset.Result{}, err
	}
	if st.Status.Terminal() {
		return pollset.Result{Disposition: pollset.Done, Value: st}, nil
	}
	return pollset.Result{Disposition: pollset.Retry, Value: st}, nil
}

// Apply implements pollset.Handler.
func (w *Watcher) Apply(documentID string, outcome pollset.Outcome, res pollset.Result) {
	fallback := w.takeFallback(documentID)

	switch outcome {
	case pollset.OutcomeDone:
		st, ok := res.Value.(*api.TitleResult)
		if !ok {
			return
		}
		w.renderTerminal(documentID, fallback, st)
	case pollset.OutcomeExhausted:
		// Give up quietly: keep the fallback title, hide the indicator,
		// surface no error.
		w.sink.RenderTitle(documentID, render.TitleState{
			Title:     fallback,
			Source:    render.TitleSourceFallback,
			Indicator: false,
		})
	case pollset.OutcomeDropped:
		w.logger.Debug("title watch dropped",
			slog.String("document_id", documentID))
	}
}

func (w *Watcher) renderTerminal(documentID, fallback string, st *api.TitleResult) {
	if st.Status == api.TitleStatusGenerated {
		w.sink.RenderTitle(documentID, render.TitleState{
			Title:     st.Title,
			Source:    render.TitleSourceGenerated,
			Indicator: true,
		})
		return
	}
	// failed, unknown or disabled: fallback title, indicator hidden.
	w.sink.RenderTitle(documentID, render.TitleState{
		Title:     fallback,
		Source:    render.TitleSourceFallback,
		Indicator: false,
	})
}

func (w *Watcher) takeFallback(documentID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	fb := w.fallbacks[documentID]
	delete(w.fallbacks, documentID)
	return fb
}

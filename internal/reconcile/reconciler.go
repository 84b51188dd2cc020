// Package reconcile wires the three job-class reconcilers behind one
// facade: title polling, workflow status resolution, and deletion with
// undo. The facade derives the initial watch set from the document
// manifest and keeps the three concerns consistent when a document is
// deleted or restored.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/notevault/console/internal/observability/metrics"
	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/internal/reconcile/title"
	"github.com/notevault/console/internal/reconcile/undo"
	"github.com/notevault/console/internal/reconcile/workflow"
	"github.com/notevault/console/internal/store/cache"
	"github.com/notevault/console/internal/visibility"
	"github.com/notevault/console/pkg/api"
)

// Client is the full API surface the reconciler consumes. *api.Client
// satisfies it.
type Client interface {
	title.Client
	workflow.Client
	undo.Client
	cache.Lister
}

// Config holds reconciler configuration.
type Config struct {
	Client Client
	Sink   render.Sink

	// Manifest, Journal, and Metrics are optional. A nil Manifest lists
	// documents straight from the API; a nil Journal drops records; a
	// nil Metrics gets a private registry.
	Manifest *cache.Manifest
	Journal  *visibility.Service
	Metrics  *metrics.ConsoleMetrics

	TitleInterval        time.Duration
	TitleMaxAttempts     int
	DiscoveryInterval    time.Duration
	DiscoveryMaxAttempts int
	PollInterval         time.Duration

	UndoWindow    time.Duration
	CoarsePointer bool

	Logger *slog.Logger
}

// Reconciler owns the per-job-class reconcilers and their shared wiring.
type Reconciler struct {
	client   Client
	titles   *title.Watcher
	runs     *workflow.Registry
	deleter  *undo.Manager
	manifest *cache.Manifest
	journal  *visibility.Service
	metrics  *metrics.ConsoleMetrics
	logger   *slog.Logger
}

// New creates a reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = render.NopSink{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewConsoleMetrics(nil)
	}

	sink := &observingSink{
		next:    cfg.Sink,
		metrics: cfg.Metrics,
		journal: cfg.Journal,
	}

	r := &Reconciler{
		client:   cfg.Client,
		manifest: cfg.Manifest,
		journal:  cfg.Journal,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With(slog.String("component", "reconciler")),
	}

	r.titles = title.NewWatcher(title.Config{
		Client:      cfg.Client,
		Sink:        sink,
		Interval:    cfg.TitleInterval,
		MaxAttempts: cfg.TitleMaxAttempts,
		OnFetch:     r.observeFetch,
		OnSize:      cfg.Metrics.WatchedSet,
		Logger:      cfg.Logger,
	})
	r.runs = workflow.NewRegistry(workflow.Config{
		Client:               cfg.Client,
		Sink:                 sink,
		DiscoveryInterval:    cfg.DiscoveryInterval,
		DiscoveryMaxAttempts: cfg.DiscoveryMaxAttempts,
		PollInterval:         cfg.PollInterval,
		OnFetch:              r.observeFetch,
		Logger:               cfg.Logger,
	})
	r.deleter = undo.NewManager(undo.Config{
		Client:        cfg.Client,
		Sink:          sink,
		Window:        cfg.UndoWindow,
		CoarsePointer: cfg.CoarsePointer,
		OnRestore:     r.restored,
		OnExpire:      r.expired,
		Logger:        cfg.Logger,
	})
	return r
}

// Start begins title polling. Workflow resolvers start on demand via
// Bootstrap and StartWorkflow.
func (r *Reconciler) Start(ctx context.Context) {
	r.titles.Start(ctx)
}

// Stop halts all polling, cancels every resolver, and drops pending undo
// snapshots.
func (r *Reconciler) Stop() {
	r.titles.Stop()
	r.runs.CancelAll()
	r.deleter.Close()
	r.metrics.ActiveResolvers(0)
}

// Bootstrap derives the initial watch set from the document manifest:
// documents with an unresolved title are enrolled in title polling, and
// documents carrying a run get a workflow resolver. Terminal embedded
// runs still get a resolver so their final panel is confirmed and
// rendered.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	docs, err := r.listDocuments(ctx)
	if err != nil {
		return err
	}

	var watched, resolving int
	for _, doc := range docs {
		if doc.TitleStatus != "" && !doc.TitleStatus.Terminal() {
			r.titles.Watch(doc.ID, doc.Filename)
			watched++
		}
		if doc.Run != nil {
			if _, err := r.runs.Begin(ctx, doc.ID, doc.Run, false); err != nil {
				r.logger.Warn("bootstrap resolver rejected",
					slog.String("document_id", doc.ID),
					slog.String("error", err.Error()))
				continue
			}
			resolving++
		}
	}

	r.metrics.ActiveResolvers(r.runs.Len())
	r.logger.Info("bootstrap complete",
		slog.Int("documents", len(docs)),
		slog.Int("titles_watched", watched),
		slog.Int("runs_resolving", resolving))
	return nil
}

func (r *Reconciler) listDocuments(ctx context.Context) ([]api.Document, error) {
	if r.manifest != nil {
		return r.manifest.Documents(ctx)
	}
	return r.client.ListDocuments(ctx)
}

// WatchTitle enrolls a document in title polling, e.g. right after
// upload.
func (r *Reconciler) WatchTitle(documentID, fallbackTitle string) {
	r.titles.Watch(documentID, fallbackTitle)
}

// CheckTitleOnce performs a single title check outside the recurring
// poll.
func (r *Reconciler) CheckTitleOnce(ctx context.Context, documentID, fallbackTitle string) {
	r.titles.CheckOnce(ctx, documentID, fallbackTitle)
}

// StartWorkflow starts or restarts status resolution for a document's
// run. If a terminal result already exists and force is false,
// workflow.ErrResultExists is returned so the caller can confirm the
// overwrite.
func (r *Reconciler) StartWorkflow(ctx context.Context, documentID string, run *api.RunInfo, force bool) error {
	_, err := r.runs.Begin(ctx, documentID, run, force)
	if err == nil {
		r.metrics.ActiveResolvers(r.runs.Len())
	}
	return err
}

// DeleteWithUndo deletes a document and opens its undo window. Title
// polling state is captured as a carry flag so a restore can resume it.
func (r *Reconciler) DeleteWithUndo(ctx context.Context, item undo.Item) error {
	if r.titles.Watched(item.ID) {
		item.Carry.ResumeTitlePoll = true
		if item.Carry.FallbackTitle == "" {
			if fb, ok := r.titles.Fallback(item.ID); ok {
				item.Carry.FallbackTitle = fb
			} else {
				item.Carry.FallbackTitle = item.ID
			}
		}
	}

	if err := r.deleter.DeleteWithUndo(ctx, item); err != nil {
		return err
	}

	// The document is gone server-side; its watches are stale now.
	r.titles.Unwatch(item.ID)
	r.runs.Cancel(item.ID)
	r.metrics.ActiveResolvers(r.runs.Len())
	r.metrics.UndoOutcome("deleted")
	r.metrics.PendingSnapshots(r.deleter.Len())
	r.journal.RecordDeletionOutcome(ctx, item.ID, visibility.OutcomeDeleted)
	r.invalidateManifest(ctx)
	return nil
}

// Restore undoes a pending deletion.
func (r *Reconciler) Restore(ctx context.Context, documentID string) error {
	if err := r.deleter.Restore(ctx, documentID); err != nil {
		r.metrics.UndoOutcome("restore_failed")
		return err
	}
	return nil
}

// UndoPending reports whether the document has an open undo window.
func (r *Reconciler) UndoPending(documentID string) bool {
	return r.deleter.Pending(documentID)
}

// Metrics exposes the metrics collector, e.g. for the HTTP handler.
func (r *Reconciler) Metrics() *metrics.ConsoleMetrics {
	return r.metrics
}

// observeFetch records one scheduler fetch round trip.
func (r *Reconciler) observeFetch(jobClass string, d time.Duration, err error) {
	if err != nil {
		errorType := "transport"
		if api.IsHard(err) {
			errorType = "hard"
		}
		r.metrics.PollFailed(jobClass, errorType)
		return
	}
	r.metrics.PollCompleted(jobClass, d)
}

// restored re-applies carried watch state after a successful undo.
func (r *Reconciler) restored(item undo.Item) {
	if item.Carry.ResumeTitlePoll {
		r.titles.Watch(item.ID, item.Carry.FallbackTitle)
	}
	r.metrics.UndoOutcome("restored")
	r.metrics.PendingSnapshots(r.deleter.Len())
	r.journal.RecordDeletionOutcome(context.Background(), item.ID, visibility.OutcomeRestored)
	r.invalidateManifest(context.Background())
}

func (r *Reconciler) expired(item undo.Item) {
	r.metrics.UndoOutcome("expired")
	r.metrics.PendingSnapshots(r.deleter.Len())
	r.journal.RecordDeletionOutcome(context.Background(), item.ID, visibility.OutcomeExpired)
}

func (r *Reconciler) invalidateManifest(ctx context.Context) {
	if r.manifest == nil {
		return
	}
	if err := r.manifest.Invalidate(ctx); err != nil {
		r.logger.Warn("manifest invalidation failed", slog.String("error", err.Error()))
	}
}

package workflow

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
	// DefaultDiscoveryInterval is how often the parent document is polled
	// for an operation id.
	DefaultDiscoveryInterval = 2 * time.Second
	// DefaultDiscoveryMaxAttempts bounds discovery; past it the run is
	// rendered as unavailable.
	DefaultDiscoveryMaxAttempts = 15
	// DefaultPollInterval is the unbounded operation poll interval. The
	// run has no fixed ceiling; termination is status-driven only.
	DefaultPollInterval = 2500 * time.Millisecond
)

// Client is the slice of the API the resolver needs.
type Client interface {
	GetDocument(ctx context.Context, documentID string) (*api.Document, error)
	GetOperation(ctx context.Context, operationID string) (*api.Operation, error)
}

// Config holds resolver configuration, shared by all resolvers of a
// registry.
type Config struct {
	Client               Client
	Sink                 render.Sink
	DiscoveryInterval    time.Duration
	DiscoveryMaxAttempts int
	PollInterval         time.Duration
	// OnFetch is passed through to both phase schedulers. Optional.
	OnFetch func(jobClass string, d time.Duration, err error)
	Logger  *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if cfg.DiscoveryMaxAttempts == 0 {
		cfg.DiscoveryMaxAttempts = DefaultDiscoveryMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = render.NopSink{}
	}
	return cfg
}

// Resolver drives the two-phase status resolution for one document. A
// canceled resolver discards every late callback, so a stale response can
// never overwrite the state of its replacement.
type Resolver struct {
	cfg    Config
	docID  string
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	canceled bool
	ctx      context.Context

	discovery *pollset.Scheduler
	oppoll    *pollset.Scheduler
}

// NewResolver creates a resolver for one document.
func NewResolver(documentID string, cfg Config) *Resolver {
	cfg = cfg.withDefaults()

	r := &Resolver{
		cfg:    cfg,
		docID:  documentID,
		logger: cfg.Logger.With(slog.String("document_id", documentID)),
		state:  State{DocumentID: documentID, Phase: PhaseDiscovering},
	}
	r.discovery = pollset.New(pollset.Config{
		JobClass:    "workflow-discovery",
		Interval:    cfg.DiscoveryInterval,
		MaxAttempts: cfg.DiscoveryMaxAttempts,
		Handler:     &discoveryHandler{r: r},
		Fatal:       api.IsHard,
		OnFetch:     cfg.OnFetch,
		Logger:      cfg.Logger,
	})
	r.oppoll = pollset.New(pollset.Config{
		JobClass: "workflow-operation",
		Interval: cfg.PollInterval,
		Handler:  &operationHandler{r: r},
		Fatal:    api.IsHard,
		OnFetch:  cfg.OnFetch,
		Logger:   cfg.Logger,
	})
	return r
}

// Begin starts resolution. When the operation id is already known from the
// rendered page the discovery phase is skipped entirely; discovery runs
// only for a pre-applied run whose operation id the client has not seen.
func (r *Resolver) Begin(ctx context.Context, run *api.RunInfo) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if run != nil && run.OperationID != "" {
		r.dispatch(Event{
			Kind:        EventDiscovered,
			OperationID: run.OperationID,
			Embedded:    embeddedFromRun(run),
		})
		return
	}

	r.discovery.Watch(r.docID)
	r.discovery.Start(ctx)
}

// Cancel stops both pollers and discards any in-flight results. A
// canceled resolver never renders again.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	r.mu.Unlock()

	r.discovery.Stop()
	r.oppoll.Stop()
}

// State returns a copy of the current resolver state.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// dispatch runs the transition function and performs the resulting
// effects. Effects run outside the lock; the canceled check inside the
// critical section is the staleness guard for late callbacks.
func (r *Resolver) dispatch(ev Event) {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	next, effects := Transition(r.state, ev)
	r.state = next
	ctx := r.ctx
	r.mu.Unlock()

	for _, eff := range effects {
		r.perform(ctx, eff)
	}
}

func (r *Resolver) perform(ctx context.Context, eff Effect) {
	switch eff.Kind {
	case EffectRender:
		r.cfg.Sink.RenderWorkflow(r.docID, eff.State)
	case EffectStartPolling:
		r.logger.Debug("entering operation polling",
			slog.String("operation_id", eff.OperationID))
		r.oppoll.Watch(eff.OperationID)
		r.oppoll.Start(ctx)
	case EffectStopPolling:
		r.oppoll.Stop()
	case EffectFetchOperation:
		go r.confirmOperation(ctx, eff.OperationID)
	}
}

// confirmOperation is the one-shot fetch of the authoritative operation
// record used when the embedded parent status is already terminal.
func (r *Resolver) confirmOperation(ctx context.Context, operationID string) {
	op, err := r.cfg.Client.GetOperation(ctx, operationID)
	if err != nil {
		r.logger.Warn("operation confirmation fetch failed, degrading to embedded data",
			slog.String("operation_id", operationID),
			slog.String("error", err.Error()),
		)
		r.dispatch(Event{Kind: EventOperationFetchFailed})
		return
	}
	r.dispatch(Event{
		Kind:    EventOperationStatus,
		Status:  op.Status,
		Result:  op.Result,
		Message: op.Error,
	})
}

func embeddedFromRun(run *api.RunInfo) *Embedded {
	if run == nil {
		return nil
	}
	return &Embedded{
		Status:  run.Status,
		Result:  run.Result,
		Message: run.Error,
	}
}

// discoveryHandler adapts the parent-details poll to pollset.Handler.
type discoveryHandler struct {
	r *Resolver
}

func (h *discoveryHandler) Fetch(ctx context.Context, documentID string) (pollset.Result, error) {
	doc, err := h.r.cfg.Client.GetDocument(ctx, documentID)
	if err != nil {
		return pollset.Result{}, err
	}
	if doc.Run == nil || doc.Run.OperationID == "" {
		// Operation id not yet assigned server-side.
		return pollset.Result{Disposition: pollset.Retry}, nil
	}
	return pollset.Result{Disposition: pollset.Done, Value: doc.Run}, nil
}

func (h *discoveryHandler) Apply(_ string, outcome pollset.Outcome, res pollset.Result) {
	switch outcome {
	case pollset.OutcomeDone:
		run, ok := res.Value.(*api.RunInfo)
		if !ok {
			return
		}
		h.r.dispatch(Event{
			Kind:        EventDiscovered,
			OperationID: run.OperationID,
			Embedded:    embeddedFromRun(run),
		})
	case pollset.OutcomeExhausted, pollset.OutcomeDropped:
		h.r.dispatch(Event{Kind: EventStatusUnavailable})
	}
}

// operationHandler adapts the unbounded operation poll to pollset.Handler.
type operationHandler struct {
	r *Resolver
}

func (h *operationHandler) Fetch(ctx context.Context, operationID string) (pollset.Result, error) {
	op, err := h.r.cfg.Client.GetOperation(ctx, operationID)
	if err != nil {
		return pollset.Result{}, err
	}
	if op.Status.Terminal() {
		return pollset.Result{Disposition: pollset.Done, Value: op}, nil
	}
	return pollset.Result{Disposition: pollset.Retry, Value: op}, nil
}

func (h *operationHandler) Apply(_ string, outcome pollset.Outcome, res pollset.Result) {
	switch outcome {
	case pollset.OutcomeDone:
		op, ok := res.Value.(*api.Operation)
		if !ok {
			return
		}
		h.r.dispatch(Event{
			Kind:    EventOperationStatus,
			Status:  op.Status,
			Result:  op.Result,
			Message: op.Error,
		})
	case pollset.OutcomeDropped:
		h.r.dispatch(Event{Kind: EventStatusUnavailable})
	}
}

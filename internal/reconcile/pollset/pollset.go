// Package pollset implements a bounded-retry status poller over a dynamic
// set of watched ids. One Scheduler instance is created per job class;
// every instance owns its own id set, attempt counts and ticker, so
// multiple job classes poll independently.
package pollset

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Disposition classifies a successful fetch.
type Disposition int

const (
	// Retry means the job has not reached a terminal status; the id stays
	// watched and one attempt is consumed.
	Retry Disposition = iota
	// Done means the job reached a terminal status; the id is unwatched.
	Done
)

// Outcome is why an id left the watched set.
type Outcome int

const (
	// OutcomeDone is a server-reported terminal status.
	OutcomeDone Outcome = iota
	// OutcomeExhausted is the synthetic "gave up" outcome: the attempt
	// budget ran out without a terminal status. Distinct from OutcomeDone
	// so callers can render a degraded state instead of a result.
	OutcomeExhausted
	// OutcomeDropped is a hard fetch failure (not found, permission); the
	// id is unwatched immediately without consuming the attempt budget.
	OutcomeDropped
)

// Result carries a fetched status back to the scheduler.
type Result struct {
	Disposition Disposition
	Value       interface{} // job-class payload, passed through to Apply
}

// Handler is implemented by each job class.
type Handler interface {
	// Fetch retrieves the current status of id. Network only; it must not
	// touch presentation state.
	Fetch(ctx context.Context, id string) (Result, error)
	// Apply consumes the outcome for an id that has left the set. For
	// OutcomeDropped the result is zero. Apply runs outside the scheduler
	// lock and may call back into Watch/Unwatch.
	Apply(id string, outcome Outcome, res Result)
}

// Config holds scheduler configuration.
type Config struct {
	JobClass    string
	Interval    time.Duration
	MaxAttempts int // 0 = unbounded; termination is status-driven only
	Handler     Handler
	// Fatal classifies fetch errors. A fatal error unwatches the id
	// immediately (OutcomeDropped); anything else is treated as a
	// transport failure and the id is retried next tick. Nil treats every
	// error as transport.
	Fatal func(error) bool
	// OnFetch, if set, observes every status fetch round trip.
	OnFetch func(jobClass string, d time.Duration, err error)
	// OnSize, if set, observes the watched-set size after each change.
	OnSize func(jobClass string, size int)
	Logger *slog.Logger
}

type entry struct {
	attempts int
}

// Scheduler polls a dynamic set of ids at a fixed interval. At most one
// ticker runs per scheduler; the ticker stops lazily when a tick finds the
// set empty, which avoids racing a concurrent Watch against an eager stop.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool // Start called, Stop not yet called
	running bool // ticker loop currently alive
	stopCh  chan struct{}
	ctx     context.Context

	loopWG   sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a scheduler. The handler is required.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("job_class", cfg.JobClass)),
		entries: make(map[string]*entry),
	}
}

// Watch adds id to the set with a fresh attempt count. Idempotent: if the
// id is already watched its attempts are left alone. Starts the ticker if
// the scheduler is started and the ticker is not already running.
func (s *Scheduler) Watch(id string) {
	s.mu.Lock()
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = &entry{}
	}
	s.kickLocked()
	n := len(s.entries)
	s.mu.Unlock()
	s.notifySize(n)
}

// Unwatch removes id and its attempt count. The ticker keeps running until
// the next tick finds nothing to do.
func (s *Scheduler) Unwatch(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	n := len(s.entries)
	s.mu.Unlock()
	s.notifySize(n)
}

// Watched reports whether id is currently in the set.
func (s *Scheduler) Watched(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// WatchedCount returns the size of the watched set.
func (s *Scheduler) WatchedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start makes the scheduler eligible to poll and starts the ticker if the
// set is non-empty. Idempotent: a second Start never creates a second
// ticker.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	s.kickLocked()
}

// Stop halts the ticker but leaves the watched set intact, so a later
// Start resumes where it left off. In-flight fetches are not aborted;
// their results still apply if the id remains watched. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	if s.running {
		s.running = false
		close(s.stopCh)
	}
}

// IsRunning reports whether a ticker loop is currently alive.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// kickLocked starts the ticker loop if it should run. Caller holds s.mu.
func (s *Scheduler) kickLocked() {
	if !s.started || s.running || len(s.entries) == 0 {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopWG.Add(1)
	go s.loop(s.ctx, s.stopCh)
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.stopCh == stopCh {
				s.running = false
			}
			s.mu.Unlock()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.tick(ctx) {
				return
			}
		}
	}
}

// tick issues one round of fetches. It snapshots the id set first so a
// fetch that resolves synchronously cannot mutate the set mid-iteration.
// Returns false when the set is empty, which lazily stops the loop.
func (s *Scheduler) tick(ctx context.Context) bool {
	s.mu.Lock()
	if len(s.entries) == 0 {
		s.running = false
		s.mu.Unlock()
		return false
	}
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	// Fetches for distinct ids are issued without waiting on each other.
	for _, id := range ids {
		s.inflight.Add(1)
		go s.fetch(ctx, id)
	}
	return true
}

func (s *Scheduler) fetch(ctx context.Context, id string) {
	defer s.inflight.Done()
	start := time.Now()
	res, err := s.cfg.Handler.Fetch(ctx, id)
	if s.cfg.OnFetch != nil {
		s.cfg.OnFetch(s.cfg.JobClass, time.Since(start), err)
	}
	s.applyResult(id, res, err)
}

// applyResult applies a fetch result if the id is still watched. A stale
// response for an id unwatched while the fetch was in flight is discarded.
func (s *Scheduler) applyResult(id string, res Result, err error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	if err != nil {
		if s.cfg.Fatal != nil && s.cfg.Fatal(err) {
			delete(s.entries, id)
			n := len(s.entries)
			s.mu.Unlock()
			s.notifySize(n)
			s.logger.Debug("dropping watched id after hard failure",
				slog.String("id", id),
				slog.String("error", err.Error()),
			)
			s.cfg.Handler.Apply(id, OutcomeDropped, Result{})
			return
		}
		// Transport failure: status unknown this tick, keep watching
		// without consuming an attempt.
		s.mu.Unlock()
		s.logger.Warn("status fetch failed, will retry",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	switch res.Disposition {
	case Done:
		delete(s.entries, id)
		n := len(s.entries)
		s.mu.Unlock()
		s.notifySize(n)
		s.cfg.Handler.Apply(id, OutcomeDone, res)
	case Retry:
		e.attempts++
		if s.cfg.MaxAttempts > 0 && e.attempts > s.cfg.MaxAttempts {
			delete(s.entries, id)
			n := len(s.entries)
			s.mu.Unlock()
			s.notifySize(n)
			s.logger.Debug("attempt budget exhausted",
				slog.String("id", id),
				slog.Int("attempts", e.attempts),
			)
			s.cfg.Handler.Apply(id, OutcomeExhausted, res)
			return
		}
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

func (s *Scheduler) notifySize(n int) {
	if s.cfg.OnSize != nil {
		s.cfg.OnSize(s.cfg.JobClass, n)
	}
}

// wait blocks until all in-flight fetches have been applied. Test hook.
func (s *Scheduler) wait() {
	s.inflight.Wait()
}

package pollset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeHandler scripts fetch results per id and records applied outcomes.
type fakeHandler struct {
	mu      sync.Mutex
	results map[string][]fakeResult
	fetches map[string]int
	applied []appliedOutcome

	blockCh chan struct{} // when set, Fetch blocks until closed
}

type fakeResult struct {
	res Result
	err error
}

type appliedOutcome struct {
	id      string
	outcome Outcome
	res     Result
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		results: make(map[string][]fakeResult),
		fetches: make(map[string]int),
	}
}

func (h *fakeHandler) script(id string, rs ...fakeResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[id] = append(h.results[id], rs...)
}

func (h *fakeHandler) Fetch(_ context.Context, id string) (Result, error) {
	h.mu.Lock()
	h.fetches[id]++
	var fr fakeResult
	if rs := h.results[id]; len(rs) > 0 {
		fr = rs[0]
		h.results[id] = rs[1:]
	}
	block := h.blockCh
	h.mu.Unlock()

	if block != nil {
		<-block
	}
	return fr.res, fr.err
}

func (h *fakeHandler) Apply(id string, outcome Outcome, res Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, appliedOutcome{id: id, outcome: outcome, res: res})
}

func (h *fakeHandler) fetchCount(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetches[id]
}

func (h *fakeHandler) outcomes() []appliedOutcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]appliedOutcome, len(h.applied))
	copy(out, h.applied)
	return out
}

func retryResult() fakeResult {
	return fakeResult{res: Result{Disposition: Retry, Value: "pending"}}
}

func doneResult(v interface{}) fakeResult {
	return fakeResult{res: Result{Disposition: Done, Value: v}}
}

func newTestScheduler(h Handler, maxAttempts int) *Scheduler {
	return New(Config{
		JobClass:    "test",
		Interval:    time.Hour, // ticks driven manually
		MaxAttempts: maxAttempts,
		Handler:     h,
		Fatal: func(err error) bool {
			return errors.Is(err, errHard)
		},
	})
}

var errHard = errors.New("not found")

func TestScheduler_TerminalUnwatches(t *testing.T) {
	h := newFakeHandler()
	h.script("abc123", retryResult(), retryResult(), doneResult("My Title"))

	s := newTestScheduler(h, 20)
	s.Watch("abc123")

	for i := 0; i < 3; i++ {
		s.tick(context.Background())
		s.wait()
	}

	if got := h.fetchCount("abc123"); got != 3 {
		t.Errorf("fetch count = %d, want 3", got)
	}
	if s.Watched("abc123") {
		t.Error("id should be unwatched after terminal status")
	}

	outs := h.outcomes()
	if len(outs) != 1 {
		t.Fatalf("applied outcomes = %d, want 1", len(outs))
	}
	if outs[0].outcome != OutcomeDone {
		t.Errorf("outcome = %v, want OutcomeDone", outs[0].outcome)
	}
	if outs[0].res.Value != "My Title" {
		t.Errorf("value = %v, want %q", outs[0].res.Value, "My Title")
	}
}

func TestScheduler_ExhaustionAfterMaxAttempts(t *testing.T) {
	h := newFakeHandler()
	for i := 0; i < 21; i++ {
		h.script("doc-1", retryResult())
	}

	s := newTestScheduler(h, 20)
	s.Watch("doc-1")

	// 20 non-terminal responses consume the budget; the 21st exceeds it.
	for i := 0; i < 20; i++ {
		s.tick(context.Background())
		s.wait()
		if !s.Watched("doc-1") {
			t.Fatalf("unwatched too early after %d responses", i+1)
		}
	}

	s.tick(context.Background())
	s.wait()

	if s.Watched("doc-1") {
		t.Error("id should be unwatched after the 21st non-terminal response")
	}
	if got := h.fetchCount("doc-1"); got != 21 {
		t.Errorf("fetch count = %d, want 21", got)
	}

	outs := h.outcomes()
	if len(outs) != 1 {
		t.Fatalf("applied outcomes = %d, want exactly 1", len(outs))
	}
	if outs[0].outcome != OutcomeExhausted {
		t.Errorf("outcome = %v, want OutcomeExhausted", outs[0].outcome)
	}
}

func TestScheduler_TransportFailureKeepsWatching(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1",
		fakeResult{err: errors.New("connection refused")},
		retryResult(),
	)

	s := newTestScheduler(h, 1)
	s.Watch("doc-1")

	s.tick(context.Background())
	s.wait()

	if !s.Watched("doc-1") {
		t.Fatal("transport failure must not unwatch")
	}

	// The failed tick must not have consumed an attempt: one more
	// non-terminal response keeps the id within its budget.
	s.tick(context.Background())
	s.wait()

	if !s.Watched("doc-1") {
		t.Error("attempt budget was consumed by a transport failure")
	}
	if len(h.outcomes()) != 0 {
		t.Errorf("no outcome should be applied, got %v", h.outcomes())
	}
}

func TestScheduler_HardFailureDropsImmediately(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1", fakeResult{err: errHard})

	s := newTestScheduler(h, 20)
	s.Watch("doc-1")

	s.tick(context.Background())
	s.wait()

	if s.Watched("doc-1") {
		t.Error("hard failure must unwatch immediately")
	}

	outs := h.outcomes()
	if len(outs) != 1 || outs[0].outcome != OutcomeDropped {
		t.Errorf("outcomes = %v, want single OutcomeDropped", outs)
	}
}

func TestScheduler_StaleResponseDiscarded(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1", doneResult("late"))
	h.blockCh = make(chan struct{})

	s := newTestScheduler(h, 20)
	s.Watch("doc-1")

	s.tick(context.Background())

	// Unwatch while the fetch is in flight, then let it resolve.
	s.Unwatch("doc-1")
	close(h.blockCh)
	s.wait()

	if len(h.outcomes()) != 0 {
		t.Errorf("stale response must be discarded, got %v", h.outcomes())
	}
}

func TestScheduler_WatchIdempotentKeepsAttempts(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1", retryResult(), retryResult())

	s := newTestScheduler(h, 20)
	s.Watch("doc-1")

	s.tick(context.Background())
	s.wait()
	s.tick(context.Background())
	s.wait()

	s.Watch("doc-1")

	s.mu.Lock()
	attempts := s.entries["doc-1"].attempts
	s.mu.Unlock()

	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (re-Watch of a live id must not reset)", attempts)
	}
}

func TestScheduler_EmptyTickStopsTicker(t *testing.T) {
	h := newFakeHandler()
	s := New(Config{
		JobClass: "test",
		Interval: 5 * time.Millisecond,
		Handler:  h,
	})

	s.Start(context.Background())
	s.Watch("doc-1")
	if !s.IsRunning() {
		t.Fatal("ticker should run while the set is non-empty")
	}

	s.Unwatch("doc-1")

	deadline := time.Now().Add(time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if s.IsRunning() {
		t.Error("ticker should lazily stop once a tick finds the set empty")
	}
	s.Stop()
}

func TestScheduler_StartIdempotent(t *testing.T) {
	h := newFakeHandler()
	s := New(Config{
		JobClass: "test",
		Interval: time.Hour,
		Handler:  h,
	})

	s.Watch("doc-1")
	s.Start(context.Background())

	s.mu.Lock()
	first := s.stopCh
	s.mu.Unlock()

	s.Start(context.Background())

	s.mu.Lock()
	second := s.stopCh
	s.mu.Unlock()

	if first != second {
		t.Error("second Start must not create a second ticker")
	}
	s.Stop()
}

func TestScheduler_StopKeepsSetAndResumeWorks(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1", retryResult())

	s := New(Config{
		JobClass: "test",
		Interval: time.Hour,
		Handler:  h,
	})

	s.Start(context.Background())
	s.Watch("doc-1")
	s.Stop()

	if !s.Watched("doc-1") {
		t.Fatal("Stop must leave the watched set intact")
	}
	if s.IsRunning() {
		t.Fatal("Stop must halt the ticker")
	}

	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("Start after Stop must resume polling the surviving set")
	}
	s.Stop()
	s.Stop() // idempotent
}

func TestScheduler_WatchRestartsAfterLazyStop(t *testing.T) {
	h := newFakeHandler()
	s := New(Config{
		JobClass: "test",
		Interval: 5 * time.Millisecond,
		Handler:  h,
	})

	s.Start(context.Background())
	s.Watch("doc-1")
	s.Unwatch("doc-1")

	deadline := time.Now().Add(time.Second)
	for s.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	h.script("doc-2", retryResult())
	s.Watch("doc-2")
	if !s.IsRunning() {
		t.Error("Watch on a started scheduler must restart the ticker")
	}
	s.Stop()
}

func TestScheduler_ObserverHooks(t *testing.T) {
	h := newFakeHandler()
	h.script("doc-1",
		retryResult(),
		fakeResult{err: errors.New("connection refused")},
		doneResult("done"),
	)

	var mu sync.Mutex
	var fetchOK, fetchErr int
	var sizes []int
	s := New(Config{
		JobClass: "test",
		Interval: time.Hour,
		Handler:  h,
		OnFetch: func(jobClass string, _ time.Duration, err error) {
			mu.Lock()
			defer mu.Unlock()
			if jobClass != "test" {
				t.Errorf("OnFetch jobClass = %q, want %q", jobClass, "test")
			}
			if err != nil {
				fetchErr++
			} else {
				fetchOK++
			}
		},
		OnSize: func(_ string, n int) {
			mu.Lock()
			sizes = append(sizes, n)
			mu.Unlock()
		},
	})

	s.Watch("doc-1")
	for i := 0; i < 3; i++ {
		s.tick(context.Background())
		s.wait()
	}

	mu.Lock()
	defer mu.Unlock()
	if fetchOK != 2 || fetchErr != 1 {
		t.Errorf("fetch observations = %d ok / %d err, want 2 ok / 1 err", fetchOK, fetchErr)
	}
	// Watch reports 1; the retry and the transport failure leave the set
	// alone; the terminal response reports 0.
	if len(sizes) != 2 || sizes[0] != 1 || sizes[1] != 0 {
		t.Errorf("size observations = %v, want [1 0]", sizes)
	}
}

func TestScheduler_ConcurrentFetchesWithinTick(t *testing.T) {
	h := newFakeHandler()
	h.blockCh = make(chan struct{})
	h.script("a", doneResult(nil))
	h.script("b", doneResult(nil))
	h.script("c", doneResult(nil))

	s := newTestScheduler(h, 0)
	s.Watch("a")
	s.Watch("b")
	s.Watch("c")

	s.tick(context.Background())

	// All three fetches must have been issued before any resolved.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := h.fetches["a"] + h.fetches["b"] + h.fetches["c"]
		h.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	h.mu.Lock()
	issued := h.fetches["a"] + h.fetches["b"] + h.fetches["c"]
	h.mu.Unlock()
	if issued != 3 {
		t.Errorf("fetches issued concurrently = %d, want 3", issued)
	}

	close(h.blockCh)
	s.wait()

	if s.WatchedCount() != 0 {
		t.Errorf("watched count = %d, want 0", s.WatchedCount())
	}
}

package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestMakeKey_Consistency(t *testing.T) {
	labels := Labels{
		"job_class":  "title",
		"error_type": "transport",
		"outcome":    "fallback",
	}

	// Multiple calls should produce the same key
	key1 := makeKey("console_polls_total", labels)
	key2 := makeKey("console_polls_total", labels)

	if key1 != key2 {
		t.Errorf("makeKey should be consistent: got %q and %q", key1, key2)
	}
}

func TestMakeKey_DifferentLabelOrder(t *testing.T) {
	// Even with maps (which iterate in random order), keys should be consistent
	labels1 := Labels{"a": "1", "b": "2", "c": "3"}
	labels2 := Labels{"c": "3", "a": "1", "b": "2"}

	key1 := makeKey("metric", labels1)
	key2 := makeKey("metric", labels2)

	if key1 != key2 {
		t.Errorf("makeKey should produce same key regardless of insertion order: got %q and %q", key1, key2)
	}
}

func TestMakeKey_EmptyLabels(t *testing.T) {
	key := makeKey("metric", Labels{})
	if key != "metric" {
		t.Errorf("makeKey with empty labels = %q, want %q", key, "metric")
	}
}

func TestCounter_Operations(t *testing.T) {
	c := NewCounter("test_counter", nil)

	if c.Value() != 0 {
		t.Errorf("Initial value = %d, want 0", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("After Inc = %d, want 1", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("After Add(5) = %d, want 6", c.Value())
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter("test_counter", nil)

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc()
		}()
	}

	wg.Wait()

	if c.Value() != int64(iterations) {
		t.Errorf("After concurrent Inc = %d, want %d", c.Value(), iterations)
	}
}

func TestGauge_Operations(t *testing.T) {
	g := NewGauge("test_gauge", nil)

	if g.Value() != 0 {
		t.Errorf("Initial value = %f, want 0", g.Value())
	}

	g.Set(42.5)
	if g.Value() != 42.5 {
		t.Errorf("After Set(42.5) = %f, want 42.5", g.Value())
	}

	g.Inc()
	if g.Value() != 43.5 {
		t.Errorf("After Inc = %f, want 43.5", g.Value())
	}

	g.Dec()
	if g.Value() != 42.5 {
		t.Errorf("After Dec = %f, want 42.5", g.Value())
	}

	g.Add(7.5)
	if g.Value() != 50 {
		t.Errorf("After Add(7.5) = %f, want 50", g.Value())
	}
}

func TestGauge_FloatPrecision(t *testing.T) {
	g := NewGauge("test_gauge", nil)

	// Test that float values are stored correctly
	g.Set(0.123456789)
	if g.Value() != 0.123456789 {
		t.Errorf("Float precision lost: got %f, want 0.123456789", g.Value())
	}
}

func TestGauge_Concurrent(t *testing.T) {
	g := NewGauge("test_gauge", nil)

	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Inc()
		}()
		go func() {
			defer wg.Done()
			g.Dec()
		}()
	}

	wg.Wait()

	// After equal Inc/Dec, should be back to 0
	if g.Value() != 0 {
		t.Errorf("After concurrent Inc/Dec = %f, want 0", g.Value())
	}
}

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram("test_histogram", nil, nil)

	h.Observe(10)
	h.Observe(50)
	h.Observe(100)

	if h.Count() != 3 {
		t.Errorf("Count = %d, want 3", h.Count())
	}

	expectedSum := 10.0 + 50.0 + 100.0
	if h.Sum() != expectedSum {
		t.Errorf("Sum = %f, want %f", h.Sum(), expectedSum)
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()

	labels := Labels{"job_class": "title"}

	// First call creates
	c1 := r.Counter("console_polls_total", labels)
	c1.Inc()

	// Second call returns same counter
	c2 := r.Counter("console_polls_total", labels)

	if c2.Value() != 1 {
		t.Errorf("Registry should return same counter, got value %d", c2.Value())
	}
}

func TestRegistry_DifferentLabels(t *testing.T) {
	r := NewRegistry()

	c1 := r.Counter("console_polls_total", Labels{"job_class": "title"})
	c2 := r.Counter("console_polls_total", Labels{"job_class": "workflow"})

	c1.Inc()
	c2.Add(5)

	if c1.Value() != 1 {
		t.Errorf("c1.Value() = %d, want 1", c1.Value())
	}
	if c2.Value() != 5 {
		t.Errorf("c2.Value() = %d, want 5", c2.Value())
	}
}

func TestRegistry_HandlerOutput(t *testing.T) {
	r := NewRegistry()
	r.Counter("console_polls_total", Labels{"job_class": "title"}).Add(3)
	r.Gauge("console_watched_ids", Labels{"job_class": "title"}).Set(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE console_polls_total counter",
		`console_polls_total{job_class="title"} 3`,
		"# TYPE console_watched_ids gauge",
		`console_watched_ids{job_class="title"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("handler output missing %q:\n%s", want, body)
		}
	}
}

func TestRegistry_HandlerOneTypeLinePerFamily(t *testing.T) {
	r := NewRegistry()
	r.Counter("console_polls_total", Labels{"job_class": "title"}).Add(3)
	r.Counter("console_polls_total", Labels{"job_class": "workflow-operation"}).Add(5)
	r.Histogram("console_poll_duration_ms", Labels{"job_class": "title"}, nil).Observe(12)
	r.Histogram("console_poll_duration_ms", Labels{"job_class": "workflow-operation"}, nil).Observe(40)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, typeLine := range []string{
		"# TYPE console_polls_total counter",
		"# TYPE console_poll_duration_ms histogram",
	} {
		if got := strings.Count(body, typeLine); got != 1 {
			t.Errorf("%q appears %d times, want 1:\n%s", typeLine, got, body)
		}
	}
	for _, sample := range []string{
		`console_polls_total{job_class="title"} 3`,
		`console_polls_total{job_class="workflow-operation"} 5`,
	} {
		if !strings.Contains(body, sample) {
			t.Errorf("handler output missing %q:\n%s", sample, body)
		}
	}
}

func TestConsoleMetrics_RecordsOutcomes(t *testing.T) {
	m := NewConsoleMetrics(nil)

	m.PollCompleted("title", 12*time.Millisecond)
	m.PollFailed("title", "transport")
	m.TitleOutcome("generated")
	m.WorkflowOutcome("finished", true)
	m.UndoOutcome("restored")
	m.WatchedSet("title", 4)

	r := m.Registry()
	if got := r.Counter("console_polls_total", Labels{"job_class": "title"}).Value(); got != 1 {
		t.Errorf("polls = %d, want 1", got)
	}
	if got := r.Counter("console_workflow_outcomes_total", Labels{"phase": "finished", "partial": "true"}).Value(); got != 1 {
		t.Errorf("workflow outcomes = %d, want 1", got)
	}
	if got := r.Gauge("console_watched_ids", Labels{"job_class": "title"}).Value(); got != 4 {
		t.Errorf("watched gauge = %v, want 4", got)
	}
}

package metrics

import "time"

// ConsoleMetrics provides the named metrics the reconcilers record.
type ConsoleMetrics struct {
	registry *Registry
}

// NewConsoleMetrics creates a console metrics collector. A nil registry
// gets a private one, which keeps tests isolated.
func NewConsoleMetrics(registry *Registry) *ConsoleMetrics {
	if registry == nil {
		registry = NewRegistry()
	}
	return &ConsoleMetrics{registry: registry}
}

// Registry exposes the underlying registry for the HTTP handler.
func (m *ConsoleMetrics) Registry() *Registry {
	return m.registry
}

// --- Poll metrics ---

// PollCompleted records one status fetch round trip.
func (m *ConsoleMetrics) PollCompleted(jobClass string, duration time.Duration) {
	m.registry.Counter("console_polls_total", Labels{
		"job_class": jobClass,
	}).Inc()

	m.registry.Histogram("console_poll_duration_ms", Labels{
		"job_class": jobClass,
	}, nil).ObserveDuration(duration)
}

// PollFailed records a status fetch that returned an error.
func (m *ConsoleMetrics) PollFailed(jobClass, errorType string) {
	m.registry.Counter("console_poll_failures_total", Labels{
		"job_class":  jobClass,
		"error_type": errorType,
	}).Inc()
}

// WatchedSet records the current size of a scheduler's watch set.
func (m *ConsoleMetrics) WatchedSet(jobClass string, size int) {
	m.registry.Gauge("console_watched_ids", Labels{
		"job_class": jobClass,
	}).Set(float64(size))
}

// --- Outcome metrics ---

// TitleOutcome records a title poll reaching a terminal outcome.
func (m *ConsoleMetrics) TitleOutcome(outcome string) {
	m.registry.Counter("console_title_outcomes_total", Labels{
		"outcome": outcome,
	}).Inc()
}

// WorkflowOutcome records a workflow resolver reaching a terminal phase.
func (m *ConsoleMetrics) WorkflowOutcome(phase string, partial bool) {
	partialLabel := "false"
	if partial {
		partialLabel = "true"
	}
	m.registry.Counter("console_workflow_outcomes_total", Labels{
		"phase":   phase,
		"partial": partialLabel,
	}).Inc()
}

// ActiveResolvers records how many workflow resolvers are live.
func (m *ConsoleMetrics) ActiveResolvers(count int) {
	m.registry.Gauge("console_workflow_resolvers_active", nil).Set(float64(count))
}

// --- Deletion metrics ---

// UndoOutcome records a deletion snapshot resolving (restored, expired,
// delete-failed, restore-failed).
func (m *ConsoleMetrics) UndoOutcome(outcome string) {
	m.registry.Counter("console_undo_outcomes_total", Labels{
		"outcome": outcome,
	}).Inc()
}

// PendingSnapshots records how many undo snapshots are being tracked.
func (m *ConsoleMetrics) PendingSnapshots(count int) {
	m.registry.Gauge("console_undo_snapshots_pending", nil).Set(float64(count))
}

// --- Render metrics ---

// RenderInvoked records one render callback delivery.
func (m *ConsoleMetrics) RenderInvoked(surface string) {
	m.registry.Counter("console_renders_total", Labels{
		"surface": surface,
	}).Inc()
}

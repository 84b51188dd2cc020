// Package undo manages confirmed deletions retained as restorable
// snapshots. A delete is sent to the server first; only after the server
// confirms is the row removed and an undo window opened. Within the window
// a single restore call reinserts the document at its original position.
package undo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/pkg/api"
)

const (
	// DefaultWindow is the base undo window measured from delete
	// confirmation.
	DefaultWindow = 6 * time.Second

	// DefaultCoarsePointerBonus extends the window for touch and other
	// coarse-pointer sessions, which interact more slowly.
	DefaultCoarsePointerBonus = 4 * time.Second

	// DefaultGrace absorbs timer jitter between the rendered countdown
	// and the actual expiry.
	DefaultGrace = 300 * time.Millisecond
)

var (
	// ErrUndoPending is returned when a delete is requested for a
	// document that already has an active undo snapshot.
	ErrUndoPending = errors.New("undo: delete already pending for this document")
)

// SnapshotState tracks the lifecycle of a retained deletion snapshot.
// Transitions are monotonic with one exception: a failed restore re-arms
// the snapshot from Restoring back to Active so the user can retry.
type SnapshotState int

const (
	StateActive SnapshotState = iota
	StateRestoring
	StateRestored
	StateExpired
)

func (s SnapshotState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateRestoring:
		return "restoring"
	case StateRestored:
		return "restored"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Item is everything needed to reconstruct a deleted document in place:
// the serialized row, the sibling it sat in front of, and the flags that
// must be re-applied after a restore.
type Item struct {
	ID            string
	Payload       json.RawMessage
	NextSiblingID string // empty means the row was last; restore appends
	Carry         CarryFlags
}

// CarryFlags are per-document watch states that deletion suspends and
// restore must resume.
type CarryFlags struct {
	ResumeTitlePoll bool
	FallbackTitle   string
}

// Client is the API surface the manager needs.
type Client interface {
	DeleteDocument(ctx context.Context, documentID string) (*api.DeleteReceipt, error)
	RestoreDocument(ctx context.Context, documentID string) error
}

// Config configures a Manager.
type Config struct {
	Client Client
	Sink   render.Sink

	// Window is the base undo window. CoarsePointer adds
	// CoarsePointerBonus on top, and Grace is always added.
	Window             time.Duration
	CoarsePointerBonus time.Duration
	Grace              time.Duration
	CoarsePointer      bool

	// OnRestore runs after a successful restore, outside the manager
	// lock. The facade uses it to re-enroll the document in title
	// polling per the carry flags.
	OnRestore func(item Item)

	// OnExpire runs after an undo window lapses unused.
	OnExpire func(item Item)

	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.CoarsePointerBonus <= 0 {
		cfg.CoarsePointerBonus = DefaultCoarsePointerBonus
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Sink == nil {
		cfg.Sink = render.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

func (cfg Config) window() time.Duration {
	w := cfg.Window
	if cfg.CoarsePointer {
		w += cfg.CoarsePointerBonus
	}
	return w + cfg.Grace
}

type snapshot struct {
	item      Item
	state     SnapshotState
	inflight  bool
	expiresAt time.Time
	timer     *time.Timer
}

// Manager tracks at most one snapshot per document id and enforces the
// single-use restore guard and the expiry window.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	snapshots map[string]*snapshot
}

// NewManager creates an undo manager.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "undo")),
		snapshots: make(map[string]*snapshot),
	}
}

// DeleteWithUndo deletes the document on the server and, once the server
// confirms, retains a snapshot and opens the undo window. A document with
// an active snapshot cannot be deleted again until the snapshot resolves.
func (m *Manager) DeleteWithUndo(ctx context.Context, item Item) error {
	m.mu.Lock()
	if _, exists := m.snapshots[item.ID]; exists {
		m.mu.Unlock()
		return ErrUndoPending
	}
	m.mu.Unlock()

	if _, err := m.cfg.Client.DeleteDocument(ctx, item.ID); err != nil {
		m.logger.Warn("delete request failed",
			slog.String("document_id", item.ID),
			slog.String("error", err.Error()))
		return err
	}

	window := m.cfg.window()
	id := item.ID

	m.mu.Lock()
	if _, exists := m.snapshots[id]; exists {
		// A concurrent delete won the race while ours was in flight.
		m.mu.Unlock()
		return ErrUndoPending
	}
	snap := &snapshot{
		item:      item,
		state:     StateActive,
		expiresAt: time.Now().Add(window),
	}
	snap.timer = time.AfterFunc(window, func() { m.expire(id) })
	m.snapshots[id] = snap
	m.mu.Unlock()

	m.logger.Info("document deleted, undo window open",
		slog.String("document_id", id),
		slog.Duration("window", window))
	m.cfg.Sink.RenderUndo(id, render.UndoState{
		Deleted:     true,
		UndoOffered: true,
		AnchorID:    item.NextSiblingID,
		Payload:     item.Payload,
	})
	return nil
}

// Restore undoes a pending deletion. Duplicate invocations while a restore
// is in flight are absorbed so the server sees exactly one restore call.
// Restoring an id with no active snapshot (expired, already restored,
// never deleted) is a no-op.
func (m *Manager) Restore(ctx context.Context, id string) error {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if !ok || snap.state != StateActive || snap.inflight {
		m.mu.Unlock()
		return nil
	}
	snap.inflight = true
	snap.state = StateRestoring
	item := snap.item
	m.mu.Unlock()

	err := m.cfg.Client.RestoreDocument(ctx, id)
	if err != nil {
		m.restoreFailed(id, err)
		return err
	}

	m.mu.Lock()
	snap.timer.Stop()
	snap.state = StateRestored
	delete(m.snapshots, id)
	m.mu.Unlock()

	m.logger.Info("document restored", slog.String("document_id", id))
	m.cfg.Sink.RenderUndo(id, render.UndoState{
		Restored: true,
		AnchorID: item.NextSiblingID,
		Payload:  item.Payload,
	})
	if m.cfg.OnRestore != nil {
		m.cfg.OnRestore(item)
	}
	return nil
}

// restoreFailed re-arms the snapshot so the user can retry, unless the
// window ran out while the request was in flight.
func (m *Manager) restoreFailed(id string, cause error) {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	snap.inflight = false
	expired := time.Now().After(snap.expiresAt)
	if expired {
		snap.state = StateExpired
		delete(m.snapshots, id)
	} else {
		snap.state = StateActive
	}
	item := snap.item
	m.mu.Unlock()

	m.logger.Warn("restore request failed",
		slog.String("document_id", id),
		slog.Bool("expired", expired),
		slog.String("error", cause.Error()))
	m.cfg.Sink.RenderUndo(id, render.UndoState{
		Deleted:     true,
		UndoOffered: !expired,
		AnchorID:    item.NextSiblingID,
		Payload:     item.Payload,
	})
}

// expire fires when the undo window elapses. A restore already in flight
// takes precedence; its completion path decides the final state.
func (m *Manager) expire(id string) {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if !ok || snap.state != StateActive {
		m.mu.Unlock()
		return
	}
	snap.state = StateExpired
	delete(m.snapshots, id)
	item := snap.item
	m.mu.Unlock()

	m.logger.Info("undo window expired", slog.String("document_id", id))
	m.cfg.Sink.RenderUndo(id, render.UndoState{
		Deleted:     true,
		UndoOffered: false,
	})
	if m.cfg.OnExpire != nil {
		m.cfg.OnExpire(item)
	}
}

// Pending reports whether the id has an active snapshot.
func (m *Manager) Pending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	return ok && (snap.state == StateActive || snap.state == StateRestoring)
}

// Len reports how many snapshots are currently tracked.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

// Close stops every pending expiry timer. Snapshots are dropped without
// rendering; used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, snap := range m.snapshots {
		snap.timer.Stop()
		delete(m.snapshots, id)
	}
}

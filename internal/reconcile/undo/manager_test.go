package undo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/notevault/console/internal/reconcile/render"
	"github.com/notevault/console/pkg/api"
)

type fakeClient struct {
	mu           sync.Mutex
	deleteCalls  int
	restoreCalls int
	deleteErr    error
	restoreErrs  []error // consumed in order; nil entry means success
	restoreGate  chan struct{}
}

func (c *fakeClient) DeleteDocument(_ context.Context, id string) (*api.DeleteReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteCalls++
	if c.deleteErr != nil {
		return nil, c.deleteErr
	}
	return &api.DeleteReceipt{DocumentID: id, DeletedAt: time.Now()}, nil
}

func (c *fakeClient) RestoreDocument(_ context.Context, _ string) error {
	c.mu.Lock()
	c.restoreCalls++
	gate := c.restoreGate
	var err error
	if len(c.restoreErrs) > 0 {
		err = c.restoreErrs[0]
		c.restoreErrs = c.restoreErrs[1:]
	}
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (c *fakeClient) restores() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoreCalls
}

func (c *fakeClient) deletes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteCalls
}

type recordingSink struct {
	render.NopSink
	mu     sync.Mutex
	states []render.UndoState
}

func (s *recordingSink) RenderUndo(_ string, st render.UndoState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
}

func (s *recordingSink) last() (render.UndoState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return render.UndoState{}, false
	}
	return s.states[len(s.states)-1], true
}

func testManager(c Client, sink render.Sink, window time.Duration) *Manager {
	return NewManager(Config{
		Client: c,
		Sink:   sink,
		Window: window,
		// Keep the additive parts negligible so tests control timing
		// through Window alone.
		CoarsePointerBonus: time.Nanosecond,
		Grace:              time.Nanosecond,
	})
}

func item(id string) Item {
	return Item{ID: id, Payload: json.RawMessage(`{"id":"` + id + `"}`)}
}

func TestDeleteOpensUndoWindow(t *testing.T) {
	c := &fakeClient{}
	sink := &recordingSink{}
	m := testManager(c, sink, time.Hour)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}

	if c.deletes() != 1 {
		t.Errorf("delete calls = %d, want 1", c.deletes())
	}
	if !m.Pending("d1") {
		t.Error("snapshot must be active after confirmed delete")
	}
	last, ok := sink.last()
	if !ok || !last.Deleted || !last.UndoOffered {
		t.Errorf("render = %+v, want deleted with undo offered", last)
	}
}

func TestSecondDeleteRejectedWhilePending(t *testing.T) {
	c := &fakeClient{}
	m := testManager(c, &recordingSink{}, time.Hour)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}
	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != ErrUndoPending {
		t.Errorf("second delete error = %v, want ErrUndoPending", err)
	}
	if c.deletes() != 1 {
		t.Errorf("delete calls = %d, want 1 (second delete must not reach the server)", c.deletes())
	}
}

func TestDeleteServerErrorLeavesNoSnapshot(t *testing.T) {
	c := &fakeClient{deleteErr: &api.StatusError{Code: http.StatusInternalServerError}}
	sink := &recordingSink{}
	m := testManager(c, sink, time.Hour)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err == nil {
		t.Fatal("DeleteWithUndo must surface the server error")
	}
	if m.Len() != 0 {
		t.Error("failed delete must not retain a snapshot")
	}
	if _, ok := sink.last(); ok {
		t.Error("failed delete must not render")
	}
}

func TestDoubleRestoreMakesOneCall(t *testing.T) {
	gate := make(chan struct{})
	c := &fakeClient{restoreGate: gate}
	m := testManager(c, &recordingSink{}, time.Hour)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Restore(context.Background(), "d1") }()

	deadline := time.Now().Add(time.Second)
	for c.restores() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// Second invocation while the first is in flight must be absorbed.
	if err := m.Restore(context.Background(), "d1"); err != nil {
		t.Errorf("duplicate Restore error = %v, want nil", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Errorf("Restore error = %v", err)
	}

	if c.restores() != 1 {
		t.Errorf("restore calls = %d, want exactly 1", c.restores())
	}
	if m.Len() != 0 {
		t.Error("restored snapshot must be dropped from tracking")
	}
}

func TestRestoreAfterExpiryIsNoOp(t *testing.T) {
	c := &fakeClient{}
	sink := &recordingSink{}
	m := testManager(c, sink, 20*time.Millisecond)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}

	time.Sleep(60 * time.Millisecond)

	if m.Len() != 0 {
		t.Fatal("snapshot must be discarded on expiry")
	}
	last, _ := sink.last()
	if !last.Deleted || last.UndoOffered {
		t.Errorf("render = %+v, want deleted with undo withdrawn", last)
	}

	if err := m.Restore(context.Background(), "d1"); err != nil {
		t.Errorf("Restore after expiry error = %v, want nil no-op", err)
	}
	if c.restores() != 0 {
		t.Errorf("restore calls = %d, want 0 after expiry", c.restores())
	}
}

func TestRestoreReinsertsAtAnchor(t *testing.T) {
	c := &fakeClient{}
	sink := &recordingSink{}
	m := testManager(c, sink, time.Hour)
	defer m.Close()

	it := item("t1")
	it.NextSiblingID = "t2"
	if err := m.DeleteWithUndo(context.Background(), it); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}
	if err := m.Restore(context.Background(), "t1"); err != nil {
		t.Fatalf("Restore error = %v", err)
	}

	last, ok := sink.last()
	if !ok || !last.Restored {
		t.Fatalf("render = %+v, want restored", last)
	}
	if last.AnchorID != "t2" {
		t.Errorf("anchor = %q, want t2 so the row returns to its original position", last.AnchorID)
	}
}

func TestRestoreFailureReArms(t *testing.T) {
	c := &fakeClient{restoreErrs: []error{errors.New("connection reset"), nil}}
	sink := &recordingSink{}
	m := testManager(c, sink, time.Hour)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("d1")); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}

	if err := m.Restore(context.Background(), "d1"); err == nil {
		t.Fatal("first Restore must surface the transport error")
	}
	if !m.Pending("d1") {
		t.Fatal("failed restore must leave the snapshot active")
	}
	last, _ := sink.last()
	if !last.UndoOffered {
		t.Errorf("render = %+v, want undo control re-enabled", last)
	}

	if err := m.Restore(context.Background(), "d1"); err != nil {
		t.Fatalf("retry Restore error = %v", err)
	}
	if c.restores() != 2 {
		t.Errorf("restore calls = %d, want 2", c.restores())
	}
	if m.Len() != 0 {
		t.Error("snapshot must be dropped after the successful retry")
	}
}

func TestIndependentWindowsPerDocument(t *testing.T) {
	c := &fakeClient{}
	m := testManager(c, &recordingSink{}, 50*time.Millisecond)
	defer m.Close()

	if err := m.DeleteWithUndo(context.Background(), item("a")); err != nil {
		t.Fatalf("DeleteWithUndo a error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.DeleteWithUndo(context.Background(), item("b")); err != nil {
		t.Fatalf("DeleteWithUndo b error = %v", err)
	}

	// a expires around 50 ms, b around 80 ms.
	time.Sleep(35 * time.Millisecond)

	if m.Pending("a") {
		t.Error("a must be expired")
	}
	if !m.Pending("b") {
		t.Error("b must still be active; windows are independent")
	}

	if err := m.Restore(context.Background(), "b"); err != nil {
		t.Errorf("Restore b error = %v", err)
	}
}

func TestRestoreRunsCarryCallback(t *testing.T) {
	c := &fakeClient{}
	var mu sync.Mutex
	var carried []Item
	m := NewManager(Config{
		Client:             c,
		Sink:               &recordingSink{},
		Window:             time.Hour,
		CoarsePointerBonus: time.Nanosecond,
		Grace:              time.Nanosecond,
		OnRestore: func(it Item) {
			mu.Lock()
			carried = append(carried, it)
			mu.Unlock()
		},
	})
	defer m.Close()

	it := item("d1")
	it.Carry = CarryFlags{ResumeTitlePoll: true, FallbackTitle: "d1.pdf"}
	if err := m.DeleteWithUndo(context.Background(), it); err != nil {
		t.Fatalf("DeleteWithUndo error = %v", err)
	}
	if err := m.Restore(context.Background(), "d1"); err != nil {
		t.Fatalf("Restore error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(carried) != 1 {
		t.Fatalf("carry callback invocations = %d, want 1", len(carried))
	}
	if !carried[0].Carry.ResumeTitlePoll || carried[0].Carry.FallbackTitle != "d1.pdf" {
		t.Errorf("carried item = %+v, want title polling flags preserved", carried[0])
	}
}

func TestCoarsePointerExtendsWindow(t *testing.T) {
	fine := Config{Window: 6 * time.Second, CoarsePointerBonus: 4 * time.Second, Grace: 300 * time.Millisecond}.withDefaults()
	coarse := fine
	coarse.CoarsePointer = true

	if got := fine.window(); got != 6*time.Second+300*time.Millisecond {
		t.Errorf("fine-pointer window = %v", got)
	}
	if got := coarse.window(); got != 10*time.Second+300*time.Millisecond {
		t.Errorf("coarse-pointer window = %v", got)
	}
}

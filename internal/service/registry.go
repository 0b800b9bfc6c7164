package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/port/engine"
)

// threadEntry is the in-memory state of one active thread: its engine
// session, fan-out, and the exclusive current-turn slot.
type threadEntry struct {
	mux *EventMultiplexer

	mu          sync.Mutex
	thread      thread.Thread
	session     engine.Session
	currentTurn *thread.Turn
	pumpCancel  func()
	pumpDone    chan struct{}
}

// beginTurn claims the thread's turn slot. Only one turn may run at a time;
// a claim while another turn is still running fails with domain.ErrConflict.
func (e *threadEntry) beginTurn(t *thread.Turn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTurn != nil && !e.currentTurn.Status.Terminal() {
		return fmt.Errorf("%w: turn %s still running", domain.ErrConflict, e.currentTurn.ID)
	}
	e.currentTurn = t
	return nil
}

// turnStatus applies a status transition to the current turn. Transitions on
// an already-terminal turn are ignored; a turn finishes exactly once.
func (e *threadEntry) turnStatus(turnID string, status thread.TurnStatus) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTurn == nil || e.currentTurn.ID != turnID {
		return false
	}
	if e.currentTurn.Status.Terminal() {
		return false
	}
	e.currentTurn.Status = status
	return true
}

// runningTurn returns the current turn if it has not finished.
func (e *threadEntry) runningTurn() (thread.Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.currentTurn == nil || e.currentTurn.Status.Terminal() {
		return thread.Turn{}, false
	}
	return *e.currentTurn, true
}

func (e *threadEntry) snapshot() thread.Thread {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thread
}

func (e *threadEntry) currentSession() engine.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// ThreadRegistry indexes the threads currently resident in memory. Archived
// threads are not here; they live only in the rollout store until resumed.
type ThreadRegistry struct {
	mu      sync.Mutex
	entries map[string]*threadEntry
}

func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{entries: make(map[string]*threadEntry)}
}

// Get returns the entry for an active thread.
func (r *ThreadRegistry) Get(id string) (*threadEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e, ok
}

// Put registers an entry. Fails with domain.ErrConflict if the thread is
// already active.
func (r *ThreadRegistry) Put(id string, e *threadEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: thread %s already active", domain.ErrConflict, id)
	}
	r.entries[id] = e
	return nil
}

// Remove detaches an entry, returning it for teardown.
func (r *ThreadRegistry) Remove(id string) (*threadEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// List returns a snapshot of every active thread, ordered by identifier.
// UUIDv7 identifiers make this creation order.
func (r *ThreadRegistry) List() []thread.Thread {
	r.mu.Lock()
	entries := make([]*threadEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]thread.Thread, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

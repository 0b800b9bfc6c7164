package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/domain/rollout"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/port/engine"
)

// fakeSession is an in-memory engine.Session driven by tests: emit pushes
// events into the feed the pump consumes.
type fakeSession struct {
	cfg engine.SessionConfig

	mu         sync.Mutex
	events     chan engine.Event
	submitted  []string
	interrupts int
	resolved   map[string]approval.Decision
	closed     bool
}

func (s *fakeSession) Submit(_ context.Context, turnID string, _ thread.TurnInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, turnID)
	return nil
}

func (s *fakeSession) Interrupt(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

func (s *fakeSession) Events() <-chan engine.Event { return s.events }

func (s *fakeSession) ResolveApproval(_ context.Context, itemID string, d approval.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved[itemID] = d
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) emit(ev engine.Event) {
	s.events <- ev
}

func (s *fakeSession) decisionFor(itemID string) (approval.Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.resolved[itemID]
	return d, ok
}

// fakeEngine hands out fakeSessions and records every session config it saw.
type fakeEngine struct {
	mu       sync.Mutex
	sessions []*fakeSession
}

func (e *fakeEngine) StartSession(_ context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	s := &fakeSession{
		cfg:      cfg,
		events:   make(chan engine.Event, 64),
		resolved: make(map[string]approval.Decision),
	}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

func (e *fakeEngine) session(i int) *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 {
		i = len(e.sessions) + i
	}
	return e.sessions[i]
}

func (e *fakeEngine) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// memStore is an in-memory rollout store.
type memStore struct {
	mu         sync.Mutex
	items      map[string][]rollout.Item
	failAppend bool
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string][]rollout.Item)}
}

func (m *memStore) Append(_ context.Context, threadID string, item rollout.Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return 0, errors.New("append failed")
	}
	m.items[threadID] = append(m.items[threadID], item)
	return int64(len(m.items[threadID])), nil
}

func (m *memStore) Replay(_ context.Context, threadID string) ([]rollout.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, ok := m.items[threadID]
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%w: no rollout for thread %s", domain.ErrNotFound, threadID)
	}
	out := make([]rollout.Item, len(items))
	copy(out, items)
	return out, nil
}

func (m *memStore) Exists(_ context.Context, threadID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[threadID]) > 0, nil
}

func (m *memStore) Location(threadID string) string {
	return "mem://" + threadID
}

func (m *memStore) setFailAppend(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = fail
}

func (m *memStore) snapshot(threadID string) []rollout.Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rollout.Item, len(m.items[threadID]))
	copy(out, m.items[threadID])
	return out
}

// memCache is a map-backed cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func newTestService() (*ThreadService, *fakeEngine, *memStore) {
	eng := &fakeEngine{}
	store := newMemStore()
	broker := NewApprovalBroker(time.Minute, nil)
	svc := NewThreadService(store, eng, broker, newMemCache(), nil, ThreadOptions{
		DefaultModel:     "test-model",
		DefaultCwd:       "/tmp",
		SubscriberBuffer: 16,
		MetadataTTL:      time.Minute,
	})
	return svc, eng, store
}

func textInput(text string) thread.TurnInput {
	return thread.TurnInput{Blocks: []thread.ContentBlock{{Type: "text", Text: text}}}
}

// turnIdle reports whether the thread's turn slot is free.
func turnIdle(svc *ThreadService, id string) bool {
	e, ok := svc.registry.Get(id)
	if !ok {
		return false
	}
	_, running := e.runningTurn()
	return !running
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

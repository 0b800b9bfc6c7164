package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loomworks/loom/internal/adapter/otel"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/domain/rollout"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/port/cache"
	"github.com/loomworks/loom/internal/port/engine"
	"github.com/loomworks/loom/internal/port/rolloutstore"
	"github.com/loomworks/loom/internal/resilience"
)

// ThreadOptions carries the tunables the thread service needs from config.
type ThreadOptions struct {
	DefaultModel     string
	DefaultCwd       string
	SubscriberBuffer int
	MetadataTTL      time.Duration
	// StartTimeout bounds how long an engine session start may take.
	// Zero means no bound beyond the caller's context.
	StartTimeout time.Duration
	// ReplayConcurrency bounds how many full rollout replays run at once.
	ReplayConcurrency int
}

// threadCloser is implemented by stores that hold per-thread resources open
// between appends (the file backend's appender handles).
type threadCloser interface {
	CloseThread(threadID string) error
}

// ThreadService owns the thread lifecycle: creation, resume, fork, rollback,
// archival, turn submission, and the per-thread event pump that keeps the
// rollout store and the event fan-out consistent. All writes to a thread's
// rollout flow through the single pump goroutine (plus the synchronous
// user-message append in SubmitTurn, which happens before the engine can
// emit anything for that turn), so append order always matches emission
// order.
type ThreadService struct {
	store    rolloutstore.Store
	engine   engine.Engine
	registry *ThreadRegistry
	broker   *ApprovalBroker
	cache    cache.Cache
	metrics  *otel.Metrics
	opts     ThreadOptions
	replays  *resilience.Pool

	resumes singleflight.Group
}

func NewThreadService(
	store rolloutstore.Store,
	eng engine.Engine,
	broker *ApprovalBroker,
	c cache.Cache,
	metrics *otel.Metrics,
	opts ThreadOptions,
) *ThreadService {
	if opts.ReplayConcurrency <= 0 {
		opts.ReplayConcurrency = 8
	}
	return &ThreadService{
		store:    store,
		engine:   eng,
		registry: NewThreadRegistry(),
		broker:   broker,
		cache:    c,
		metrics:  metrics,
		opts:     opts,
		replays:  resilience.NewPool(opts.ReplayConcurrency),
	}
}

// startSession starts an engine session under the configured start timeout.
func (s *ThreadService) startSession(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	if s.opts.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StartTimeout)
		defer cancel()
	}
	return s.engine.StartSession(ctx, cfg)
}

// replayAll reads a thread's full raw rollout through the shared replay
// pool.
func (s *ThreadService) replayAll(ctx context.Context, id string) ([]rollout.Item, error) {
	var items []rollout.Item
	err := s.replays.Run(ctx, func() error {
		var replayErr error
		items, replayErr = s.store.Replay(ctx, id)
		return replayErr
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Create starts a brand-new thread: a fresh engine session with no history
// and a rollout log opened with a session metadata record.
func (s *ThreadService) Create(ctx context.Context, cwd, model string) (thread.Thread, error) {
	if cwd == "" {
		cwd = s.opts.DefaultCwd
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	id := thread.NewID()
	createdAt, ok := thread.CreatedAtFromID(id)
	if !ok {
		createdAt = time.Now().UTC()
	}
	th := thread.Thread{
		ID:        id,
		Cwd:       cwd,
		Model:     model,
		Status:    thread.StatusActive,
		CreatedAt: createdAt,
	}

	session, err := s.startSession(ctx, engine.SessionConfig{
		ThreadID: id,
		Cwd:      cwd,
		Model:    model,
	})
	if err != nil {
		return thread.Thread{}, fmt.Errorf("start session: %w", err)
	}

	meta, _ := json.Marshal(rollout.SessionMeta{ThreadID: id, Cwd: cwd, Model: model})
	if _, err := s.store.Append(ctx, id, rollout.Item{Kind: rollout.KindSessionMeta, Payload: meta}); err != nil {
		_ = session.Close()
		return thread.Thread{}, fmt.Errorf("write session meta: %w", err)
	}

	entry := &threadEntry{
		mux:    NewEventMultiplexer(id, s.broker, s.opts.SubscriberBuffer, s.metrics),
		thread: th,
	}
	if err := s.registry.Put(id, entry); err != nil {
		_ = session.Close()
		return thread.Thread{}, err
	}
	s.startPump(entry, session)

	slog.Info("thread created", "thread_id", id, "model", model, "cwd", cwd)
	return th, nil
}

// Resume reactivates an archived thread by replaying its effective rollout
// into a fresh engine session. Resuming an already-active thread is a no-op
// that returns the live thread; concurrent resumes of the same thread are
// collapsed so exactly one session starts.
func (s *ThreadService) Resume(ctx context.Context, id string) (thread.Thread, error) {
	if !thread.ValidID(id) {
		return thread.Thread{}, fmt.Errorf("%w: malformed thread id", domain.ErrInvalidInput)
	}
	if e, ok := s.registry.Get(id); ok {
		return e.snapshot(), nil
	}

	v, err, _ := s.resumes.Do(id, func() (any, error) {
		if e, ok := s.registry.Get(id); ok {
			return e.snapshot(), nil
		}
		raw, err := s.replayAll(ctx, id)
		if err != nil {
			return nil, err
		}
		history := rollout.ApplyResets(raw)
		return s.activate(ctx, id, history)
	})
	if err != nil {
		return thread.Thread{}, err
	}
	return v.(thread.Thread), nil
}

// activate starts a session over an existing history and registers the
// thread as active.
func (s *ThreadService) activate(ctx context.Context, id string, history []rollout.Item) (thread.Thread, error) {
	meta := metaFrom(history)
	createdAt, ok := thread.CreatedAtFromID(id)
	if !ok {
		createdAt = time.Now().UTC()
	}
	th := thread.Thread{
		ID:        id,
		Cwd:       meta.Cwd,
		Model:     meta.Model,
		Status:    thread.StatusActive,
		CreatedAt: createdAt,
	}

	session, err := s.startSession(ctx, engine.SessionConfig{
		ThreadID: id,
		Cwd:      meta.Cwd,
		Model:    meta.Model,
		History:  history,
	})
	if err != nil {
		return thread.Thread{}, fmt.Errorf("start session: %w", err)
	}

	entry := &threadEntry{
		mux:    NewEventMultiplexer(id, s.broker, s.opts.SubscriberBuffer, s.metrics),
		thread: th,
	}
	if err := s.registry.Put(id, entry); err != nil {
		_ = session.Close()
		return thread.Thread{}, err
	}
	s.startPump(entry, session)
	_ = s.cache.Delete(ctx, metadataKey(id))

	slog.Info("thread resumed", "thread_id", id, "history_items", len(history))
	return th, nil
}

// Fork copies the source thread's effective history, up to and including the
// given turn when one is named, into a brand-new thread with its own rollout
// and session. The source is untouched; later turns on either side never
// affect the other.
func (s *ThreadService) Fork(ctx context.Context, srcID, turnID string) (thread.Thread, error) {
	if !thread.ValidID(srcID) {
		return thread.Thread{}, fmt.Errorf("%w: malformed thread id", domain.ErrInvalidInput)
	}
	raw, err := s.replayAll(ctx, srcID)
	if err != nil {
		return thread.Thread{}, err
	}
	history := rollout.ApplyResets(raw)
	if turnID != "" {
		if !rollout.ContainsTurn(history, turnID) {
			return thread.Thread{}, fmt.Errorf("%w: turn %s not in thread %s", domain.ErrNotFound, turnID, srcID)
		}
		history = rollout.PrefixThroughTurn(history, turnID)
	}

	newID := thread.NewID()
	copied := make([]rollout.Item, 0, len(history))
	for _, it := range history {
		if it.Kind == rollout.KindSessionMeta {
			var m rollout.SessionMeta
			_ = json.Unmarshal(it.Payload, &m)
			m.ThreadID = newID
			payload, _ := json.Marshal(m)
			it = rollout.Item{Kind: rollout.KindSessionMeta, Payload: payload}
		}
		copied = append(copied, it)
	}
	for _, it := range copied {
		if _, err := s.store.Append(ctx, newID, it); err != nil {
			return thread.Thread{}, fmt.Errorf("copy rollout: %w", err)
		}
	}

	th, err := s.activate(ctx, newID, copied)
	if err != nil {
		return thread.Thread{}, err
	}
	slog.Info("thread forked", "source_id", srcID, "thread_id", newID, "at_turn", turnID)
	return th, nil
}

// Rollback discards every item recorded after the given turn by appending a
// reset marker, then restarts the engine session over the truncated history.
// The store stays append-only; only the effective history shrinks. Event
// subscribers stay attached across the restart.
func (s *ThreadService) Rollback(ctx context.Context, id, turnID string) error {
	entry, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: thread %s not active", domain.ErrNotFound, id)
	}
	if t, running := entry.runningTurn(); running {
		return fmt.Errorf("%w: turn %s still running", domain.ErrConflict, t.ID)
	}

	raw, err := s.replayAll(ctx, id)
	if err != nil {
		return err
	}
	history := rollout.ApplyResets(raw)
	if !rollout.ContainsTurn(history, turnID) {
		return fmt.Errorf("%w: turn %s not in thread %s", domain.ErrNotFound, turnID, id)
	}

	payload, _ := json.Marshal(rollout.ResetPayload{ToTurnID: turnID})
	if _, err := s.store.Append(ctx, id, rollout.Item{Kind: rollout.KindReset, Payload: payload}); err != nil {
		return fmt.Errorf("write reset marker: %w", err)
	}

	s.stopPump(entry)
	truncated := rollout.PrefixThroughTurn(history, turnID)
	meta := metaFrom(truncated)
	session, err := s.startSession(ctx, engine.SessionConfig{
		ThreadID: id,
		Cwd:      meta.Cwd,
		Model:    meta.Model,
		History:  truncated,
	})
	if err != nil {
		// The reset marker is durable; the thread needs a resume to come
		// back, so drop it from the active set.
		s.registry.Remove(id)
		entry.mux.Close()
		return fmt.Errorf("restart session: %w", err)
	}
	s.startPump(entry, session)

	slog.Info("thread rolled back", "thread_id", id, "to_turn", turnID)
	return nil
}

// Archive flushes and closes the thread's session and rollout, removes it
// from the active set, and returns where the rollout lives. Archiving is
// what makes a thread resumable later without losing history.
func (s *ThreadService) Archive(ctx context.Context, id string) (string, error) {
	entry, ok := s.registry.Remove(id)
	if !ok {
		return "", fmt.Errorf("%w: thread %s not active", domain.ErrNotFound, id)
	}

	session := entry.currentSession()
	if _, running := entry.runningTurn(); running && session != nil {
		_ = session.Interrupt(ctx)
	}
	s.stopPump(entry)
	entry.mux.Close()
	if tc, ok := s.store.(threadCloser); ok {
		if err := tc.CloseThread(id); err != nil {
			slog.Warn("close rollout appender", "thread_id", id, "error", err)
		}
	}

	th := entry.snapshot()
	th.Status = thread.StatusArchived
	if data, err := json.Marshal(th); err == nil {
		_ = s.cache.Set(ctx, metadataKey(id), data, s.opts.MetadataTTL)
	}

	loc := s.store.Location(id)
	slog.Info("thread archived", "thread_id", id, "location", loc)
	return loc, nil
}

// Get returns a thread's metadata: live state for active threads, cached or
// reconstructed state for archived ones.
func (s *ThreadService) Get(ctx context.Context, id string) (thread.Thread, error) {
	if !thread.ValidID(id) {
		return thread.Thread{}, fmt.Errorf("%w: malformed thread id", domain.ErrInvalidInput)
	}
	if e, ok := s.registry.Get(id); ok {
		return e.snapshot(), nil
	}

	if data, ok, err := s.cache.Get(ctx, metadataKey(id)); err == nil && ok {
		var th thread.Thread
		if json.Unmarshal(data, &th) == nil {
			return th, nil
		}
	}

	raw, err := s.replayAll(ctx, id)
	if err != nil {
		return thread.Thread{}, err
	}
	meta := metaFrom(rollout.ApplyResets(raw))
	createdAt, ok := thread.CreatedAtFromID(id)
	if !ok {
		createdAt = time.Time{}
	}
	th := thread.Thread{
		ID:        id,
		Cwd:       meta.Cwd,
		Model:     meta.Model,
		Status:    thread.StatusArchived,
		CreatedAt: createdAt,
	}
	if data, err := json.Marshal(th); err == nil {
		_ = s.cache.Set(ctx, metadataKey(id), data, s.opts.MetadataTTL)
	}
	return th, nil
}

// List returns the active threads.
func (s *ThreadService) List(_ context.Context) []thread.Thread {
	return s.registry.List()
}

// Replay returns a thread's effective history.
func (s *ThreadService) Replay(ctx context.Context, id string) ([]rollout.Item, error) {
	if !thread.ValidID(id) {
		return nil, fmt.Errorf("%w: malformed thread id", domain.ErrInvalidInput)
	}
	raw, err := s.replayAll(ctx, id)
	if err != nil {
		return nil, err
	}
	return rollout.ApplyResets(raw), nil
}

// SubmitTurn records the user message, claims the thread's exclusive turn
// slot, and hands the input to the engine. The user message is durable
// before the engine sees the turn.
func (s *ThreadService) SubmitTurn(ctx context.Context, id string, input thread.TurnInput) (thread.Turn, error) {
	entry, ok := s.registry.Get(id)
	if !ok {
		return thread.Turn{}, fmt.Errorf("%w: thread %s not active", domain.ErrNotFound, id)
	}
	if err := input.Validate(); err != nil {
		return thread.Turn{}, err
	}

	t := &thread.Turn{
		ID:        thread.NewTurnID(),
		ThreadID:  id,
		Input:     input,
		Status:    thread.TurnPending,
		StartedAt: time.Now().UTC(),
	}
	if err := entry.beginTurn(t); err != nil {
		return thread.Turn{}, err
	}

	payload, err := json.Marshal(input)
	if err != nil {
		entry.turnStatus(t.ID, thread.TurnFailed)
		return thread.Turn{}, fmt.Errorf("encode turn input: %w", err)
	}
	if _, err := s.store.Append(ctx, id, rollout.Item{Kind: rollout.KindUserMessage, TurnID: t.ID, Payload: payload}); err != nil {
		entry.turnStatus(t.ID, thread.TurnFailed)
		return thread.Turn{}, fmt.Errorf("persist user message: %w", err)
	}

	session := entry.currentSession()
	if session == nil {
		entry.turnStatus(t.ID, thread.TurnFailed)
		return thread.Turn{}, fmt.Errorf("%w: thread %s has no session", domain.ErrNotFound, id)
	}
	if err := session.Submit(ctx, t.ID, input); err != nil {
		entry.turnStatus(t.ID, thread.TurnFailed)
		if s.metrics != nil {
			s.metrics.TurnsFailed.Add(ctx, 1)
		}
		return thread.Turn{}, fmt.Errorf("submit turn: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TurnsStarted.Add(ctx, 1)
	}

	slog.Info("turn submitted", "thread_id", id, "turn_id", t.ID, "blocks", len(input.Blocks))
	return *t, nil
}

// InterruptTurn asks the engine to cancel the running turn. The turn stays
// running until the engine acknowledges with a terminal event; already-done
// work remains recorded.
func (s *ThreadService) InterruptTurn(ctx context.Context, id string) (thread.Turn, error) {
	entry, ok := s.registry.Get(id)
	if !ok {
		return thread.Turn{}, fmt.Errorf("%w: thread %s not active", domain.ErrNotFound, id)
	}
	t, running := entry.runningTurn()
	if !running {
		return thread.Turn{}, fmt.Errorf("%w: no turn in progress", domain.ErrConflict)
	}
	session := entry.currentSession()
	if session == nil {
		return thread.Turn{}, fmt.Errorf("%w: thread %s has no session", domain.ErrNotFound, id)
	}
	if err := session.Interrupt(ctx); err != nil {
		return thread.Turn{}, fmt.Errorf("interrupt turn: %w", err)
	}
	slog.Info("turn interrupt requested", "thread_id", id, "turn_id", t.ID)
	return t, nil
}

// ResolveApproval delivers a decision for a pending approval on the thread.
func (s *ThreadService) ResolveApproval(id, itemID string, d approval.Decision) error {
	return s.broker.ResolveForThread(id, itemID, d)
}

// Subscribe attaches an event consumer to the thread's fan-out.
func (s *ThreadService) Subscribe(ctx context.Context, id string) (<-chan Frame, error) {
	entry, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: thread %s not active", domain.ErrNotFound, id)
	}
	return entry.mux.Subscribe(ctx)
}

// Close shuts every active thread down. Used on server shutdown; threads
// remain resumable from their rollouts.
func (s *ThreadService) Close(ctx context.Context) {
	for _, th := range s.registry.List() {
		if _, err := s.Archive(ctx, th.ID); err != nil {
			slog.Warn("archive on shutdown", "thread_id", th.ID, "error", err)
		}
	}
}

// startPump installs a fresh session on the entry and starts its event pump.
func (s *ThreadService) startPump(e *threadEntry, session engine.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.session = session
	e.pumpCancel = cancel
	e.pumpDone = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		s.pump(ctx, e, session)
	}()
}

// stopPump closes the entry's session and waits for its pump to drain.
func (s *ThreadService) stopPump(e *threadEntry) {
	e.mu.Lock()
	session := e.session
	cancel := e.pumpCancel
	done := e.pumpDone
	e.session = nil
	e.pumpCancel = nil
	e.pumpDone = nil
	e.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	if done != nil {
		<-done
	}
	if cancel != nil {
		cancel()
	}
}

// pump is the single consumer of a session's event channel. For every event
// it persists the rollout record first, then updates turn state, then fans
// the event out. A failed append fails the turn and interrupts the session
// rather than letting the stream run ahead of the durable history.
func (s *ThreadService) pump(ctx context.Context, e *threadEntry, session engine.Session) {
	threadID := e.snapshot().ID
	for ev := range session.Events() {
		if item, ok := rolloutItemFor(ev); ok {
			if _, err := s.store.Append(ctx, threadID, item); err != nil {
				slog.Error("rollout append failed, failing turn",
					"thread_id", threadID,
					"turn_id", ev.TurnID,
					"kind", ev.Kind,
					"error", err,
				)
				if e.turnStatus(ev.TurnID, thread.TurnFailed) && s.metrics != nil {
					s.metrics.TurnsFailed.Add(ctx, 1)
				}
				body, _ := json.Marshal(frameBody{ThreadID: threadID, TurnID: ev.TurnID})
				e.mux.publish(Frame{Event: string(engine.KindError), Data: body})
				_ = session.Interrupt(ctx)
				continue
			}
		}
		s.trackTurn(ctx, e, ev)
		e.mux.Process(ctx, session, ev)
	}
}

func (s *ThreadService) trackTurn(ctx context.Context, e *threadEntry, ev engine.Event) {
	switch ev.Kind {
	case engine.KindTurnStarted:
		e.turnStatus(ev.TurnID, thread.TurnRunning)
	case engine.KindTurnCompleted:
		if e.turnStatus(ev.TurnID, thread.TurnCompleted) && s.metrics != nil {
			s.metrics.TurnsCompleted.Add(ctx, 1)
		}
	case engine.KindTurnFailed:
		if e.turnStatus(ev.TurnID, thread.TurnFailed) && s.metrics != nil {
			s.metrics.TurnsFailed.Add(ctx, 1)
		}
	case engine.KindTurnInterrupted:
		e.turnStatus(ev.TurnID, thread.TurnInterrupted)
	}
}

// rolloutItemFor maps an engine event to its durable record, if it has one.
// Streaming deltas and item-started signals are transient; only settled
// results and turn boundaries are persisted.
func rolloutItemFor(ev engine.Event) (rollout.Item, bool) {
	switch ev.Kind {
	case engine.KindTurnStarted:
		return rollout.Item{Kind: rollout.KindTurnStarted, TurnID: ev.TurnID}, true
	case engine.KindTurnCompleted, engine.KindTurnFailed, engine.KindTurnInterrupted:
		status := map[engine.Kind]string{
			engine.KindTurnCompleted:   string(thread.TurnCompleted),
			engine.KindTurnFailed:      string(thread.TurnFailed),
			engine.KindTurnInterrupted: string(thread.TurnInterrupted),
		}[ev.Kind]
		payload, _ := json.Marshal(rollout.TurnEndedPayload{Status: status})
		return rollout.Item{Kind: rollout.KindTurnEnded, TurnID: ev.TurnID, Payload: payload}, true
	case engine.KindItemCompleted:
		kind := rollout.KindToolCall
		var head struct {
			Type string `json:"type"`
		}
		if len(ev.Payload) > 0 {
			_ = json.Unmarshal(ev.Payload, &head)
		}
		if head.Type == "agent_message" {
			kind = rollout.KindAgentMessage
		}
		return rollout.Item{Kind: kind, TurnID: ev.TurnID, Payload: ev.Payload}, true
	case engine.KindApprovalCommand, engine.KindApprovalPatch:
		return rollout.Item{Kind: rollout.KindApproval, TurnID: ev.TurnID, Payload: ev.Payload}, true
	}
	return rollout.Item{}, false
}

func metaFrom(items []rollout.Item) rollout.SessionMeta {
	for _, it := range items {
		if it.Kind == rollout.KindSessionMeta {
			var m rollout.SessionMeta
			if json.Unmarshal(it.Payload, &m) == nil {
				return m
			}
		}
	}
	return rollout.SessionMeta{}
}

// metadataKey builds the cache key for a thread's metadata. JetStream KV
// keys only allow [-/_=.a-zA-Z0-9], so the separator is a dot.
func metadataKey(id string) string {
	return "thread.meta." + id
}

package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/adapter/otel"
	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/port/engine"
)

// Frame is one server-sent event: the event name on the wire and its JSON
// data payload.
type Frame struct {
	Event string
	Data  []byte
}

// frameBody is the JSON shape of every event frame.
type frameBody struct {
	ThreadID string          `json:"thread_id"`
	TurnID   string          `json:"turn_id,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// frameType maps an engine event kind to its wire event name. The mapping is
// total: kinds this build does not know about are forwarded under a generic
// name so newer engines keep streaming through older servers.
func frameType(k engine.Kind) (string, bool) {
	switch k {
	case engine.KindTurnStarted, engine.KindTurnCompleted, engine.KindTurnFailed, engine.KindTurnInterrupted,
		engine.KindItemStarted, engine.KindItemCompleted,
		engine.KindAgentMessageDelta, engine.KindCommandOutput,
		engine.KindApprovalCommand, engine.KindApprovalPatch,
		engine.KindError:
		return string(k), true
	}
	return "event.unknown", false
}

type subscriber struct {
	ch chan Frame
}

// EventMultiplexer fans one thread's event feed out to any number of live
// subscribers. It outlives engine sessions: a rollback swaps the session
// underneath without dropping subscribers.
type EventMultiplexer struct {
	threadID string
	broker   *ApprovalBroker
	buffer   int
	metrics  *otel.Metrics

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewEventMultiplexer creates a fan-out for one thread. buffer is the
// per-subscriber channel depth; a subscriber that falls that far behind is
// dropped rather than allowed to stall the feed.
func NewEventMultiplexer(threadID string, broker *ApprovalBroker, buffer int, metrics *otel.Metrics) *EventMultiplexer {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventMultiplexer{
		threadID: threadID,
		broker:   broker,
		buffer:   buffer,
		metrics:  metrics,
		subs:     make(map[*subscriber]struct{}),
	}
}

// Subscribe attaches a new consumer. The returned channel closes when ctx is
// cancelled or the multiplexer shuts down.
func (m *EventMultiplexer) Subscribe(ctx context.Context) (<-chan Frame, error) {
	sub := &subscriber{ch: make(chan Frame, m.buffer)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.StreamSubscribers.Add(ctx, 1)
	}
	go func() {
		<-ctx.Done()
		m.unsubscribe(sub)
	}()
	return sub.ch, nil
}

func (m *EventMultiplexer) unsubscribe(sub *subscriber) {
	m.mu.Lock()
	_, present := m.subs[sub]
	if present {
		delete(m.subs, sub)
		close(sub.ch)
	}
	last := present && len(m.subs) == 0 && !m.closed
	m.mu.Unlock()

	if !present {
		return
	}
	if m.metrics != nil {
		m.metrics.StreamSubscribers.Add(context.Background(), -1)
	}
	if last {
		// Nobody is left to answer: fail pending approvals closed instead of
		// letting the turn hang for the full timeout.
		m.broker.DeclineThread(m.threadID)
	}
}

// Subscribers reports the current consumer count.
func (m *EventMultiplexer) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Process handles one engine event: approval requests are registered with the
// broker before the frame goes out, everything else is forwarded as-is.
// session receives the eventual decision for approval events. An approval
// event whose registration fails (a duplicate item id) is dropped entirely,
// so clients never see a request the broker will not honor.
func (m *EventMultiplexer) Process(ctx context.Context, session engine.Session, ev engine.Event) {
	name, known := frameType(ev.Kind)
	if !known {
		slog.Warn("unknown engine event kind, forwarding as generic",
			"thread_id", m.threadID,
			"kind", ev.Kind,
		)
	}

	if kind, ok := ev.Kind.ApprovalKind(); ok {
		if !m.divertApproval(ctx, session, ev, kind) {
			return
		}
	}

	body, err := json.Marshal(frameBody{
		ThreadID: m.threadID,
		TurnID:   ev.TurnID,
		ItemID:   ev.ItemID,
		Payload:  ev.Payload,
	})
	if err != nil {
		slog.Error("marshal event frame", "thread_id", m.threadID, "error", err)
		return
	}
	m.publish(Frame{Event: name, Data: body})
}

// divertApproval registers the request so an HTTP resolution can land, then
// spawns the waiter that forwards the decision back to the engine. The
// registration happens before the frame is published so a client can never
// see a request the broker does not yet know about. Returns false when the
// registration was rejected.
func (m *EventMultiplexer) divertApproval(ctx context.Context, session engine.Session, ev engine.Event, kind approval.Kind) bool {
	var p engine.ApprovalPayload
	if len(ev.Payload) > 0 {
		_ = json.Unmarshal(ev.Payload, &p)
	}
	wait, err := m.broker.Register(approval.Request{
		ItemID:        ev.ItemID,
		ThreadID:      m.threadID,
		TurnID:        ev.TurnID,
		Kind:          kind,
		Justification: p.Justification,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		slog.Error("register approval",
			"thread_id", m.threadID,
			"item_id", ev.ItemID,
			"error", err,
		)
		return false
	}

	itemID := ev.ItemID
	go func() {
		d := wait.Await(ctx)
		if err := session.ResolveApproval(ctx, itemID, d); err != nil {
			slog.Error("forward approval decision",
				"thread_id", m.threadID,
				"item_id", itemID,
				"verdict", d.Verdict,
				"error", err,
			)
		}
	}()
	return true
}

// publish delivers the frame to every subscriber. A subscriber whose buffer
// is full is dropped so one slow reader cannot back up the thread's feed.
func (m *EventMultiplexer) publish(f Frame) {
	m.mu.Lock()
	var stalled []*subscriber
	for sub := range m.subs {
		select {
		case sub.ch <- f:
		default:
			stalled = append(stalled, sub)
		}
	}
	for _, sub := range stalled {
		delete(m.subs, sub)
		close(sub.ch)
	}
	last := len(stalled) > 0 && len(m.subs) == 0 && !m.closed
	m.mu.Unlock()

	for range stalled {
		slog.Warn("dropping stalled event subscriber", "thread_id", m.threadID)
		if m.metrics != nil {
			m.metrics.StreamSubscribers.Add(context.Background(), -1)
		}
	}
	if last {
		m.broker.DeclineThread(m.threadID)
	}
}

// Close shuts the fan-out down and closes every subscriber channel.
func (m *EventMultiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[*subscriber]struct{})
	m.mu.Unlock()

	for sub := range subs {
		close(sub.ch)
		if m.metrics != nil {
			m.metrics.StreamSubscribers.Add(context.Background(), -1)
		}
	}
	m.broker.DeclineThread(m.threadID)
}

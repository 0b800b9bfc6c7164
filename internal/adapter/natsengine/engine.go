// Package natsengine implements the engine port over NATS JetStream. The
// core is the control plane; the engine's execution plane consumes session
// and turn commands from `<prefix>.sessions.*` subjects and publishes its
// event feed on `<prefix>.events.<thread_id>`.
package natsengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/domain/thread"
	"github.com/loomworks/loom/internal/port/engine"
	"github.com/loomworks/loom/internal/resilience"
)

const streamName = "LOOM_ENGINE"

// Engine implements engine.Engine using NATS JetStream.
type Engine struct {
	nc        *nats.Conn
	js        jetstream.JetStream
	prefix    string
	queueSize int
	breaker   *resilience.Breaker
}

// Connect establishes a connection to NATS and ensures the JetStream stream
// covering the engine subjects exists.
func Connect(ctx context.Context, url, prefix string, queueSize int) (*Engine, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{prefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats engine connected", "url", url, "stream", streamName)
	return &Engine{
		nc:        nc,
		js:        js,
		prefix:    prefix,
		queueSize: queueSize,
		breaker:   resilience.NewBreaker(5, 30*time.Second),
	}, nil
}

// KeyValue returns a JetStream KeyValue bucket, creating it when missing.
// ttl applies to every entry in the bucket.
func (e *Engine) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := e.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream keyvalue %s: %w", bucket, err)
	}
	return kv, nil
}

// startPayload is the wire form of a session start command.
type startPayload struct {
	ThreadID string          `json:"thread_id"`
	Cwd      string          `json:"cwd,omitempty"`
	Model    string          `json:"model,omitempty"`
	History  json.RawMessage `json:"history,omitempty"`
}

// submitPayload is the wire form of a turn submission.
type submitPayload struct {
	TurnID string           `json:"turn_id"`
	Input  thread.TurnInput `json:"input"`
}

// approvalPayload is the wire form of an approval resolution.
type approvalPayload struct {
	ItemID   string            `json:"item_id"`
	Decision approval.Decision `json:"decision"`
}

// StartSession publishes the session start command (with replayed history)
// and starts consuming the thread's event subject.
func (e *Engine) StartSession(ctx context.Context, cfg engine.SessionConfig) (engine.Session, error) {
	history, err := json.Marshal(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("marshal session history: %w", err)
	}

	if err := e.publish(ctx, e.subject("sessions", "start"), startPayload{
		ThreadID: cfg.ThreadID,
		Cwd:      cfg.Cwd,
		Model:    cfg.Model,
		History:  history,
	}); err != nil {
		return nil, err
	}

	s := &session{
		engine:   e,
		threadID: cfg.ThreadID,
		events:   make(chan engine.Event, e.queueSize),
	}

	consumer, err := e.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: e.subject("events", cfg.ThreadID),
		AckPolicy:     jetstream.AckExplicitPolicy,
		// Events published before this session are history, not live feed.
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		var ev engine.Event
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			slog.Error("malformed engine event", "thread_id", cfg.ThreadID, "error", err)
			_ = msg.Term()
			return
		}
		s.deliver(ev)
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	s.stop = cons.Stop

	return s, nil
}

func (e *Engine) subject(parts ...string) string {
	subj := e.prefix
	for _, p := range parts {
		subj += "." + p
	}
	return subj
}

// publish sends one command through the circuit breaker. When NATS is down
// the breaker fails commands fast instead of stacking publish timeouts.
func (e *Engine) publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	err = e.breaker.Execute(func() error {
		_, pubErr := e.js.Publish(ctx, subject, data)
		return pubErr
	})
	if err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (e *Engine) Close() error {
	e.nc.Close()
	return nil
}

// session is one live engine session bridged over NATS.
type session struct {
	engine   *Engine
	threadID string
	stop     func()

	mu     sync.Mutex
	closed bool
	events chan engine.Event
}

func (s *session) Submit(ctx context.Context, turnID string, input thread.TurnInput) error {
	return s.engine.publish(ctx, s.engine.subject("turns", s.threadID), submitPayload{
		TurnID: turnID,
		Input:  input,
	})
}

func (s *session) Interrupt(ctx context.Context) error {
	return s.engine.publish(ctx, s.engine.subject("interrupt", s.threadID), struct{}{})
}

func (s *session) Events() <-chan engine.Event {
	return s.events
}

func (s *session) ResolveApproval(ctx context.Context, itemID string, decision approval.Decision) error {
	return s.engine.publish(ctx, s.engine.subject("approvals", s.threadID), approvalPayload{
		ItemID:   itemID,
		Decision: decision,
	})
}

// deliver pushes one event to the session channel. The send happens under
// the session mutex so it serializes against Close: the channel is never
// closed while a delivery is in flight. Delivery blocks (and JetStream
// buffers upstream) while the pump catches up; nothing is dropped.
func (s *session) deliver(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Close stops the event consumer and closes the event channel. The lifecycle
// manager keeps draining Events() until it closes, so an in-flight delivery
// always completes before the mutex is granted here.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.stop != nil {
		s.stop()
	}
	close(s.events)
	return nil
}

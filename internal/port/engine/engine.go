// Package engine defines the port consumed by the core for the external
// conversational-agent engine. The core never interprets command semantics;
// it only registers pending work against the engine and receives
// completion and error signals.
package engine

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/domain/approval"
	"github.com/loomworks/loom/internal/domain/rollout"
	"github.com/loomworks/loom/internal/domain/thread"
)

// Kind is the dotted type tag of an internal engine event.
type Kind string

const (
	KindTurnStarted     Kind = "turn.started"
	KindTurnCompleted   Kind = "turn.completed"
	KindTurnFailed      Kind = "turn.failed"
	KindTurnInterrupted Kind = "turn.interrupted"

	KindItemStarted       Kind = "item.started"
	KindItemCompleted     Kind = "item.completed"
	KindAgentMessageDelta Kind = "item.agent_message.delta"
	KindCommandOutput     Kind = "item.command_execution.output_delta"

	KindApprovalCommand Kind = "approval.command.requested"
	KindApprovalPatch   Kind = "approval.patch.requested"

	KindError Kind = "error"
)

// ApprovalKind reports whether k is an approval-required event, and for
// which approval class.
func (k Kind) ApprovalKind() (approval.Kind, bool) {
	switch k {
	case KindApprovalCommand:
		return approval.KindCommandExecution, true
	case KindApprovalPatch:
		return approval.KindFileChange, true
	}
	return "", false
}

// Event is one internal engine event. ItemID is set for item-scoped events
// and doubles as the approval identifier for approval-required events.
type Event struct {
	Kind    Kind            `json:"kind"`
	TurnID  string          `json:"turn_id,omitempty"`
	ItemID  string          `json:"item_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ApprovalPayload is the payload shape of approval-required events.
type ApprovalPayload struct {
	Justification string `json:"justification,omitempty"`
	Command       string `json:"command,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
}

// SessionConfig configures a fresh engine session for a thread. History is
// the effective rollout replayed into the session on resume and fork.
type SessionConfig struct {
	ThreadID string
	Cwd      string
	Model    string
	History  []rollout.Item
}

// Session is one live engine session. Submit and Interrupt are asynchronous;
// progress arrives on the Events channel, which the engine closes when the
// session ends.
type Session interface {
	Submit(ctx context.Context, turnID string, input thread.TurnInput) error
	Interrupt(ctx context.Context) error
	Events() <-chan Event
	ResolveApproval(ctx context.Context, itemID string, decision approval.Decision) error
	Close() error
}

// Engine starts sessions. Implementations live behind this port; the core
// does not know how the engine executes.
type Engine interface {
	StartSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

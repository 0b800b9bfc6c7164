// Package rollout defines the immutable, append-only record format that backs
// a thread's durable history.
package rollout

import (
	"encoding/json"
	"time"
)

// Kind identifies what a rollout item records.
type Kind string

const (
	KindSessionMeta  Kind = "session_meta"
	KindUserMessage  Kind = "user_message"
	KindAgentMessage Kind = "agent_message"
	KindToolCall     Kind = "tool_call"
	KindApproval     Kind = "approval"
	KindTurnStarted  Kind = "turn_started"
	KindTurnEnded    Kind = "turn_ended"

	// KindReset is a control record written by rollback. Replay discards
	// every item recorded after the turn the marker names. It is the only
	// way history shrinks on an append-only store.
	KindReset Kind = "reset"
)

// Item is a single immutable record in a thread's rollout. Sequence is
// defined by insertion order within a thread; items are never mutated or
// deleted, only appended.
type Item struct {
	Kind    Kind            `json:"kind"`
	TurnID  string          `json:"turn_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Line is the on-disk shape of an item in the file backend: the item fields
// flattened next to a timestamp. The timestamp is metadata, not data; the
// relational backend stores the bare item and supplies its own timestamp
// column.
type Line struct {
	Timestamp time.Time `json:"timestamp"`
	Item
}

// SessionMeta is the payload of a KindSessionMeta item, the first record of
// every rollout.
type SessionMeta struct {
	ThreadID string `json:"thread_id"`
	Cwd      string `json:"cwd,omitempty"`
	Model    string `json:"model,omitempty"`
}

// TurnEndedPayload is the payload of a KindTurnEnded item.
type TurnEndedPayload struct {
	Status string `json:"status"`
}

// ResetPayload is the payload of a KindReset item.
type ResetPayload struct {
	// ToTurnID is the last turn whose items survive the reset.
	ToTurnID string `json:"to_turn_id"`
}

// ApplyResets returns the effective history: for each reset marker, every
// item appended after the marked turn (and the marker itself) is discarded.
// Items are never reordered.
func ApplyResets(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.Kind != KindReset {
			out = append(out, it)
			continue
		}
		var p ResetPayload
		if err := json.Unmarshal(it.Payload, &p); err != nil {
			// An unreadable reset marker discards nothing; the raw
			// history is still intact.
			continue
		}
		out = truncateAfterTurn(out, p.ToTurnID)
	}
	return out
}

// PrefixThroughTurn returns the prefix of the effective history up to and
// including every item of the given turn. An empty turnID keeps everything.
func PrefixThroughTurn(items []Item, turnID string) []Item {
	if turnID == "" {
		return items
	}
	return truncateAfterTurn(items, turnID)
}

// truncateAfterTurn cuts items after the last record belonging to turnID.
// Items with no turn association before that point are kept.
func truncateAfterTurn(items []Item, turnID string) []Item {
	cut := 0
	for i, it := range items {
		if it.TurnID == turnID {
			cut = i + 1
		}
	}
	return items[:cut:cut]
}

// ContainsTurn reports whether any item belongs to the given turn.
func ContainsTurn(items []Item, turnID string) bool {
	for _, it := range items {
		if it.TurnID == turnID {
			return true
		}
	}
	return false
}

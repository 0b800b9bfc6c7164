// Package approval defines the human-in-the-loop approval domain types.
package approval

import (
	"encoding/json"
	"time"
)

// Kind identifies what the engine is asking permission for.
type Kind string

const (
	KindCommandExecution Kind = "command_execution"
	KindFileChange       Kind = "file_change"
)

// Timeout is how long an approval request stays pending before it resolves
// to a decline. Measured from registration, independent of server load.
const Timeout = 15 * time.Minute

// Request is a pending approval keyed by the item identifier the engine used
// when it emitted the approval-required event.
type Request struct {
	ItemID        string    `json:"item_id"`
	ThreadID      string    `json:"thread_id"`
	TurnID        string    `json:"turn_id"`
	Kind          Kind      `json:"kind"`
	Justification string    `json:"justification,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Verdict is the client's answer to an approval request.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictDecline Verdict = "decline"
)

// Valid reports whether v is a recognized verdict.
func (v Verdict) Valid() bool {
	return v == VerdictApprove || v == VerdictDecline
}

// Decision carries the verdict plus optional execution-policy amendments
// forwarded opaquely to the engine.
type Decision struct {
	Verdict    Verdict         `json:"decision"`
	Amendments json.RawMessage `json:"amendments,omitempty"`
}

// Declined is the fail-closed default used for timeouts and orphaned waits.
var Declined = Decision{Verdict: VerdictDecline}

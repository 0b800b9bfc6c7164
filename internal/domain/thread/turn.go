package thread

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/domain"
)

// TurnStatus represents the state of a single turn within a thread.
type TurnStatus string

const (
	TurnPending     TurnStatus = "pending"
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
	TurnFailed      TurnStatus = "failed"
)

// Terminal reports whether s is a terminal turn status.
func (s TurnStatus) Terminal() bool {
	switch s {
	case TurnCompleted, TurnInterrupted, TurnFailed:
		return true
	}
	return false
}

// ContentBlock is one element of a turn's input: either inline text or a
// reference to a previously uploaded attachment.
type ContentBlock struct {
	Type         string `json:"type"` // "text" or "attachment"
	Text         string `json:"text,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// TurnInput is the ordered sequence of content blocks submitted for a turn.
type TurnInput struct {
	Blocks []ContentBlock `json:"blocks"`
}

// Validate checks that every block is well-formed.
func (in TurnInput) Validate() error {
	if len(in.Blocks) == 0 {
		return fmt.Errorf("%w: turn input is empty", domain.ErrInvalidInput)
	}
	for i, b := range in.Blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				return fmt.Errorf("%w: block %d: empty text", domain.ErrInvalidInput, i)
			}
		case "attachment":
			if _, err := uuid.Parse(b.AttachmentID); err != nil {
				return fmt.Errorf("%w: block %d: malformed attachment id", domain.ErrInvalidInput, i)
			}
		default:
			return fmt.Errorf("%w: block %d: unknown type %q", domain.ErrInvalidInput, i, b.Type)
		}
	}
	return nil
}

// Turn represents one request/response cycle of work within a thread.
// A turn transitions to a terminal status exactly once and is immutable
// afterwards.
type Turn struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"thread_id"`
	Input     TurnInput  `json:"input"`
	Status    TurnStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
}

// NewTurnID allocates a turn identifier scoped to a thread.
func NewTurnID() string {
	return "turn-" + uuid.NewString()
}

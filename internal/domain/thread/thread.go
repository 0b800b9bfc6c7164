// Package thread defines the Thread and Turn domain entities.
package thread

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a thread.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Thread represents a persistent conversation session with its own ordered
// history. The engine session handle and rollout log are owned by the
// lifecycle manager; other components reference a thread by identifier only.
type Thread struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd,omitempty"`
	Model     string    `json:"model,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID allocates a fresh thread identifier. Identifiers are UUIDv7 so the
// creation instant is recoverable from the identifier itself, which the file
// rollout backend relies on for its date-partitioned paths.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than panicking in a request path.
		return uuid.NewString()
	}
	return id.String()
}

// CreatedAtFromID extracts the creation instant embedded in a UUIDv7 thread
// identifier. Returns false for non-v7 identifiers.
func CreatedAtFromID(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}

// ValidID reports whether id is a well-formed thread identifier.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

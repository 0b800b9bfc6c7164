// Package rolloutstore defines the port interface for the append-only
// per-thread rollout log.
package rolloutstore

import (
	"context"

	"github.com/loomworks/loom/internal/domain/rollout"
)

// Store persists ordered rollout items per thread. Both backends guarantee
// that replay order equals append order; concurrent appenders to the same
// thread are a programming error the lifecycle manager prevents by owning
// the exclusive session handle.
type Store interface {
	// Append durably writes one item and returns its sequence number
	// within the thread. A failed append must surface to the caller; it
	// fails the in-progress turn.
	Append(ctx context.Context, threadID string, item rollout.Item) (int64, error)

	// Replay returns the full ordered raw history of a thread, reset
	// markers included (callers apply rollout.ApplyResets). It is
	// restartable by re-invoking; it is not a live subscription.
	// A thread with no rollout yields domain.ErrNotFound; corrupt records
	// yield an internal error, never a silent skip.
	Replay(ctx context.Context, threadID string) ([]rollout.Item, error)

	// Exists reports whether a rollout exists for the thread.
	Exists(ctx context.Context, threadID string) (bool, error)

	// Location describes where the thread's rollout lives (a file path
	// for the file backend, a table reference for the relational one).
	Location(threadID string) string
}

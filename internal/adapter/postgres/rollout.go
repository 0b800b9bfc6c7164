package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/domain/rollout"
)

// RolloutStore implements the rollout store port on the rollout_items table.
// The BIGSERIAL primary key defines the per-thread sequence; replay reads
// `ORDER BY id ASC` over the (thread_id, id) index.
type RolloutStore struct {
	pool *pgxpool.Pool
}

// NewRolloutStore creates a RolloutStore backed by the given connection pool.
func NewRolloutStore(pool *pgxpool.Pool) *RolloutStore {
	return &RolloutStore{pool: pool}
}

// Append inserts one rollout item and returns its sequence key.
func (s *RolloutStore) Append(ctx context.Context, threadID string, item rollout.Item) (int64, error) {
	tid, err := parseThreadID(threadID)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal rollout item: %w", err)
	}

	var seq int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO rollout_items (thread_id, item) VALUES ($1, $2) RETURNING id`,
		tid, data).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append rollout item for thread %s: %w", threadID, err)
	}
	return seq, nil
}

// Replay returns the full ordered history of a thread.
func (s *RolloutStore) Replay(ctx context.Context, threadID string) ([]rollout.Item, error) {
	tid, err := parseThreadID(threadID)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT item FROM rollout_items WHERE thread_id = $1 ORDER BY id ASC`, tid)
	if err != nil {
		return nil, fmt.Errorf("load rollout for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var items []rollout.Item
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan rollout item: %w", err)
		}
		var item rollout.Item
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("corrupt rollout item for thread %s: %w", threadID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read rollout rows: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("rollout for thread %s: %w", threadID, domain.ErrNotFound)
	}
	return items, nil
}

// Exists reports whether any rollout rows exist for the thread.
func (s *RolloutStore) Exists(ctx context.Context, threadID string) (bool, error) {
	tid, err := parseThreadID(threadID)
	if err != nil {
		return false, err
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rollout_items WHERE thread_id = $1)`, tid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check rollout existence for thread %s: %w", threadID, err)
	}
	return exists, nil
}

// Location identifies the rollout's home for a thread.
func (s *RolloutStore) Location(threadID string) string {
	return "postgres://rollout_items/" + threadID
}

func parseThreadID(threadID string) (uuid.UUID, error) {
	tid, err := uuid.Parse(threadID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed thread id %q", domain.ErrInvalidInput, threadID)
	}
	return tid, nil
}

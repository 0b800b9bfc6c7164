// Package cache defines the port interface for in-process caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Used for archived
// thread metadata lookups; never for rollout data itself.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

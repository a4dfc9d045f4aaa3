// Package cache provides the key/value stores used for short-lived read
// models such as the dashboard summary. Redis is used when REDIS_URL is set;
// otherwise an in-process store keeps a single instance working.
package cache

import (
	"context"
	"time"
)

// Store is a byte-oriented cache with per-entry TTLs. A miss is reported as
// ok == false with a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

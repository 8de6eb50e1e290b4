package cron

import (
	"context"
	"time"

	"github.com/angelmondragon/poolnet-backend/pkg/redis"
)

// A cycle scans every node twice; the TTL only has to outlive one cycle.
const defaultLockTTL = 30 * time.Minute

// Lock coordinates exclusive cron runs.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewRedisLock returns a Lock backed by an owner-checked Redis lease on key.
func NewRedisLock(store redis.LeaseStore, key string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	lease, err := redis.NewLease(store, key, ttl)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultLeaseTTL = 30 * time.Second

// ErrLeaseLost is returned by Refresh when the key expired or changed hands.
var ErrLeaseLost = errors.New("lease lost")

// LeaseStore is the subset of Client a Lease needs.
type LeaseStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	ExtendIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	DeleteIfOwner(ctx context.Context, key, owner string) (bool, error)
}

// Lease is an exclusive, expiring claim on a key: SETNX with a random owner
// token, refreshed and released only while the token still matches.
type Lease struct {
	store LeaseStore
	key   string
	ttl   time.Duration

	mu    sync.Mutex
	owner string
}

// NewLease builds a lease on key. A non-positive ttl falls back to 30s.
func NewLease(store LeaseStore, key string, ttl time.Duration) (*Lease, error) {
	if store == nil {
		return nil, errors.New("redis store required for lease")
	}
	if key == "" {
		return nil, errors.New("lease key is required")
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	return &Lease{store: store, key: key, ttl: ttl}, nil
}

func (l *Lease) Key() string { return l.key }

func (l *Lease) TTL() time.Duration { return l.ttl }

// Acquire tries to own the lease for one TTL.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner := uuid.NewString()
	ok, err := l.store.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Refresh pushes the expiry out by one TTL. It returns ErrLeaseLost when the
// lease is no longer held by this instance.
func (l *Lease) Refresh(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == "" {
		return ErrLeaseLost
	}
	ok, err := l.store.ExtendIfOwner(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if !ok {
		l.owner = ""
		return ErrLeaseLost
	}
	return nil
}

// Held reports whether the last Acquire or Refresh left this instance owning the lease.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != ""
}

// Release frees the lease only if the owner value still matches.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner == "" {
		return nil
	}
	if _, err := l.store.DeleteIfOwner(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("delete lease: %w", err)
	}
	l.owner = ""
	return nil
}

package placement

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/poolnet-backend/pkg/enums"
)

// TreeLocker serializes slot claims per tree for the rest of the transaction.
type TreeLocker interface {
	Lock(ctx context.Context, tx *gorm.DB, trees ...enums.TreeKind) error
}

// NewTreeLocker picks the locker for the connection's dialect. Postgres gets
// transaction-scoped advisory locks; other dialects rely on their own
// database-level write serialization.
func NewTreeLocker(dialect string, lockTimeout time.Duration) TreeLocker {
	if dialect == "postgres" {
		return &advisoryLocker{timeout: lockTimeout}
	}
	return noopLocker{}
}

type advisoryLocker struct {
	timeout time.Duration
}

// Lock takes the advisory lock of each tree in canonical order (self before
// auto) so that two units of work never wait on each other crosswise.
func (l *advisoryLocker) Lock(ctx context.Context, tx *gorm.DB, trees ...enums.TreeKind) error {
	if tx == nil {
		return fmt.Errorf("transaction required")
	}
	if l.timeout > 0 {
		ms := l.timeout.Milliseconds()
		if err := tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error; err != nil {
			return err
		}
	}
	for _, tree := range canonicalOrder(trees) {
		if err := tx.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(?)", advisoryKey(tree)).Error; err != nil {
			return err
		}
	}
	return nil
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, *gorm.DB, ...enums.TreeKind) error { return nil }

func canonicalOrder(trees []enums.TreeKind) []enums.TreeKind {
	want := map[enums.TreeKind]bool{}
	for _, tree := range trees {
		want[tree] = true
	}
	ordered := make([]enums.TreeKind, 0, len(want))
	for _, tree := range enums.AllTreeKinds() {
		if want[tree] {
			ordered = append(ordered, tree)
		}
	}
	return ordered
}

func advisoryKey(tree enums.TreeKind) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("poolnet:placement:"))
	_, _ = h.Write([]byte(tree))
	return int64(h.Sum64())
}

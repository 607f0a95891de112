package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LockManager implements advisory locks on top of Storage using SetNX with a
// TTL. The TTL bounds how long a crashed holder can block others; release is
// best effort.
type LockManager struct {
	storage Storage
}

// Acquire takes the named lock. It returns ok=false without error when the
// lock is already held.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error) {
	holder := uuid.NewString()
	ok, err = m.storage.SetNX(ctx, key, holder, ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	release = func() {
		rctx := context.WithoutCancel(ctx)
		// Only delete a lock this holder still owns; after a TTL expiry the
		// key may belong to a successor.
		var current string
		if err := m.storage.Get(rctx, key, &current); err != nil || current != holder {
			return
		}
		_ = m.storage.Delete(rctx, key)
	}
	return release, true, nil
}

func NewLockManager(storage Storage, keyPrefix string) *LockManager {
	return &LockManager{
		storage: StorageWithPrefix(storage, keyPrefix),
	}
}

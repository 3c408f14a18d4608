// Package lock provides exclusive, non-blocking claims keyed by string. The
// write path takes one claim per utility type so that only one detector at a
// time moves that utility's rate cursor.
package lock

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

// ErrNotHeld is returned when releasing a claim that is no longer owned.
var ErrNotHeld = errors.New("lock: claim not held")

// Claim is an acquired lock. Release is safe to call more than once.
type Claim interface {
	Release(ctx context.Context) error
}

// Locker hands out claims. TryAcquire never blocks waiting for another
// holder: ok is false when the key is already claimed.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (claim Claim, ok bool, err error)
}

// UtilityKey is the claim key for a utility type's rate cursor.
func UtilityKey(utilityType string) string {
	return "rate-cursor:" + utilityType
}

// advisoryKey maps a string key onto the int64 space used by Postgres
// advisory locks.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// MemoryLocker serializes claims within a single process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string) (Claim, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &memoryClaim{locker: l, key: key}, true, nil
}

type memoryClaim struct {
	locker *MemoryLocker
	key    string
	once   sync.Once
}

func (c *memoryClaim) Release(ctx context.Context) error {
	c.once.Do(func() {
		c.locker.mu.Lock()
		delete(c.locker.held, c.key)
		c.locker.mu.Unlock()
	})
	return nil
}

// Package lock provides the single-flight guard for sampling runs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld is returned when a lease was lost or already released.
var ErrNotHeld = errors.New("lock: lease not held")

// Lease is a held lock. Extend before the TTL elapses to keep it.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases by key. TryAcquire returns (nil, nil) when the key is held elsewhere.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLease
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]*localLease)}
}

type localLease struct {
	owner *LocalLocker
	key   string
}

// TryAcquire takes key if nobody holds it. TTL is ignored: the process owns the lease until release.
func (l *LocalLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return nil, nil
	}
	lease := &localLease{owner: l, key: key}
	l.held[key] = lease
	return lease, nil
}

func (l *localLease) Extend(context.Context, time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.key] != l {
		return ErrNotHeld
	}
	return nil
}

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if l.owner.held[l.key] != l {
		return ErrNotHeld
	}
	delete(l.owner.held, l.key)
	return nil
}

package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAlreadyHeld = errors.New("lock already held by this process")
	ErrNotAcquired = errors.New("lock not acquired")
)

// Locker keeps two consumers from delivering the same notification at once.
// Acquire never waits: a held key fails fast with ErrNotAcquired and the
// delivery is retried later through the broker.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) error
	// Release is a no-op for keys this process does not hold.
	Release(ctx context.Context, key string) error
}

// DeliveryKey names the lock guarding one request's delivery.
func DeliveryKey(requestID string) string {
	return "delivery:" + requestID
}

// Lease is a delivery lock taken through Hold.
type Lease struct {
	locker Locker
	key    string
}

// Hold locks the delivery of requestID for ttl.
func Hold(ctx context.Context, l Locker, requestID string, ttl time.Duration) (*Lease, error) {
	key := DeliveryKey(requestID)
	if err := l.Acquire(ctx, key, ttl); err != nil {
		return nil, err
	}
	return &Lease{locker: l, key: key}, nil
}

// Release frees the lease. It survives cancellation of ctx so an aborted
// delivery does not keep the request locked until the TTL runs out.
func (l *Lease) Release(ctx context.Context) error {
	return l.locker.Release(context.WithoutCancel(ctx), l.key)
}

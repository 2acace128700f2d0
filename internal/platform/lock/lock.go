// Package lock serializes operator maintenance runs across processes.
// Issuance never takes these locks.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotObtained is returned when another holder keeps the lock past the
// wait deadline.
var ErrNotObtained = errors.New("lock: not obtained")

// Handle is a held lock.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker obtains named exclusive locks.
type Locker interface {
	Obtain(ctx context.Context, key string) (Handle, error)
}

// Options shared by the implementations.
type Options struct {
	// TTL bounds how long a crashed holder can block others (Redis only).
	// A live holder keeps refreshing it.
	TTL time.Duration
	// Wait is how long Obtain keeps retrying before giving up.
	Wait time.Duration
	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.Wait < 0 {
		o.Wait = 0
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	return o
}

// Package sequence provides durable named counters and the allocator that
// hands out their values.
//
// A counter is identified by its name alone; tenant isolation is handled by
// the backing store (a schema per tenant in Postgres, a key prefix per tenant
// in Redis and memory). Every primitive is a single atomic operation in the
// store, so concurrent callers on any number of processes never observe the
// same value from Next.
package sequence

import (
	"context"
	"time"

	"github.com/diaglab/lims/internal/platform/db"
)

// Counter is one named sequence and its last issued value.
type Counter struct {
	Name      string     `json:"name" yaml:"name"`
	Value     int64      `json:"value" yaml:"value"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Store is the atomic primitive behind every counter. An absent counter reads
// as zero and is created on first write.
type Store interface {
	// Current returns the stored value without creating the counter.
	Current(ctx context.Context, name string) (int64, error)
	// Next atomically increments the counter, creating it at 1 if absent.
	Next(ctx context.Context, name string) (int64, error)
	// Set overwrites the counter value.
	Set(ctx context.Context, name string, value int64) (int64, error)
	// RaiseTo sets the counter to max(current, floor) and returns the result.
	RaiseTo(ctx context.Context, name string, floor int64) (int64, error)
	// DecrementIfEquals decrements by exactly one when the current value equals
	// expected. It reports whether the decrement happened.
	DecrementIfEquals(ctx context.Context, name string, expected int64) (bool, error)
	// List returns counters whose names start with prefix, ordered by name.
	List(ctx context.Context, prefix string) ([]Counter, error)
}

const defaultTenant = "default"

func tenantOf(ctx context.Context) string {
	if t := db.TenantFromContext(ctx); t != "" {
		return t
	}
	return defaultTenant
}

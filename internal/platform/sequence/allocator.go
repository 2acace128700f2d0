package sequence

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Allocator is the only component that talks to a Store. It validates input,
// wraps store failures in *AllocationError and never retries or caches: a
// returned value is exactly what the store issued.
type Allocator struct {
	store  Store
	logger zerolog.Logger
}

func NewAllocator(store Store, logger zerolog.Logger) *Allocator {
	return &Allocator{store: store, logger: logger.With().Str("component", "sequence").Logger()}
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidCounter)
	}
	return nil
}

func (a *Allocator) fail(op, name string, err error) error {
	a.logger.Warn().Err(err).Str("op", op).Str("counter", name).Msg("counter store failure")
	return &AllocationError{Op: op, Counter: name, Err: err}
}

// GetCurrentValue returns the last issued value, 0 when the counter does not
// exist yet. It never creates the counter.
func (a *Allocator) GetCurrentValue(ctx context.Context, name string) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	v, err := a.store.Current(ctx, name)
	if err != nil {
		return 0, a.fail("read", name, err)
	}
	return v, nil
}

// GetNextValue atomically increments and returns the new value. The first
// call for a name returns 1.
func (a *Allocator) GetNextValue(ctx context.Context, name string) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	v, err := a.store.Next(ctx, name)
	if err != nil {
		return 0, a.fail("increment", name, err)
	}
	a.logger.Debug().Str("counter", name).Int64("value", v).Msg("allocated")
	return v, nil
}

// ResetCounter overwrites the counter. The next allocation returns value+1.
func (a *Allocator) ResetCounter(ctx context.Context, name string, value int64) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative value %d", ErrInvalidCounter, value)
	}
	v, err := a.store.Set(ctx, name, value)
	if err != nil {
		return 0, a.fail("reset", name, err)
	}
	return v, nil
}

// EnsureAtLeast raises the counter to floor if it is lower and returns the
// resulting value. It never lowers a counter.
func (a *Allocator) EnsureAtLeast(ctx context.Context, name string, floor int64) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}
	if floor < 0 {
		floor = 0
	}
	v, err := a.store.RaiseTo(ctx, name, floor)
	if err != nil {
		return 0, a.fail("raise", name, err)
	}
	return v, nil
}

// ReleaseIfLatest decrements the counter by one only if it still equals
// value, i.e. value was the most recently issued number. Otherwise the
// counter is left untouched and false is returned.
func (a *Allocator) ReleaseIfLatest(ctx context.Context, name string, value int64) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}
	ok, err := a.store.DecrementIfEquals(ctx, name, value)
	if err != nil {
		return false, a.fail("release", name, err)
	}
	return ok, nil
}

// List returns counters whose names start with prefix.
func (a *Allocator) List(ctx context.Context, prefix string) ([]Counter, error) {
	out, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, a.fail("list", prefix, err)
	}
	return out, nil
}

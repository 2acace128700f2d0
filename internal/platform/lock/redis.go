package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/diaglab/lims/internal/platform/db"
)

const keyPrefix = "lims:lock:"

// RedisLocker holds locks as Redis keys with a TTL, so a crashed process
// cannot block maintenance forever. A live holder refreshes the TTL until it
// releases the lock.
type RedisLocker struct {
	client *redislock.Client
	opts   Options
}

func NewRedisLocker(rdb redis.UniversalClient, opts Options) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), opts: opts.withDefaults()}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string) (Handle, error) {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		tenant = "default"
	}
	full := fmt.Sprintf("%s%s:%s", keyPrefix, tenant, key)

	var strategy redislock.RetryStrategy = redislock.NoRetry()
	if l.opts.Wait > 0 {
		attempts := int(l.opts.Wait / l.opts.RetryInterval)
		strategy = redislock.LimitRetry(redislock.LinearBackoff(l.opts.RetryInterval), attempts)
	}

	lk, err := l.client.Obtain(ctx, full, l.opts.TTL, &redislock.Options{RetryStrategy: strategy})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	h := &redisHandle{lk: lk, stop: make(chan struct{}), done: make(chan struct{})}
	go h.keepAlive(l.opts.TTL)
	return h, nil
}

type redisHandle struct {
	lk   *redislock.Lock
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// keepAlive extends the lock every third of its TTL. It gives up once the
// lock is lost; transient Redis errors are retried on the next tick.
func (h *redisHandle) keepAlive(ttl time.Duration) {
	defer close(h.done)
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := h.lk.Refresh(ctx, ttl, nil)
			cancel()
			if errors.Is(err, redislock.ErrNotObtained) {
				return
			}
		}
	}
}

func (h *redisHandle) Release(ctx context.Context) error {
	h.once.Do(func() { close(h.stop) })
	<-h.done
	err := h.lk.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		// TTL expired while we worked; nothing left to release.
		return nil
	}
	return err
}

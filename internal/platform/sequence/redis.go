package sequence

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix is the root of every counter key: lims:counter:{tenant}:{name}.
const KeyPrefix = "lims:counter:"

var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(ARGV[1])
if floor > cur then
  redis.call('SET', KEYS[1], floor)
  return floor
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SET', KEYS[1], cur)
end
return cur
`)

var decrementScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) == tonumber(ARGV[1]) and tonumber(cur) > 0 then
  redis.call('DECR', KEYS[1])
  return 1
end
return 0
`)

// RedisStore keeps counters as plain integer keys. INCR gives the atomic
// increment; read-modify-write primitives run as Lua scripts.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) key(ctx context.Context, name string) string {
	return KeyPrefix + tenantOf(ctx) + ":" + name
}

func (s *RedisStore) Current(ctx context.Context, name string) (int64, error) {
	v, err := s.rdb.Get(ctx, s.key(ctx, name)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *RedisStore) Next(ctx context.Context, name string) (int64, error) {
	return s.rdb.Incr(ctx, s.key(ctx, name)).Result()
}

func (s *RedisStore) Set(ctx context.Context, name string, value int64) (int64, error) {
	if err := s.rdb.Set(ctx, s.key(ctx, name), value, 0).Err(); err != nil {
		return 0, err
	}
	return value, nil
}

func (s *RedisStore) RaiseTo(ctx context.Context, name string, floor int64) (int64, error) {
	return raiseScript.Run(ctx, s.rdb, []string{s.key(ctx, name)}, floor).Int64()
}

func (s *RedisStore) DecrementIfEquals(ctx context.Context, name string, expected int64) (bool, error) {
	n, err := decrementScript.Run(ctx, s.rdb, []string{s.key(ctx, name)}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Counter, error) {
	base := KeyPrefix + tenantOf(ctx) + ":"
	match := escapeGlob(base+prefix) + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, match, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Counter, 0, len(keys))
	for i, k := range keys {
		raw, ok := vals[i].(string)
		if !ok {
			// Key expired or was removed between SCAN and MGET.
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, Counter{Name: strings.TrimPrefix(k, base), Value: v})
	}
	return out, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

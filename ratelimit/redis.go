package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// takeScript checks and increments a window counter in one step. The key
// expires with its window, so Redis evicts idle clients by itself.
// Returns {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
	return {0, count, redis.call('PTTL', KEYS[1])}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore is a Store shared by every instance connected to one Redis.
type RedisStore struct {
	rdb    redis.Scripter
	rate   Rate
	prefix string
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the store's keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// NewRedisStore creates a store on top of rdb.
func NewRedisStore(rdb redis.Scripter, rate Rate, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		rate:   rate,
		prefix: "crilli:subscribe",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		if closeErr := rdb.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("closing redis client after failed ping")
		}
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return rdb, nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, s.rdb, []string{s.prefix + ":" + key},
		s.rate.Limit, s.rate.Period.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	count := int(res[1])
	ttl := time.Duration(res[2]) * time.Millisecond
	if ttl < 0 {
		ttl = 0
	}
	remaining := s.rate.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res[0] == 1,
		Count:     count,
		Remaining: remaining,
		ResetAt:   s.now().Add(ttl),
	}, nil
}

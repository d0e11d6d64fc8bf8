package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWindow increments the counter and sets its expiry on first use. It
// returns {count, pttl}.
var incrWindow = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

// Redis is a Limiter whose counters live in Redis so that every instance
// shares them.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// NewRedisClient accepts either a redis:// URL or a host:port address.
func NewRedisClient(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func (r *Redis) Check(ctx context.Context, key string, limit int, win time.Duration) (Result, error) {
	vals, err := incrWindow.Run(ctx, r.client, []string{key}, win.Milliseconds()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("redis incr %s: unexpected reply %v", key, vals)
	}
	count, ttl := vals[0], vals[1]
	reset := r.now().Add(time.Duration(ttl) * time.Millisecond)
	remaining := int64(limit) - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: count <= int64(limit), Remaining: int(remaining), ResetTime: reset}, nil
}

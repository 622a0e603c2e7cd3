package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderLimit caps outbound calls to one provider across every worker
// process sharing the Redis instance.
type ProviderLimit struct {
	PerSecond int
	PerMinute int
}

// ProviderLimiter enforces provider-level send rates with an atomic Redis
// Lua script. A plain GET → check → INCR sequence races between workers; the
// script checks and increments in one step.
type ProviderLimiter struct {
	redis  *redis.Client
	script *redis.Script
	limits map[string]ProviderLimit
}

const providerLimitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local secondLimit = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")

if secCurrent + 1 > secondLimit then
    return {0, 1}
end
if minCurrent + 1 > minuteLimit then
    return {0, 2}
end

local newSec = redis.call("INCR", secondKey)
if newSec == 1 then
    redis.call("EXPIRE", secondKey, 2)
end
local newMin = redis.call("INCR", minuteKey)
if newMin == 1 then
    redis.call("EXPIRE", minuteKey, 120)
end

return {1, 0}
`

// NewProviderLimiter creates a limiter over the given Redis client. limits is
// keyed by provider name; providers without an entry are unlimited.
func NewProviderLimiter(client *redis.Client, limits map[string]ProviderLimit) *ProviderLimiter {
	return &ProviderLimiter{
		redis:  client,
		script: redis.NewScript(providerLimitLuaScript),
		limits: limits,
	}
}

// Allow atomically checks and claims one send slot for the provider. When
// denied it returns how long the caller should wait before retrying.
func (l *ProviderLimiter) Allow(ctx context.Context, provider string) (bool, time.Duration, error) {
	limit, ok := l.limits[provider]
	if !ok {
		return true, 0, nil
	}

	now := time.Now()
	secondKey := fmt.Sprintf("ratelimit:%s:sec:%d", provider, now.Unix())
	minuteKey := fmt.Sprintf("ratelimit:%s:min:%d", provider, now.Unix()/60)

	result, err := l.script.Run(ctx, l.redis,
		[]string{secondKey, minuteKey},
		limit.PerSecond,
		limit.PerMinute,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	if result[1].(int64) == 1 {
		return false, time.Second, nil
	}
	return false, time.Duration(60-now.Second()) * time.Second, nil
}

// Wait blocks until a send slot is available for the provider or ctx ends.
// Redis errors fail open: provider throttling protects the provider, it must
// never wedge the pipeline when Redis is down.
func (l *ProviderLimiter) Wait(ctx context.Context, provider string) error {
	for {
		allowed, wait, err := l.Allow(ctx, provider)
		if err != nil || allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

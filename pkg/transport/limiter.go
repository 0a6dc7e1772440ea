package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/EdwinShiels/TheRegiment/pkg/contracts"
)

// Limiter paces sends. *rate.Limiter satisfies it for a single process;
// RedisLimiter shares one bucket across replicas.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Limited wraps a Sender with a Limiter.
type Limited struct {
	next    Sender
	limiter Limiter
}

func NewLimited(next Sender, limiter Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

// NewLocalLimiter returns a per-process token bucket.
func NewLocalLimiter(rps float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (l *Limited) Send(ctx context.Context, msg Message) error {
	if err := l.limiter.Wait(ctx); err != nil {
		// a send that never left counts as a failed attempt
		return &contracts.TransportError{Recipient: msg.Recipient, Err: fmt.Errorf("send pacing: %w", err)}
	}
	return l.next.Send(ctx, msg)
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a token bucket shared through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	key    string
	rps    float64
	burst  int
	poll   time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, key string, rps float64, burst int) *RedisLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &RedisLimiter{client: client, key: "limiter:" + key, rps: rps, burst: burst, poll: 50 * time.Millisecond}
}

// Allow takes one token if available.
func (r *RedisLimiter) Allow(ctx context.Context) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	allowed, err := redisTokenBucketScript.Run(ctx, r.client, []string{r.key}, r.rps, r.burst, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	return allowed == 1, nil
}

// Wait polls Allow until a token is granted or ctx ends.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, err := r.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

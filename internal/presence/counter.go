// Package presence tracks the number of concurrently connected clients per
// logical channel across all service instances. The counter lives in Redis
// so that instance-local memory is never the source of truth:
//
//	Key:   presence:<channel>
//	Value: non-negative integer
//
// All mutation goes through atomic Redis primitives (SETNX, INCR, and a Lua
// script for the clamped decrement), so arbitrary concurrent callers across
// instances converge on the true connection count.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ballpark/livecast/internal/metrics"
)

// CountPrefix is the Redis key prefix for presence counters.
const CountPrefix = "presence:"

// Counter manages distributed presence counts in Redis.
type Counter struct {
	client     *redis.Client
	decrScript *redis.Script
}

// NewCounter creates a presence counter using the provided Redis client.
func NewCounter(client *redis.Client) *Counter {
	return &Counter{
		client:     client,
		decrScript: redis.NewScript(clampedDecrLua),
	}
}

// Connect creates a Redis client for the given address and verifies the
// connection before returning it.
func Connect(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return client, nil
}

// Initialize sets the channel's counter to 0 if and only if it is unset.
// Every instance calls this at startup; an already-running count is never
// reset (SETNX, not SET).
func (c *Counter) Initialize(ctx context.Context, channel string) error {
	key := CountPrefix + channel
	if err := c.client.SetNX(ctx, key, 0, 0).Err(); err != nil {
		return fmt.Errorf("presence: initialize %s: %w", channel, err)
	}
	return nil
}

// Increment atomically adds 1 to the channel's counter and returns the new
// value.
func (c *Counter) Increment(ctx context.Context, channel string) (int64, error) {
	key := CountPrefix + channel
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: increment %s: %w", channel, err)
	}
	return count, nil
}

// Decrement atomically subtracts 1 from the channel's counter and returns
// the new value, clamped at zero. A decrement that would go negative (for
// example a duplicate disconnect delivery) resets the counter to 0, logs a
// warning, and returns 0 rather than exposing a negative count to clients.
func (c *Counter) Decrement(ctx context.Context, channel string) (int64, error) {
	key := CountPrefix + channel
	count, err := c.decrScript.Run(ctx, c.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("presence: decrement %s: %w", channel, err)
	}
	if count < 0 {
		log.Printf("presence: decrement below zero on channel=%s, clamped", channel)
		metrics.PresenceClamps.Inc()
		return 0, nil
	}
	return count, nil
}

// Count returns the channel's current counter value. A missing key reads
// as 0.
func (c *Counter) Count(ctx context.Context, channel string) (int64, error) {
	key := CountPrefix + channel
	count, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence: count %s: %w", channel, err)
	}
	return count, nil
}

// clampedDecrLua decrements the counter and resets it to 0 when the result
// is negative. It returns the raw DECR result so the caller can distinguish
// a clamped call (negative return) from a normal one.
const clampedDecrLua = `
local v = redis.call('DECR', KEYS[1])
if v < 0 then
    redis.call('SET', KEYS[1], '0')
end
return v
`

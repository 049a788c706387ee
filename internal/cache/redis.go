// Package cache wraps go-redis with the single-round-trip primitives the
// engine needs: sliding windows, expiring counters, bounded sets and nonce
// claims. Every mutating operation is a Lua script so concurrent requests
// on the same key cannot race.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps go-redis for dependency injection and testability
// (can be extended for cluster/sharded setups).
type Client struct {
	rdb *redis.Client
}

// New creates a cache client from connection options.
func New(addr, password string, db int) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// Ping reports whether the cache is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// slidingWindowScript evicts entries older than the window, counts the
// survivors and either rejects or admits-and-records in one atomic step.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return {0, count}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window/1000000))
return {1, count + 1}
`)

// SlidingWindowTake records one event in the window if the limit allows it.
// count is the number of events in the window after the call.
func (c *Client) SlidingWindowTake(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, count int64, err error) {
	now := time.Now().UnixNano()
	member := fmt.Sprintf("%d", now)
	res, err := slidingWindowScript.Run(ctx, c.rdb, []string{key}, now, window.Nanoseconds(), limit, member).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	allowedInt, _ := vals[0].(int64)
	countInt, _ := vals[1].(int64)
	return allowedInt == 1, countInt, nil
}

// SlidingWindowPeek returns the current window occupancy and when the
// oldest entry falls out, without recording anything.
func (c *Client) SlidingWindowPeek(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error) {
	now := time.Now().UnixNano()
	min := now - window.Nanoseconds()
	z, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", min),
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	count = int64(len(z))
	if count == 0 {
		return 0, time.Now(), nil
	}
	oldest := int64(z[0].Score)
	return count, time.Unix(0, oldest+window.Nanoseconds()), nil
}

var incrExpireScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return v
`)

// IncrementWithTTL atomically increments a counter, starting its TTL on
// first touch so the key always self-heals.
func (c *Client) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	res, err := incrExpireScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return res, nil
}

var setAddScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return {added, redis.call('SCARD', KEYS[1])}
`)

// AddToSet adds a member to a TTL-bounded set. added reports whether the
// member was new; card is the resulting cardinality.
func (c *Client) AddToSet(ctx context.Context, key, member string, ttl time.Duration) (added bool, card int64, err error) {
	res, err := setAddScript.Run(ctx, c.rdb, []string{key}, member, ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return false, 0, fmt.Errorf("unexpected redis script result: %v", res)
	}
	addedInt, _ := vals[0].(int64)
	card, _ = vals[1].(int64)
	return addedInt == 1, card, nil
}

// SetCard returns the cardinality of a set.
func (c *Client) SetCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// IsSetMember reports membership in a set.
func (c *Client) IsSetMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetNX sets a key only if absent. Returns false when the key already
// existed, which is how nonce claims detect replays under concurrency.
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// GetJSON unmarshals the value at key into dst. Returns found=false when
// the key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("corrupt cache entry at %s: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and stores it with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

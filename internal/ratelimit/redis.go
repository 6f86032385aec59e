package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// slidingWindow reads both windows, and increments the current one only
// when the request fits. Returns {allowed, estimate}.
var slidingWindow = redis.NewScript(`
local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
local limit = tonumber(ARGV[1])
local weight = tonumber(ARGV[2])
local est = prev * weight + curr + 1
if est > limit then
  return {0, tostring(est)}
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return {1, tostring(est)}
`)

// RedisCounter keeps windows in Redis so the limit holds across replicas.
type RedisCounter struct {
	Client redis.UniversalClient
	Window Window

	// Now is replaced in tests.
	Now func() time.Time
}

// NewRedisCounter validates w and returns a counter over client.
func NewRedisCounter(client redis.UniversalClient, w Window) (*RedisCounter, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &RedisCounter{Client: client, Window: w}, nil
}

func (c *RedisCounter) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Allow implements Counter.
func (c *RedisCounter) Allow(ctx context.Context, key string) (Decision, error) {
	now := c.now()
	start, prevStart, weight := c.Window.bounds(now)
	keys := []string{
		key + ":" + strconv.FormatInt(start, 10),
		key + ":" + strconv.FormatInt(prevStart, 10),
	}
	ttl := int64(2 * c.Window.Size / time.Second)

	res, err := slidingWindow.Run(ctx, c.Client, keys,
		c.Window.Limit, strconv.FormatFloat(weight, 'f', 6, 64), ttl).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	estStr, _ := res[1].(string)
	est, err := strconv.ParseFloat(estStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: bad estimate %q: %w", estStr, err)
	}

	return c.Window.outcome(est, allowed == 1, now, start), nil
}

/**
 * @description
 * Redis-backed attempt throttling for the OAuth path. The state machine
 * allows re-submitting an assertion while a request is still created; this
 * cooldown bounds how often that can happen per request.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var cooldownScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisCooldown implements distributed attempt throttling using Redis.
type RedisCooldown struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisCooldown creates a cooldown allowing limit attempts per window.
func NewRedisCooldown(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisCooldown {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "gadoneko:oauth_attempt"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisCooldown{
		client: client,
		prefix: trimmedPrefix,
		limit:  limit,
		window: window,
	}
}

// ConsumeAttempt counts one attempt for the subject. It returns a positive
// retry-after when the subject is over its limit. A nil receiver or client
// disables throttling entirely.
func (c *RedisCooldown) ConsumeAttempt(ctx context.Context, subject string) (int, error) {
	if c == nil || c.client == nil || c.limit <= 0 || c.window <= 0 {
		return 0, nil
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, nil
	}

	key := fmt.Sprintf("%s:%s", c.prefix, subject)
	result, err := cooldownScript.Run(ctx, c.client, []string{key}, c.window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, fmt.Errorf("unexpected cooldown script result: %v", result)
	}
	count, _ := values[0].(int64)
	ttlMillis, _ := values[1].(int64)

	if count <= int64(c.limit) {
		return 0, nil
	}
	retryAfter := int(math.Ceil(float64(ttlMillis) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter, nil
}

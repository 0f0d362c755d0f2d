// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed-window algorithm, used by the relay to throttle message
// fan-out per user. On Redis errors the limiter fails open so a Redis outage
// never blocks legitimate traffic.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:relay:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleRelayMessage allows 20 message relays per 10 seconds per user.
var RuleRelayMessage = Rule{Key: "rl:relay:", Limit: 20, Window: 10 * time.Second}

// Limiter performs rate limiting checks against Redis. A nil client disables
// limiting entirely (every check allows).
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow checks whether the identifier is within the limit defined by rule,
// incrementing the window counter as a side effect. Returns true if the
// request is allowed.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	if l.client == nil {
		return true, nil
	}
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return true, err
	}

	// The first increment defines the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists with no TTL and would throttle the identifier
			// forever; best effort delete.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// RetryAfter returns the seconds until the identifier's current window
// expires, or 0 when unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) int {
	if l.client == nil {
		return 0
	}
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return 0
	}
	return int(ttl.Seconds())
}

// Package cache provides the caching layer for Wayfinder.
// Redis holds the shared rule sets (L2), the traversal sessions and the
// invalidation channel; otter holds the per-process rule sets (L1).
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/wayfinder/internal/ruleengine"
)

// Key namespaces.
// Example: "rules:survey:v1", "session:6f1c..."
const (
	RulesKeyPrefix   = "rules"
	SessionKeyPrefix = "session"
)

// ErrNotFound is returned when a key does not exist (or has expired).
var ErrNotFound = errors.New("cache: key not found")

// RedisCache is the Redis-backed store of rule sets and sessions.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps a connected client. The cache owns the client from now on.
func NewRedisCache(client *redis.Client) *RedisCache {
	if client == nil {
		panic("cache: redis client cannot be nil")
	}
	return &RedisCache{client: client}
}

// Client exposes the underlying client for health checks and pool monitoring.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis client connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func rulesKey(scope ruleengine.Scope) string {
	return RulesKeyPrefix + ":" + scope.Key()
}

func sessionKey(id string) string {
	return SessionKeyPrefix + ":" + id
}

// -----------------------------------------------------------------------------
// Rule sets (L2)
// -----------------------------------------------------------------------------

// GetRuleSet loads the scope's rule set. The rules are returned uncompiled.
func (c *RedisCache) GetRuleSet(ctx context.Context, scope ruleengine.Scope) (*RuleSet, error) {
	val, err := c.client.Get(ctx, rulesKey(scope)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule set %s: %w", scope.Key(), err)
	}
	return decodeRuleSet(val)
}

// SetRuleSet stores the scope's rule set. A zero ttl keeps it until overwritten.
func (c *RedisCache) SetRuleSet(ctx context.Context, scope ruleengine.Scope, rs *RuleSet, ttl time.Duration) error {
	val, err := encodeRuleSet(rs)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, rulesKey(scope), val, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rule set %s: %w", scope.Key(), err)
	}
	return nil
}

// SetResult reports what SetRuleSetIfChanged did.
type SetResult int

const (
	// SetResultUnchanged means the stored rule set already had this fingerprint.
	SetResultUnchanged SetResult = 0
	// SetResultUpdated means the rule set was written.
	SetResultUpdated SetResult = 1
	// SetResultRepaired means a value without a fingerprint prefix was overwritten.
	SetResultRepaired SetResult = 2
)

// setIfChangedScript compares the stored fingerprint prefix with ARGV[1] and
// writes ARGV[2] only when they differ. ARGV[3] is the TTL in milliseconds
// (0 keeps the key forever); ARGV[4] is the index of the separator.
var setIfChangedScript = redis.NewScript(`
local head = redis.call('GETRANGE', KEYS[1], 0, tonumber(ARGV[4]))
if head == ARGV[1] .. '|' then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
if head ~= '' and string.sub(head, -1) ~= '|' then
	return 2
end
return 1
`)

// SetRuleSetIfChanged atomically writes the rule set unless Redis already holds
// one with the same fingerprint.
func (c *RedisCache) SetRuleSetIfChanged(ctx context.Context, scope ruleengine.Scope, rs *RuleSet, ttl time.Duration) (SetResult, error) {
	val, err := encodeRuleSet(rs)
	if err != nil {
		return SetResultUnchanged, err
	}
	fp := val[:fingerprintLen]

	res, err := setIfChangedScript.Run(ctx, c.client,
		[]string{rulesKey(scope)},
		fp, val, ttl.Milliseconds(), fingerprintLen,
	).Int()
	if err != nil {
		return SetResultUnchanged, fmt.Errorf("failed to set rule set %s: %w", scope.Key(), err)
	}
	return SetResult(res), nil
}

// -----------------------------------------------------------------------------
// Invalidation
// -----------------------------------------------------------------------------

// PublishInvalidation announces that the scope's rule set changed.
func (c *RedisCache) PublishInvalidation(ctx context.Context, channel string, scope ruleengine.Scope) error {
	if err := c.client.Publish(ctx, channel, scope.Key()).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation for %s: %w", scope.Key(), err)
	}
	return nil
}

// InvalidateRuleSet drops the scope's cached rule set and announces it, so
// readers reload from the database before the next sync cycle.
func (c *RedisCache) InvalidateRuleSet(ctx context.Context, channel string, scope ruleengine.Scope) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rulesKey(scope))
		pipe.Publish(ctx, channel, scope.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate rule set %s: %w", scope.Key(), err)
	}
	return nil
}

// SubscribeInvalidations streams the scope keys published on channel until ctx
// is done. The returned channel is closed when the subscription ends.
func (c *RedisCache) SubscribeInvalidations(ctx context.Context, channel string, logger *slog.Logger) (<-chan string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := c.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed, so no message
	// published after this call returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Warn("invalidation subscription closed", slog.String("channel", channel))
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// GetSession returns the stored session payload.
func (c *RedisCache) GetSession(ctx context.Context, id string) ([]byte, error) {
	val, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return val, nil
}

// SetSession stores the session payload and resets its idle expiry.
func (c *RedisCache) SetSession(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, sessionKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session. A missing session yields ErrNotFound.
func (c *RedisCache) DeleteSession(ctx context.Context, id string) error {
	n, err := c.client.Del(ctx, sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Package distributed mirrors account-level-429 windows and pool
// cooldown deadlines into Redis so multiple proxy replicas sharing one
// upstream key pool observe each other's cooldowns.
//
// Grounded on the teacher's store.RedisRateLimitStore (internal/store/redis.go):
// the same fixed-window INCR+EXPIRE idiom here mirrors a deadline via
// SET PX instead of a per-minute counter. Nil-safe: a nil *Coordinator
// behaves as a single-instance no-op, matching spec.md's in-process
// default (this is an additive deployment mode, not a required one).
package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Coordinator mirrors cooldown deadlines into Redis. The zero value
// (nil *Coordinator) is valid and makes every method a no-op, so
// callers can unconditionally hold a *Coordinator field.
type Coordinator struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Coordinator backed by a Redis server at addr. Pass an
// empty addr to disable (callers typically use a nil *Coordinator
// instead, but this is kept symmetrical with the teacher's constructor
// shape).
func New(addr, password string, db int, keyPrefix string) *Coordinator {
	if addr == "" {
		return nil
	}
	if keyPrefix == "" {
		keyPrefix = "llm-keypool-proxy"
	}
	return &Coordinator{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		keyPrefix: keyPrefix,
	}
}

func (c *Coordinator) poolKey(model string) string {
	return fmt.Sprintf("%s:pool-cooldown:%s", c.keyPrefix, model)
}

func (c *Coordinator) accountKey() string {
	return fmt.Sprintf("%s:account-cooldown", c.keyPrefix)
}

// PublishPoolCooldown mirrors a pool cooldown deadline so other
// replicas can observe it immediately rather than waiting to hit their
// own local 429.
func (c *Coordinator) PublishPoolCooldown(ctx context.Context, model string, until time.Time) error {
	if c == nil {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.poolKey(model), until.UnixMilli(), ttl).Err()
}

// PoolCooldownUntil returns the shared cooldown deadline for model, the
// zero time if none is set remotely.
func (c *Coordinator) PoolCooldownUntil(ctx context.Context, model string) (time.Time, error) {
	if c == nil {
		return time.Time{}, nil
	}
	val, err := c.client.Get(ctx, c.poolKey(model)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(val), nil
}

// PublishAccountCooldown mirrors the account-level lockout deadline.
func (c *Coordinator) PublishAccountCooldown(ctx context.Context, until time.Time) error {
	if c == nil {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, c.accountKey(), until.UnixMilli(), ttl).Err()
}

// AccountCooldownUntil returns the shared account-level lockout
// deadline, the zero time if none is set remotely.
func (c *Coordinator) AccountCooldownUntil(ctx context.Context) (time.Time, error) {
	if c == nil {
		return time.Time{}, nil
	}
	val, err := c.client.Get(ctx, c.accountKey()).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(val), nil
}

// Close releases the underlying Redis client, if any.
func (c *Coordinator) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

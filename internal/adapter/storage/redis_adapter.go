package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/allocation/internal/core/domain"
)

const (
	allocationKeyPrefix = "allocation:"
	DefaultCacheTTL     = 24 * time.Hour
)

// forgetScript deletes the key only while it still holds the expected batch
// reference, so a stale Forget never drops a newer allocation.
var forgetScript = redis.NewScript(`
local key = KEYS[1]
local expected = ARGV[1]

if redis.call('GET', key) == expected then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter remembers which batch an order line was allocated to.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

// The quantity is part of the key so a replay with another quantity misses
// and reaches the domain's duplicate check.
func allocationKey(line domain.OrderLine) string {
	return allocationKeyPrefix + line.OrderID + ":" + line.SKU + ":" + strconv.Itoa(line.Qty)
}

func (r *RedisAdapter) Lookup(ctx context.Context, line domain.OrderLine) (string, bool, error) {
	ref, err := r.client.Get(ctx, allocationKey(line)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "lookup allocation")
	}
	return ref, true, nil
}

func (r *RedisAdapter) Remember(ctx context.Context, line domain.OrderLine, batchRef string) error {
	if err := r.client.SetNX(ctx, allocationKey(line), batchRef, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "remember allocation")
	}
	return nil
}

func (r *RedisAdapter) Forget(ctx context.Context, line domain.OrderLine, batchRef string) error {
	if err := forgetScript.Run(ctx, r.client, []string{allocationKey(line)}, batchRef).Err(); err != nil {
		return errors.Wrap(err, "forget allocation")
	}
	return nil
}

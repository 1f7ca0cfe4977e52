package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores inventory snapshots in redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns redis-backed cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(stationID int64) string {
	return fmt.Sprintf("stations:inventory:%d", stationID)
}

// Save caches snapshot.
func (c *RedisCache) Save(ctx context.Context, inv StationInventory) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(inv.StationID), data, c.ttl).Err()
}

// Load returns cached snapshot.
func (c *RedisCache) Load(ctx context.Context, stationID int64) (StationInventory, bool, error) {
	result, err := c.client.Get(ctx, c.key(stationID)).Result()
	if errors.Is(err, redis.Nil) {
		return StationInventory{}, false, nil
	}
	if err != nil {
		return StationInventory{}, false, err
	}
	var inv StationInventory
	if err := json.Unmarshal([]byte(result), &inv); err != nil {
		return StationInventory{}, false, err
	}
	return inv, true, nil
}

// Delete removes cached snapshot.
func (c *RedisCache) Delete(ctx context.Context, stationID int64) error {
	return c.client.Del(ctx, c.key(stationID)).Err()
}

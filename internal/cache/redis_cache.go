package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"armadaledger/backend/internal/domain"
)

type RedisAnomalyCache struct {
	client *redis.Client
}

func NewRedisAnomalyCache(addr string, password string, db int) *RedisAnomalyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAnomalyCache{client: client}
}

func (c *RedisAnomalyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAnomalyCache) Close() error {
	return c.client.Close()
}

func (c *RedisAnomalyCache) Get(ctx context.Context, key string) (*domain.AnomalyScanResult, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var result domain.AnomalyScanResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (c *RedisAnomalyCache) Set(ctx context.Context, key string, value *domain.AnomalyScanResult, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

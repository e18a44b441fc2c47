package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"costbook/backend/internal/domain"
)

const menuReportKeyPrefix = "costbook:menu-report:"

// RedisReportCache stores one key per store and window, each with its own
// TTL. A per-store set tracks the keys so invalidation can drop them all.
type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func menuReportKey(storeID string, windowDays int) string {
	return menuReportKeyPrefix + storeID + ":" + windowField(windowDays)
}

func menuReportIndexKey(storeID string) string {
	return menuReportKeyPrefix + storeID + ":keys"
}

func (c *RedisReportCache) GetMenuReport(ctx context.Context, storeID string, windowDays int) (*domain.MenuEngineeringReport, bool, error) {
	val, err := c.client.Get(ctx, menuReportKey(storeID, windowDays)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.MenuEngineeringReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisReportCache) SetMenuReport(ctx context.Context, report *domain.MenuEngineeringReport, ttl time.Duration) error {
	if report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	key := menuReportKey(report.StoreID, report.WindowDays)
	index := menuReportIndexKey(report.StoreID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.SAdd(ctx, index, key)
	pipe.Expire(ctx, index, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *RedisReportCache) InvalidateStore(ctx context.Context, storeID string) error {
	index := menuReportIndexKey(storeID)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return c.client.Del(ctx, append(keys, index)...).Err()
}

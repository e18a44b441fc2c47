package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"costbook/backend/internal/domain"
)

func TestMenuReportKeysArePerWindow(t *testing.T) {
	if menuReportKey("main-store", 7) == menuReportKey("main-store", 30) {
		t.Fatalf("expected distinct keys per window")
	}
	if menuReportIndexKey("main-store") == menuReportKey("main-store", 30) {
		t.Fatalf("expected index key apart from report keys")
	}
}

func newIntegrationCache(t *testing.T) *RedisReportCache {
	t.Helper()
	addr := os.Getenv("COSTBOOK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set COSTBOOK_TEST_REDIS_ADDR to run redis integration test")
	}

	c := NewRedisReportCache(addr, os.Getenv("COSTBOOK_TEST_REDIS_PASSWORD"), 0)
	t.Cleanup(func() {
		_ = c.Close()
	})
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	return c
}

func TestRedisReportCacheWindowsExpireIndependently(t *testing.T) {
	c := newIntegrationCache(t)
	ctx := context.Background()
	storeID := fmt.Sprintf("it-store-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = c.InvalidateStore(context.Background(), storeID)
	})

	if err := c.SetMenuReport(ctx, &domain.MenuEngineeringReport{StoreID: storeID, WindowDays: 30}, time.Minute); err != nil {
		t.Fatalf("set 30-day report: %v", err)
	}
	if err := c.SetMenuReport(ctx, &domain.MenuEngineeringReport{StoreID: storeID, WindowDays: 7}, time.Hour); err != nil {
		t.Fatalf("set 7-day report: %v", err)
	}

	ttl, err := c.client.TTL(ctx, menuReportKey(storeID, 30)).Result()
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected 30-day entry to keep its own one-minute ttl, got %v", ttl)
	}

	if err := c.InvalidateStore(ctx, storeID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	for _, window := range []int{7, 30} {
		if _, ok, err := c.GetMenuReport(ctx, storeID, window); err != nil || ok {
			t.Fatalf("expected miss for window %d after invalidation, got ok=%v err=%v", window, ok, err)
		}
	}
}

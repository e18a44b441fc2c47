package cache

import (
	"context"
	"testing"
	"time"

	"costbook/backend/internal/domain"
)

func TestMemoryReportCacheRoundTripAndInvalidate(t *testing.T) {
	c := NewMemoryReportCache()
	ctx := context.Background()

	report := &domain.MenuEngineeringReport{StoreID: "main-store", WindowDays: 30}
	if err := c.SetMenuReport(ctx, report, time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, ok, _ := c.GetMenuReport(ctx, "main-store", 7); ok {
		t.Fatalf("expected miss for another window")
	}
	got, ok, err := c.GetMenuReport(ctx, "main-store", 30)
	if err != nil || !ok || got.WindowDays != 30 {
		t.Fatalf("expected hit, got %+v %v %v", got, ok, err)
	}

	if err := c.InvalidateStore(ctx, "main-store"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, ok, _ := c.GetMenuReport(ctx, "main-store", 30); ok {
		t.Fatalf("expected miss after invalidation")
	}
}

func TestMemoryReportCacheExpires(t *testing.T) {
	c := NewMemoryReportCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.SetMenuReport(ctx, &domain.MenuEngineeringReport{StoreID: "s", WindowDays: 30}, time.Minute)
	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.GetMenuReport(ctx, "s", 30); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"costbook/backend/internal/domain"
)

// ReportCache keeps menu engineering reports per store and window. Any write
// to a store's catalog or sales drops all of its entries.
type ReportCache interface {
	GetMenuReport(ctx context.Context, storeID string, windowDays int) (*domain.MenuEngineeringReport, bool, error)
	SetMenuReport(ctx context.Context, report *domain.MenuEngineeringReport, ttl time.Duration) error
	InvalidateStore(ctx context.Context, storeID string) error
}

type NoopReportCache struct{}

func (NoopReportCache) GetMenuReport(_ context.Context, _ string, _ int) (*domain.MenuEngineeringReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) SetMenuReport(_ context.Context, _ *domain.MenuEngineeringReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) InvalidateStore(_ context.Context, _ string) error {
	return nil
}

type memoryEntry struct {
	report    domain.MenuEngineeringReport
	expiresAt time.Time
}

// MemoryReportCache is an in-process ReportCache for single-node runs.
type MemoryReportCache struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryReportCache() *MemoryReportCache {
	return &MemoryReportCache{
		entries: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryReportCache) GetMenuReport(_ context.Context, storeID string, windowDays int) (*domain.MenuEngineeringReport, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[storeID][windowField(windowDays)]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	report := entry.report
	return &report, true, nil
}

func (c *MemoryReportCache) SetMenuReport(_ context.Context, report *domain.MenuEngineeringReport, ttl time.Duration) error {
	if report == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[report.StoreID] == nil {
		c.entries[report.StoreID] = make(map[string]memoryEntry)
	}
	c.entries[report.StoreID][windowField(report.WindowDays)] = memoryEntry{
		report:    *report,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *MemoryReportCache) InvalidateStore(_ context.Context, storeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, storeID)
	return nil
}

func windowField(windowDays int) string {
	return strconv.Itoa(windowDays)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"costbook/backend/internal/cache"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/store"
	"costbook/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultStoreID  string
	SalesWindowDays int
	ReportCacheTTL  time.Duration
}

type Service struct {
	repo            store.Repository
	reports         cache.ReportCache
	defaultStoreID  string
	salesWindowDays int
	reportCacheTTL  time.Duration
	now             func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, opts Options) *Service {
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.SalesWindowDays <= 0 {
		opts.SalesWindowDays = 30
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = 5 * time.Minute
	}

	return &Service{
		repo:            repo,
		reports:         reports,
		defaultStoreID:  opts.DefaultStoreID,
		salesWindowDays: opts.SalesWindowDays,
		reportCacheTTL:  opts.ReportCacheTTL,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// storeFor loads the store and checks it belongs to the caller's business.
func (s *Service) storeFor(ctx context.Context, storeID string) (*domain.Store, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	st, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.BusinessID != "" && actor.BusinessID != st.BusinessID {
		return nil, fmt.Errorf("%w: store belongs to another business", ErrForbidden)
	}
	return st, nil
}

func requireManager(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleOwner && actor.Role != domain.RoleManager) {
		return domain.Actor{}, fmt.Errorf("%w: manager role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: login required", ErrForbidden)
	}
	return s.repo.ListStores(ctx, actor.BusinessID)
}

func (s *Service) GetStoreSettings(ctx context.Context, storeID string) (domain.Store, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Store{}, err
	}
	return *st, nil
}

func (s *Service) UpdateStoreSettings(ctx context.Context, storeID string, req domain.StoreSettingsUpdateRequest) (domain.Store, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.Store{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Store{}, err
	}

	fixedCost := st.MonthlyFixedCost
	if req.MonthlyFixedCost != nil {
		if *req.MonthlyFixedCost < 0 {
			return domain.Store{}, fmt.Errorf("%w: monthly_fixed_cost must not be negative", store.ErrInvalidInput)
		}
		fixedCost = *req.MonthlyFixedCost
	}
	target := st.MonthlyTargetSalesCount
	if req.MonthlyTargetSalesCount != nil {
		if *req.MonthlyTargetSalesCount <= 0 {
			return domain.Store{}, fmt.Errorf("%w: monthly_target_sales_count must be positive", store.ErrInvalidInput)
		}
		target = *req.MonthlyTargetSalesCount
	}

	updated, err := s.repo.UpdateStoreSettings(ctx, st.ID, fixedCost, target)
	if err != nil {
		return domain.Store{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "store_settings_update", "store", st.ID, fmt.Sprintf("fixed_cost=%.2f,target=%d", fixedCost, target))
	return *updated, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireManager(ctx); err != nil {
		return nil, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = startOfDay(s.now())
	} else {
		parsed, err := parseDate(date)
		if err != nil {
			return nil, err
		}
		from = parsed
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, st.ID, from, to, limit)
}

func (s *Service) invalidateReports(ctx context.Context, storeID string) {
	if err := s.reports.InvalidateStore(ctx, storeID); err != nil {
		applog.Warn(ctx, "report cache invalidation failed", "store_id", storeID, "err", err)
	}
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StoreID:       storeID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		applog.Warn(ctx, "audit log write failed", "action", action, "entity_type", entityType, "entity_id", entityID, "err", err)
	}
}

const dateLayout = "2006-01-02"

func parseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidInput)
	}
	return parsed.UTC(), nil
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// periodRange turns inclusive YYYY-MM-DD bounds into a half-open range.
// Missing bounds default to the trailing window ending today.
func (s *Service) periodRange(fromRaw string, toRaw string) (time.Time, time.Time, error) {
	to := startOfDay(s.now()).AddDate(0, 0, 1)
	if strings.TrimSpace(toRaw) != "" {
		parsed, err := parseDate(toRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed.AddDate(0, 0, 1)
	}

	from := to.AddDate(0, 0, -s.salesWindowDays)
	if strings.TrimSpace(fromRaw) != "" {
		parsed, err := parseDate(fromRaw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must not be after to", store.ErrInvalidInput)
	}
	return from, to, nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/store"
)

const maxOrderLineQuantity = 1000

// parseMoment accepts RFC3339 timestamps and plain dates.
func parseMoment(raw string, fallback time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed.UTC(), nil
	}
	return parseDate(raw)
}

func (s *Service) CreatePurchase(ctx context.Context, storeID string, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.Purchase{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Purchase{}, err
	}
	if len(req.Items) == 0 {
		return domain.Purchase{}, fmt.Errorf("%w: purchase needs at least one item", store.ErrInvalidInput)
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.IngredientID) == "" {
			return domain.Purchase{}, fmt.Errorf("%w: ingredient_id is required", store.ErrInvalidInput)
		}
		if !(item.Quantity > 0) || item.UnitPrice < 0 || math.IsInf(item.Quantity, 0) || math.IsInf(item.UnitPrice, 0) {
			return domain.Purchase{}, fmt.Errorf("%w: quantity must be positive and unit_price not negative", store.ErrInvalidInput)
		}
	}
	purchasedAt, err := parseMoment(req.PurchasedAt, s.now())
	if err != nil {
		return domain.Purchase{}, err
	}

	created, err := s.repo.CreatePurchase(ctx, domain.Purchase{
		StoreID:     st.ID,
		Supplier:    strings.TrimSpace(req.Supplier),
		PurchasedAt: purchasedAt,
		CreatedBy:   actor.Username,
		Items:       req.Items,
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "purchase_create", "purchase", created.ID, fmt.Sprintf("supplier=%s,total=%.2f", created.Supplier, created.Total))
	return *created, nil
}

func (s *Service) ListPurchases(ctx context.Context, storeID string, from string, to string, limit int) ([]domain.Purchase, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	fromAt, toAt, err := s.periodRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPurchases(ctx, st.ID, fromAt, toAt, limit)
}

// CreateOrder records a sale at current menu prices and draws the resolved
// ingredient usage from stock.
func (s *Service) CreateOrder(ctx context.Context, storeID string, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: login required", ErrForbidden)
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Order{}, err
	}
	if len(req.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order needs at least one item", store.ErrInvalidInput)
	}

	quantities := make(map[string]int, len(req.Items))
	lineOrder := make([]string, 0, len(req.Items))
	for _, line := range req.Items {
		recipeID := strings.TrimSpace(line.RecipeID)
		if recipeID == "" || line.Quantity <= 0 || line.Quantity > maxOrderLineQuantity {
			return domain.Order{}, fmt.Errorf("%w: each line needs recipe_id and a quantity between 1 and %d", store.ErrInvalidInput, maxOrderLineQuantity)
		}
		if _, seen := quantities[recipeID]; !seen {
			lineOrder = append(lineOrder, recipeID)
		}
		quantities[recipeID] += line.Quantity
	}

	snap, err := s.loadSnapshot(ctx, st.ID)
	if err != nil {
		return domain.Order{}, err
	}

	resolver := costing.NewResolver(snap)
	usage := make(map[string]float64)
	items := make([]domain.OrderItem, 0, len(lineOrder))
	total := 0.0
	for _, recipeID := range lineOrder {
		recipe, ok := snap.Recipes[recipeID]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: unknown menu item %s", store.ErrInvalidInput, recipeID)
		}
		if recipe.Type != domain.ItemTypeMenu {
			return domain.Order{}, fmt.Errorf("%w: %s is not a menu item", store.ErrInvalidInput, recipe.Name)
		}
		tree, err := resolver.Resolve(recipeID)
		if err != nil {
			return domain.Order{}, err
		}
		qty := quantities[recipeID]
		for ingredientID, amount := range costing.IngredientUsage(tree, float64(qty)) {
			usage[ingredientID] += amount
		}
		items = append(items, domain.OrderItem{RecipeID: recipe.ID, Name: recipe.Name, Quantity: qty, UnitPrice: recipe.SellingPrice})
		total += float64(qty) * recipe.SellingPrice
	}

	changes := make([]domain.StockChange, 0, len(usage))
	for ingredientID, amount := range usage {
		units := costing.StockUnits(snap.Ingredients[ingredientID], amount)
		if units <= 0 {
			continue
		}
		changes = append(changes, domain.StockChange{
			IngredientID: ingredientID,
			Kind:         domain.StockKindSale,
			Quantity:     units,
			CreatedBy:    actor.Username,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].IngredientID < changes[j].IngredientID })

	order, logs, err := s.repo.CreateOrder(ctx, domain.Order{
		StoreID:   st.ID,
		Total:     total,
		CreatedBy: actor.Username,
		CreatedAt: s.now(),
		Items:     items,
	}, changes)
	if err != nil {
		return domain.Order{}, err
	}
	for _, entry := range logs {
		if entry.Shortfall > 0 {
			applog.Warn(ctx, "sale exceeded recorded stock", "store_id", st.ID, "order_id", order.ID, "ingredient_id", entry.IngredientID, "shortfall", entry.Shortfall)
		}
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "order_create", "order", order.ID, fmt.Sprintf("items=%d,total=%.2f", len(order.Items), order.Total))
	return *order, nil
}

func (s *Service) CancelOrder(ctx context.Context, storeID string, orderID string, req domain.OrderCancelRequest) (domain.Order, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Order{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Order{}, fmt.Errorf("%w: cancel reason is required", store.ErrInvalidInput)
	}

	order, err := s.repo.CancelOrder(ctx, st.ID, orderID, reason, actor.Username, s.now())
	if err != nil {
		return domain.Order{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "order_cancel", "order", order.ID, reason)
	return *order, nil
}

func (s *Service) GetOrder(ctx context.Context, storeID string, orderID string) (domain.Order, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, st.ID, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func (s *Service) ListOrders(ctx context.Context, storeID string, from string, to string, limit int) ([]domain.Order, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	fromAt, toAt, err := s.periodRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.ListOrders(ctx, st.ID, fromAt, toAt, limit)
}

func (s *Service) CreateExpense(ctx context.Context, storeID string, req domain.ExpenseCreateRequest) (domain.ExpenseRecord, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.ExpenseRecord{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.ExpenseRecord{}, err
	}
	if !(req.Amount > 0) || math.IsInf(req.Amount, 0) {
		return domain.ExpenseRecord{}, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	spentOn, err := parseMoment(req.SpentOn, startOfDay(s.now()))
	if err != nil {
		return domain.ExpenseRecord{}, err
	}

	created, err := s.repo.CreateExpense(ctx, domain.ExpenseRecord{
		StoreID:   st.ID,
		Category:  defaultString(req.Category, "other"),
		Amount:    req.Amount,
		Memo:      strings.TrimSpace(req.Memo),
		SpentOn:   spentOn,
		CreatedBy: actor.Username,
	})
	if err != nil {
		return domain.ExpenseRecord{}, err
	}

	s.logAudit(ctx, st.ID, "expense_create", "expense", created.ID, fmt.Sprintf("%s:%.2f", created.Category, created.Amount))
	return *created, nil
}

func (s *Service) ListExpenses(ctx context.Context, storeID string, from string, to string) ([]domain.ExpenseRecord, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	fromAt, toAt, err := s.periodRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, st.ID, fromAt, toAt)
}

// CreateSalesRecord stores revenue taken outside the order flow, such as
// delivery platform payouts.
func (s *Service) CreateSalesRecord(ctx context.Context, storeID string, req domain.SalesRecordCreateRequest) (domain.SalesRecord, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.SalesRecord{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.SalesRecord{}, err
	}
	if !(req.Amount > 0) || math.IsInf(req.Amount, 0) {
		return domain.SalesRecord{}, fmt.Errorf("%w: amount must be positive", store.ErrInvalidInput)
	}
	soldOn, err := parseMoment(req.SoldOn, startOfDay(s.now()))
	if err != nil {
		return domain.SalesRecord{}, err
	}

	created, err := s.repo.CreateSalesRecord(ctx, domain.SalesRecord{
		StoreID:   st.ID,
		Channel:   defaultString(req.Channel, "manual"),
		Amount:    req.Amount,
		Memo:      strings.TrimSpace(req.Memo),
		SoldOn:    soldOn,
		CreatedBy: actor.Username,
	})
	if err != nil {
		return domain.SalesRecord{}, err
	}

	s.logAudit(ctx, st.ID, "sales_record_create", "sales_record", created.ID, fmt.Sprintf("%s:%.2f", created.Channel, created.Amount))
	return *created, nil
}

func (s *Service) ListSalesRecords(ctx context.Context, storeID string, from string, to string) ([]domain.SalesRecord, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	fromAt, toAt, err := s.periodRange(from, to)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSalesRecords(ctx, st.ID, fromAt, toAt)
}

package service

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"testing"
	"time"

	"costbook/backend/internal/cache"
	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	"costbook/backend/internal/store"
	"costbook/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, cache.NewMemoryReportCache(), Options{DefaultStoreID: "main-store"}), repo
}

func ownerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "owner", Role: domain.RoleOwner, BusinessID: "biz-main"})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "staff", Role: domain.RoleStaff, BusinessID: "biz-main"})
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

// Seeded margherita: dough 250 g, sauce 80 g, mozzarella 100 g, basil 5 g.
func margheritaMaterial() float64 {
	dough := 0.6*(25000.0/20000/0.98) + 0.02*18
	sauce := 1.2*(4.0/0.9) + 0.05*18
	return 250*dough + 80*sauce + 100*12 + 5*(2500.0/50/0.8)
}

func TestRecipeCostUsesTargetOverheadWithoutSales(t *testing.T) {
	svc, _ := newTestService()

	report, err := svc.RecipeCost(ownerCtx(), "", "rcp-margherita")
	if err != nil {
		t.Fatalf("recipe cost failed: %v", err)
	}
	if !approx(report.Tree.MaterialCost, margheritaMaterial()) {
		t.Fatalf("expected material %v, got %v", margheritaMaterial(), report.Tree.MaterialCost)
	}
	if report.Overhead.Method != domain.OverheadTargetBased || report.Overhead.PerUnit != 3000 {
		t.Fatalf("expected target-based 3000, got %+v", report.Overhead)
	}
	if !approx(report.Margin.Margin, 15000-margheritaMaterial()-3000) {
		t.Fatalf("unexpected margin %+v", report.Margin)
	}
}

func TestRecipeCostChargesNoOverheadToPrep(t *testing.T) {
	svc, _ := newTestService()

	report, err := svc.RecipeCost(ownerCtx(), "main-store", "rcp-dough")
	if err != nil {
		t.Fatalf("recipe cost failed: %v", err)
	}
	if report.Margin.OverheadPerUnit != 0 {
		t.Fatalf("expected no overhead on prep item, got %v", report.Margin.OverheadPerUnit)
	}
}

func TestRecipeCostReportsDeletedIngredient(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if err := svc.DeleteIngredient(ctx, "main-store", "ing-basil"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	report, err := svc.RecipeCost(ctx, "main-store", "rcp-margherita")
	if err != nil {
		t.Fatalf("recipe cost failed: %v", err)
	}
	if report.Tree.MissingCount != 1 {
		t.Fatalf("expected one missing reference, got %d", report.Tree.MissingCount)
	}
	if !approx(report.Tree.MaterialCost, margheritaMaterial()-5*62.5) {
		t.Fatalf("expected basil to be omitted, got %v", report.Tree.MaterialCost)
	}
}

func TestUpdateRecipeRejectsCycle(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.UpdateRecipe(ownerCtx(), "main-store", "rcp-dough", domain.RecipeRequest{
		Name: "Pizza dough",
		Type: domain.ItemTypePrep,
		Components: []domain.ComponentInput{
			{ItemID: "ing-flour", ItemType: domain.ItemTypeIngredient, Quantity: 0.6},
			{ItemID: "rcp-margherita", ItemType: domain.ItemTypeMenu, Quantity: 0.1},
		},
	})
	if !errors.Is(err, costing.ErrCyclicComposition) {
		t.Fatalf("expected cyclic composition, got %v", err)
	}
}

func TestCreateRecipeValidatesComponents(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	_, err := svc.CreateRecipe(ctx, "main-store", domain.RecipeRequest{
		Name: "Calzone",
		Type: domain.ItemTypeMenu,
		Components: []domain.ComponentInput{
			{ItemID: "ing-ham", ItemType: domain.ItemTypeIngredient, Quantity: 50},
		},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown ingredient, got %v", err)
	}

	detail, err := svc.CreateRecipe(ctx, "main-store", domain.RecipeRequest{
		Name:         "Calzone",
		Type:         domain.ItemTypeMenu,
		SellingPrice: 17000,
		Components: []domain.ComponentInput{
			{ItemID: "rcp-dough", ItemType: domain.ItemTypeMenu, Quantity: 300},
			{ItemID: "ing-mozzarella", ItemType: domain.ItemTypeIngredient, Quantity: 120},
		},
	})
	if err != nil {
		t.Fatalf("create recipe failed: %v", err)
	}
	if detail.Components[0].ItemType != domain.ItemTypePrep {
		t.Fatalf("expected component type to follow referenced recipe, got %s", detail.Components[0].ItemType)
	}
}

func TestStaffCannotEditCatalog(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateIngredient(staffCtx(), "main-store", domain.IngredientRequest{
		Name: "Salt", PurchasePrice: 5000, PurchaseUnit: "kg", UsageUnit: "g", ConversionFactor: 1000,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestOtherBusinessCannotReadStore(t *testing.T) {
	svc, _ := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "rival", Role: domain.RoleOwner, BusinessID: "biz-other"})

	if _, err := svc.GetStoreSettings(ctx, "main-store"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := svc.GetStoreSettings(ctx, "other-store"); err != nil {
		t.Fatalf("expected own store to be readable, got %v", err)
	}
}

func TestUpdateStoreSettingsValidatesTarget(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	zero := 0
	if _, err := svc.UpdateStoreSettings(ctx, "main-store", domain.StoreSettingsUpdateRequest{MonthlyTargetSalesCount: &zero}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	fixed := 4500000.0
	updated, err := svc.UpdateStoreSettings(ctx, "main-store", domain.StoreSettingsUpdateRequest{MonthlyFixedCost: &fixed})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.MonthlyFixedCost != fixed || updated.MonthlyTargetSalesCount != 1000 {
		t.Fatalf("unexpected settings %+v", updated)
	}

	logs, err := svc.ListAuditLogs(ctx, "main-store", "", 10)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != "store_settings_update" {
		t.Fatalf("expected settings audit entry, got %+v", logs)
	}
}

func TestCreateOrderDrawsStock(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.CreateOrder(staffCtx(), "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{
			{RecipeID: "rcp-margherita", Quantity: 1},
			{RecipeID: "rcp-margherita", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 2 || order.Total != 30000 {
		t.Fatalf("expected merged line totalling 30000, got %+v", order)
	}

	mozzarella, _ := repo.GetIngredient(context.Background(), "main-store", "ing-mozzarella")
	if !approx(mozzarella.CurrentStock, 5.8) {
		t.Fatalf("expected 5.8 kg mozzarella left, got %v", mozzarella.CurrentStock)
	}
	basil, _ := repo.GetIngredient(context.Background(), "main-store", "ing-basil")
	if !approx(basil.CurrentStock, 9.75) {
		t.Fatalf("expected 9.75 bunches basil left, got %v", basil.CurrentStock)
	}
}

func TestCreateOrderRejectsPrepItems(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateOrder(staffCtx(), "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-sauce", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCancelOrderRequiresManagerAndRestocks(t *testing.T) {
	svc, repo := newTestService()

	order, err := svc.CreateOrder(staffCtx(), "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-margherita", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	if _, err := svc.CancelOrder(staffCtx(), "main-store", order.ID, domain.OrderCancelRequest{Reason: "mistake"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}
	cancelled, err := svc.CancelOrder(ownerCtx(), "main-store", order.ID, domain.OrderCancelRequest{Reason: "mistake"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}

	mozzarella, _ := repo.GetIngredient(context.Background(), "main-store", "ing-mozzarella")
	if !approx(mozzarella.CurrentStock, 6) {
		t.Fatalf("expected mozzarella restored to 6, got %v", mozzarella.CurrentStock)
	}
}

func TestMenuEngineeringClassifiesAndInvalidates(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	fixed := 3000.0
	if _, err := svc.UpdateStoreSettings(ctx, "main-store", domain.StoreSettingsUpdateRequest{MonthlyFixedCost: &fixed}); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}

	before, err := svc.MenuEngineering(ctx, "main-store", 0)
	if err != nil {
		t.Fatalf("menu engineering failed: %v", err)
	}
	if before.WindowDays != 30 || before.Overhead.Method != domain.OverheadTargetBased {
		t.Fatalf("unexpected report header %+v", before)
	}
	if _, ok, _ := svc.reports.GetMenuReport(ctx, "main-store", 30); !ok {
		t.Fatalf("expected report to be cached")
	}

	if _, err := svc.CreateOrder(staffCtx(), "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-margherita", Quantity: 2}},
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	after, err := svc.MenuEngineering(ctx, "main-store", 0)
	if err != nil {
		t.Fatalf("menu engineering failed: %v", err)
	}
	if after.Overhead.Method != domain.OverheadWeighted || after.Overhead.PerUnit != 1500 {
		t.Fatalf("expected weighted overhead 1500 after sales, got %+v", after.Overhead)
	}
	if len(after.Items) != 2 {
		t.Fatalf("expected two menu items, got %d", len(after.Items))
	}

	quadrants := map[string]domain.Quadrant{}
	for _, item := range after.Items {
		quadrants[item.ItemID] = item.Quadrant
	}
	if quadrants["rcp-margherita"] != domain.QuadrantStar || quadrants["rcp-garlic-bread"] != domain.QuadrantDog {
		t.Fatalf("unexpected quadrants %v", quadrants)
	}
	if after.Items[0].ItemID != "rcp-margherita" {
		t.Fatalf("expected items ordered by total profit, got %s first", after.Items[0].ItemID)
	}
}

// cyclicRepo serves a stored composition in which the dough contains the
// margherita, a state writes can no longer produce.
type cyclicRepo struct {
	*memory.Store
}

func (r cyclicRepo) ListComponents(ctx context.Context, storeID string) (map[string][]domain.RecipeComponent, error) {
	comps, err := r.Store.ListComponents(ctx, storeID)
	if err != nil {
		return nil, err
	}
	comps["rcp-dough"] = append(slices.Clone(comps["rcp-dough"]), domain.RecipeComponent{
		RecipeID: "rcp-dough", ItemID: "rcp-margherita", ItemType: domain.ItemTypeMenu, Quantity: 1,
	})
	return comps, nil
}

func newCyclicService() *Service {
	return New(cyclicRepo{memory.NewSeeded()}, cache.NewMemoryReportCache(), Options{})
}

func TestMenuCostingsReportsCyclesPerItem(t *testing.T) {
	svc := newCyclicService()
	ctx := ownerCtx()

	resp, err := svc.MenuCostings(ctx, "main-store")
	if err != nil {
		t.Fatalf("menu costings failed: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected both menu items listed, got %d", len(resp.Items))
	}
	for _, item := range resp.Items {
		if item.Error == "" {
			t.Fatalf("expected cycle error on %s", item.RecipeID)
		}
	}

	if _, err := svc.RecipeCost(ctx, "main-store", "rcp-margherita"); !errors.Is(err, costing.ErrCyclicComposition) {
		t.Fatalf("expected cyclic composition from single lookup, got %v", err)
	}
}

func TestMenuEngineeringListsSkippedItems(t *testing.T) {
	svc := newCyclicService()

	report, err := svc.MenuEngineering(ownerCtx(), "main-store", 0)
	if err != nil {
		t.Fatalf("menu engineering failed: %v", err)
	}
	if len(report.Items) != 0 {
		t.Fatalf("expected no classified items, got %d", len(report.Items))
	}
	if len(report.Skipped) != 2 {
		t.Fatalf("expected both menu items skipped, got %+v", report.Skipped)
	}
	for _, skipped := range report.Skipped {
		if !strings.Contains(skipped.Error, "rcp-dough") {
			t.Fatalf("expected cycle path in message for %s, got %q", skipped.ItemID, skipped.Error)
		}
	}
}

func TestMenuEngineeringCarriesMissingCount(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if err := svc.DeleteIngredient(ctx, "main-store", "ing-basil"); err != nil {
		t.Fatalf("delete ingredient failed: %v", err)
	}
	report, err := svc.MenuEngineering(ctx, "main-store", 0)
	if err != nil {
		t.Fatalf("menu engineering failed: %v", err)
	}
	if len(report.Skipped) != 0 {
		t.Fatalf("expected nothing skipped, got %+v", report.Skipped)
	}
	missing := map[string]int{}
	for _, item := range report.Items {
		missing[item.ItemID] = item.MissingCount
	}
	if missing["rcp-margherita"] != 1 || missing["rcp-garlic-bread"] != 0 {
		t.Fatalf("unexpected missing counts %v", missing)
	}
}

func TestMenuEngineeringOverheadIgnoresReportWindow(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	fixed := 3000.0
	if _, err := svc.UpdateStoreSettings(ctx, "main-store", domain.StoreSettingsUpdateRequest{MonthlyFixedCost: &fixed}); err != nil {
		t.Fatalf("update settings failed: %v", err)
	}

	today := svc.now
	svc.now = func() time.Time { return today().AddDate(0, 0, -10) }
	if _, err := svc.CreateOrder(ctx, "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-margherita", Quantity: 3}},
	}); err != nil {
		t.Fatalf("create older order failed: %v", err)
	}
	svc.now = today
	if _, err := svc.CreateOrder(ctx, "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-margherita", Quantity: 2}},
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}

	costs, err := svc.MenuCostings(ctx, "main-store")
	if err != nil {
		t.Fatalf("menu costings failed: %v", err)
	}
	if costs.Overhead.Method != domain.OverheadWeighted || costs.Overhead.PerUnit != 600 {
		t.Fatalf("expected weighted overhead 600 over five units, got %+v", costs.Overhead)
	}

	for _, window := range []int{7, 365} {
		report, err := svc.MenuEngineering(ctx, "main-store", window)
		if err != nil {
			t.Fatalf("menu engineering %d failed: %v", window, err)
		}
		if report.Overhead != costs.Overhead {
			t.Fatalf("window %d: expected overhead %+v, got %+v", window, costs.Overhead, report.Overhead)
		}
	}

	short, _ := svc.MenuEngineering(ctx, "main-store", 7)
	for _, item := range short.Items {
		if item.ItemID == "rcp-margherita" && item.SalesVolume != 2 {
			t.Fatalf("expected 7-day volume of 2, got %d", item.SalesVolume)
		}
	}
}

func TestProfitReportWaterfall(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if _, err := svc.CreateOrder(ctx, "main-store", domain.OrderCreateRequest{
		Items: []domain.OrderLineInput{{RecipeID: "rcp-margherita", Quantity: 2}},
	}); err != nil {
		t.Fatalf("create order failed: %v", err)
	}
	if _, err := svc.CreateSalesRecord(ctx, "main-store", domain.SalesRecordCreateRequest{Channel: "delivery", Amount: 5000}); err != nil {
		t.Fatalf("create sales record failed: %v", err)
	}
	if _, err := svc.CreateExpense(ctx, "main-store", domain.ExpenseCreateRequest{Category: "utilities", Amount: 2000}); err != nil {
		t.Fatalf("create expense failed: %v", err)
	}

	report, err := svc.ProfitReport(ctx, "main-store", "", "")
	if err != nil {
		t.Fatalf("profit report failed: %v", err)
	}
	if report.Figures.Revenue != 35000 || report.Figures.VariableExpenses != 2000 {
		t.Fatalf("unexpected figures %+v", report.Figures)
	}
	if !approx(report.Figures.COGS, 2*margheritaMaterial()) {
		t.Fatalf("expected cogs %v, got %v", 2*margheritaMaterial(), report.Figures.COGS)
	}
	if !approx(report.Figures.FixedCost, 3000000) {
		t.Fatalf("expected one month of fixed cost, got %v", report.Figures.FixedCost)
	}
	if len(report.Waterfall) != 6 {
		t.Fatalf("expected six waterfall steps, got %d", len(report.Waterfall))
	}
	want := 35000 - 2*margheritaMaterial() - 3000000 - 2000
	if last := report.Waterfall[5]; !approx(last.End, want) {
		t.Fatalf("expected operating profit %v, got %v", want, last.End)
	}

	if _, err := svc.ProfitReport(staffCtx(), "main-store", "", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for staff, got %v", err)
	}
}

func TestSimulateProfit(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if _, err := svc.SimulateProfit(ctx, "main-store", domain.ProfitSimulationRequest{
		Adjustments: domain.ProfitAdjustments{VolumePercent: -100},
	}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	if _, err := svc.CreateSalesRecord(ctx, "main-store", domain.SalesRecordCreateRequest{Amount: 100000}); err != nil {
		t.Fatalf("create sales record failed: %v", err)
	}
	sim, err := svc.SimulateProfit(ctx, "main-store", domain.ProfitSimulationRequest{
		Adjustments: domain.ProfitAdjustments{PricePercent: 10},
	})
	if err != nil {
		t.Fatalf("simulate failed: %v", err)
	}
	if !approx(sim.Simulated.Revenue, 110000) || !approx(sim.ProfitDelta, 10000) {
		t.Fatalf("unexpected simulation %+v", sim)
	}
}

func TestLowStockAlerts(t *testing.T) {
	svc, _ := newTestService()

	alerts, err := svc.LowStockAlerts(staffCtx(), "main-store")
	if err != nil {
		t.Fatalf("low stock failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].IngredientID != "ing-mozzarella" || alerts[0].Shortfall != 2 {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestAdjustStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := ownerCtx()

	if _, err := svc.AdjustStock(ctx, "main-store", "ing-flour", domain.StockAdjustmentRequest{Kind: domain.StockKindSale, Quantity: 1}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected manual sale to be rejected, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, "main-store", "ing-flour", domain.StockAdjustmentRequest{Kind: domain.StockKindSpoilage, Quantity: 5}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	entry, err := svc.AdjustStock(ctx, "main-store", "ing-flour", domain.StockAdjustmentRequest{Kind: domain.StockKindCorrection, Quantity: 7, Note: "count"})
	if err != nil {
		t.Fatalf("correction failed: %v", err)
	}
	if entry.Before != 4 || entry.After != 7 || entry.CreatedBy != "owner" {
		t.Fatalf("unexpected stock log %+v", entry)
	}
}

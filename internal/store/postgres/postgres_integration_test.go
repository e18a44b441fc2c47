package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("COSTBOOK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set COSTBOOK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedStore(t *testing.T, s *Store, stamp int64) string {
	t.Helper()
	ctx := context.Background()
	businessID := fmt.Sprintf("biz-it-%d", stamp)
	storeID := fmt.Sprintf("store-it-%d", stamp)

	if _, err := s.db.ExecContext(ctx, `INSERT INTO businesses (id, name) VALUES ($1, 'IT business')`, businessID); err != nil {
		t.Fatalf("insert business: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, business_id, name, monthly_fixed_cost, monthly_target_sales_count)
		VALUES ($1, $2, 'IT store', 3000000, 1000)
	`, storeID, businessID); err != nil {
		t.Fatalf("insert store: %v", err)
	}

	t.Cleanup(func() {
		for _, q := range []string{
			`DELETE FROM stock_logs WHERE store_id = $1`,
			`DELETE FROM orders WHERE store_id = $1`,
			`DELETE FROM purchases WHERE store_id = $1`,
			`DELETE FROM recipes WHERE store_id = $1`,
			`DELETE FROM ingredients WHERE store_id = $1`,
			`DELETE FROM stores WHERE id = $1`,
		} {
			_, _ = s.db.ExecContext(ctx, q, storeID)
		}
		_, _ = s.db.ExecContext(ctx, `DELETE FROM businesses WHERE id = $1`, businessID)
	})
	return storeID
}

func TestRecipeWriteAndCancelRestocks(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	storeID := seedStore(t, s, time.Now().UnixNano())

	flour, err := s.CreateIngredient(ctx, domain.Ingredient{
		StoreID: storeID, Name: "Flour", PurchasePrice: 25000, PurchaseUnit: "20kg", UsageUnit: "g",
		ConversionFactor: 20000, LossRate: 0.02, CurrentStock: 2,
	})
	if err != nil {
		t.Fatalf("create ingredient: %v", err)
	}

	detail, err := s.CreateRecipe(ctx, domain.Recipe{StoreID: storeID, Name: "Bread", Type: domain.ItemTypeMenu, SellingPrice: 3000},
		[]domain.RecipeComponent{{ItemID: flour.ID, ItemType: domain.ItemTypeIngredient, Quantity: 45}})
	if err != nil {
		t.Fatalf("create recipe: %v", err)
	}
	comps, err := s.ListComponents(ctx, storeID)
	if err != nil {
		t.Fatalf("list components: %v", err)
	}
	if len(comps[detail.Recipe.ID]) != 1 {
		t.Fatalf("expected one component, got %d", len(comps[detail.Recipe.ID]))
	}

	if _, err := s.CreatePurchase(ctx, domain.Purchase{
		StoreID: storeID,
		Items:   []domain.PurchaseItem{{IngredientID: flour.ID, Quantity: 2, UnitPrice: 27000}},
	}); err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	afterPurchase, _ := s.GetIngredient(ctx, storeID, flour.ID)
	if afterPurchase.CurrentStock != 4 || afterPurchase.PurchasePrice != 26000 {
		t.Fatalf("expected stock 4 at 26000, got %v at %v", afterPurchase.CurrentStock, afterPurchase.PurchasePrice)
	}

	order, _, err := s.CreateOrder(ctx, domain.Order{
		StoreID: storeID,
		Total:   3000,
		Items:   []domain.OrderItem{{RecipeID: detail.Recipe.ID, Name: "Bread", Quantity: 1, UnitPrice: 3000}},
	}, []domain.StockChange{{IngredientID: flour.ID, Kind: domain.StockKindSale, Quantity: 1.5}})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	summary, err := s.GetSalesSummary(ctx, storeID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sales summary: %v", err)
	}
	if summary.TotalUnitsSold != 1 {
		t.Fatalf("expected 1 unit sold, got %d", summary.TotalUnitsSold)
	}

	if _, err := s.CancelOrder(ctx, storeID, order.ID, "integration test cancel", "owner", time.Now().UTC()); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	restocked, _ := s.GetIngredient(ctx, storeID, flour.ID)
	if restocked.CurrentStock != 4 {
		t.Fatalf("expected stock back at 4, got %v", restocked.CurrentStock)
	}
}

func TestConcurrentRecipeUpdatesCannotCloseCycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	storeID := seedStore(t, s, time.Now().UnixNano())

	a, err := s.CreateRecipe(ctx, domain.Recipe{StoreID: storeID, Name: "Base A", Type: domain.ItemTypePrep}, nil)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	b, err := s.CreateRecipe(ctx, domain.Recipe{StoreID: storeID, Name: "Base B", Type: domain.ItemTypePrep}, nil)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	link := func(i int, from domain.Recipe, to string) {
		defer wg.Done()
		_, errs[i] = s.UpdateRecipe(ctx, from, []domain.RecipeComponent{
			{ItemID: to, ItemType: domain.ItemTypePrep, Quantity: 1},
		})
	}
	wg.Add(2)
	go link(0, a.Recipe, b.Recipe.ID)
	go link(1, b.Recipe, a.Recipe.ID)
	wg.Wait()

	rejected := 0
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, costing.ErrCyclicComposition):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if rejected != 1 {
		t.Fatalf("expected exactly one update rejected as cyclic, got %d", rejected)
	}
}

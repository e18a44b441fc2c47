package memory

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/store"
	"costbook/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	businesses      map[string]domain.Business
	stores          map[string]domain.Store
	categories      map[string][]domain.Category
	ingredients     map[string]map[string]domain.Ingredient
	stockLogs       map[string][]domain.StockLog
	recipes         map[string]map[string]domain.Recipe
	components      map[string]map[string][]domain.RecipeComponent
	purchases       map[string][]domain.Purchase
	orders          map[string][]domain.Order
	expenses        map[string][]domain.ExpenseRecord
	salesRecords    map[string][]domain.SalesRecord
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the dev accounts. Passwords come from SEED_OWNER_PASSWORD,
// SEED_MANAGER_PASSWORD and SEED_STAFF_PASSWORD with dev fallbacks.
func seedUsers() map[string]domain.UserAccount {
	accounts := []struct {
		username string
		envKey   string
		fallback string
		role     string
		business string
	}{
		{"owner", "SEED_OWNER_PASSWORD", "owner123", domain.RoleOwner, "biz-main"},
		{"manager", "SEED_MANAGER_PASSWORD", "manager123", domain.RoleManager, "biz-main"},
		{"staff", "SEED_STAFF_PASSWORD", "staff123", domain.RoleStaff, "biz-main"},
		{"rival", "SEED_RIVAL_PASSWORD", "rival123", domain.RoleOwner, "biz-other"},
	}

	now := time.Now().UTC()
	users := make(map[string]domain.UserAccount, len(accounts))
	usedDefault := false
	for _, acc := range accounts {
		pwd := os.Getenv(acc.envKey)
		if pwd == "" {
			pwd = acc.fallback
			usedDefault = true
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.MinCost)
		if err != nil {
			panic("memory store: hash seed password: " + err.Error())
		}
		users[acc.username] = domain.UserAccount{
			Username:   acc.username,
			Password:   string(hash),
			Role:       acc.role,
			BusinessID: acc.business,
			Active:     true,
			CreatedAt:  now,
		}
	}
	if usedDefault {
		applog.Warn(context.Background(), "memory store using default dev credentials")
	}
	return users
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	s := &Store{
		businesses: map[string]domain.Business{
			"biz-main":  {ID: "biz-main", Name: "Costbook Trattoria", CreatedAt: now},
			"biz-other": {ID: "biz-other", Name: "Other Kitchen", CreatedAt: now},
		},
		stores: map[string]domain.Store{
			"main-store": {
				ID: "main-store", BusinessID: "biz-main", Name: "Trattoria Central",
				MonthlyFixedCost: 3000000, MonthlyTargetSalesCount: 1000,
				CreatedAt: now, UpdatedAt: now,
			},
			"other-store": {
				ID: "other-store", BusinessID: "biz-other", Name: "Other Kitchen",
				CreatedAt: now, UpdatedAt: now,
			},
		},
		categories:      make(map[string][]domain.Category),
		ingredients:     make(map[string]map[string]domain.Ingredient),
		stockLogs:       make(map[string][]domain.StockLog),
		recipes:         make(map[string]map[string]domain.Recipe),
		components:      make(map[string]map[string][]domain.RecipeComponent),
		purchases:       make(map[string][]domain.Purchase),
		orders:          make(map[string][]domain.Order),
		expenses:        make(map[string][]domain.ExpenseRecord),
		salesRecords:    make(map[string][]domain.SalesRecord),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}

	s.categories["main-store"] = []domain.Category{
		{ID: "cat-dry", StoreID: "main-store", Name: "Dry goods", Kind: "ingredient", CreatedAt: now},
		{ID: "cat-fresh", StoreID: "main-store", Name: "Fresh", Kind: "ingredient", CreatedAt: now},
		{ID: "cat-pizza", StoreID: "main-store", Name: "Pizza", Kind: "recipe", CreatedAt: now},
		{ID: "cat-sides", StoreID: "main-store", Name: "Sides", Kind: "recipe", CreatedAt: now},
	}

	ingredients := []domain.Ingredient{
		{ID: "ing-flour", Name: "Flour", CategoryID: "cat-dry", PurchasePrice: 25000, PurchaseUnit: "20kg", UsageUnit: "g", ConversionFactor: 20000, LossRate: 0.02, CurrentStock: 4, SafetyStock: 2},
		{ID: "ing-tomato", Name: "Tomato", CategoryID: "cat-fresh", PurchasePrice: 4000, PurchaseUnit: "kg", UsageUnit: "g", ConversionFactor: 1000, LossRate: 0.1, CurrentStock: 12, SafetyStock: 5},
		{ID: "ing-mozzarella", Name: "Mozzarella", CategoryID: "cat-fresh", PurchasePrice: 12000, PurchaseUnit: "kg", UsageUnit: "g", ConversionFactor: 1000, CurrentStock: 6, SafetyStock: 8},
		{ID: "ing-olive-oil", Name: "Olive oil", CategoryID: "cat-dry", PurchasePrice: 18000, PurchaseUnit: "1L", UsageUnit: "ml", ConversionFactor: 1000, CurrentStock: 3, SafetyStock: 1},
		{ID: "ing-basil", Name: "Basil", CategoryID: "cat-fresh", PurchasePrice: 2500, PurchaseUnit: "bunch", UsageUnit: "g", ConversionFactor: 50, LossRate: 0.2, CurrentStock: 10, SafetyStock: 4},
	}
	s.ingredients["main-store"] = make(map[string]domain.Ingredient, len(ingredients))
	for _, ing := range ingredients {
		ing.StoreID = "main-store"
		ing.CreatedAt = now
		ing.UpdatedAt = now
		s.ingredients["main-store"][ing.ID] = ing
	}

	recipes := []domain.Recipe{
		{ID: "rcp-dough", Name: "Pizza dough", Type: domain.ItemTypePrep, BatchSize: 1000, BatchUnit: "g"},
		{ID: "rcp-sauce", Name: "Tomato sauce", Type: domain.ItemTypePrep, BatchSize: 500, BatchUnit: "g"},
		{ID: "rcp-margherita", Name: "Margherita", Type: domain.ItemTypeMenu, CategoryID: "cat-pizza", SellingPrice: 15000},
		{ID: "rcp-garlic-bread", Name: "Garlic bread", Type: domain.ItemTypeMenu, CategoryID: "cat-sides", SellingPrice: 6000},
	}
	s.recipes["main-store"] = make(map[string]domain.Recipe, len(recipes))
	for _, recipe := range recipes {
		recipe.StoreID = "main-store"
		recipe.CreatedAt = now
		recipe.UpdatedAt = now
		s.recipes["main-store"][recipe.ID] = recipe
	}

	s.components["main-store"] = map[string][]domain.RecipeComponent{
		"rcp-dough": seedComponents("rcp-dough",
			domain.ComponentInput{ItemID: "ing-flour", ItemType: domain.ItemTypeIngredient, Quantity: 0.6},
			domain.ComponentInput{ItemID: "ing-olive-oil", ItemType: domain.ItemTypeIngredient, Quantity: 0.02},
		),
		"rcp-sauce": seedComponents("rcp-sauce",
			domain.ComponentInput{ItemID: "ing-tomato", ItemType: domain.ItemTypeIngredient, Quantity: 1.2},
			domain.ComponentInput{ItemID: "ing-olive-oil", ItemType: domain.ItemTypeIngredient, Quantity: 0.05},
		),
		"rcp-margherita": seedComponents("rcp-margherita",
			domain.ComponentInput{ItemID: "rcp-dough", ItemType: domain.ItemTypePrep, Quantity: 250},
			domain.ComponentInput{ItemID: "rcp-sauce", ItemType: domain.ItemTypePrep, Quantity: 80},
			domain.ComponentInput{ItemID: "ing-mozzarella", ItemType: domain.ItemTypeIngredient, Quantity: 100},
			domain.ComponentInput{ItemID: "ing-basil", ItemType: domain.ItemTypeIngredient, Quantity: 5},
		),
		"rcp-garlic-bread": seedComponents("rcp-garlic-bread",
			domain.ComponentInput{ItemID: "rcp-dough", ItemType: domain.ItemTypePrep, Quantity: 150},
			domain.ComponentInput{ItemID: "ing-olive-oil", ItemType: domain.ItemTypeIngredient, Quantity: 10},
		),
	}

	return s
}

func seedComponents(recipeID string, inputs ...domain.ComponentInput) []domain.RecipeComponent {
	out := make([]domain.RecipeComponent, 0, len(inputs))
	for i, in := range inputs {
		out = append(out, domain.RecipeComponent{
			RecipeID: recipeID,
			ItemID:   in.ItemID,
			ItemType: in.ItemType,
			Quantity: in.Quantity,
			Position: i,
		})
	}
	return out
}

func inRange(t time.Time, from time.Time, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func (s *Store) GetStore(_ context.Context, storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &st, nil
}

func (s *Store) ListStores(_ context.Context, businessID string) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Store, 0, 4)
	for _, st := range s.stores {
		if st.BusinessID == businessID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateStoreSettings(_ context.Context, storeID string, monthlyFixedCost float64, targetSalesCount int) (*domain.Store, error) {
	if monthlyFixedCost < 0 || targetSalesCount < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stores[storeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	st.MonthlyFixedCost = monthlyFixedCost
	st.MonthlyTargetSalesCount = targetSalesCount
	st.UpdatedAt = time.Now().UTC()
	s.stores[storeID] = st
	return &st, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" || category.StoreID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[category.StoreID]; !ok {
		return nil, store.ErrNotFound
	}
	for _, existing := range s.categories[category.StoreID] {
		if strings.EqualFold(existing.Name, category.Name) && existing.Kind == category.Kind {
			return nil, store.ErrConflict
		}
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	s.categories[category.StoreID] = append(s.categories[category.StoreID], category)
	return &category, nil
}

func (s *Store) ListCategories(_ context.Context, storeID string) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.categories[storeID])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) ListIngredients(_ context.Context, storeID string) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Ingredient, 0, len(s.ingredients[storeID]))
	for _, ing := range s.ingredients[storeID] {
		out = append(out, ing)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetIngredient(_ context.Context, storeID string, id string) (*domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, ok := s.ingredients[storeID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ing, nil
}

func (s *Store) CreateIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if ingredient.StoreID == "" || strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[ingredient.StoreID]; !ok {
		return nil, store.ErrNotFound
	}
	if s.ingredientNameTakenLocked(ingredient.StoreID, ingredient.Name, "") {
		return nil, store.ErrConflict
	}
	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}
	now := time.Now().UTC()
	ingredient.CreatedAt = now
	ingredient.UpdatedAt = now
	if s.ingredients[ingredient.StoreID] == nil {
		s.ingredients[ingredient.StoreID] = make(map[string]domain.Ingredient)
	}
	s.ingredients[ingredient.StoreID][ingredient.ID] = ingredient
	return &ingredient, nil
}

func (s *Store) ingredientNameTakenLocked(storeID string, name string, exceptID string) bool {
	for _, ing := range s.ingredients[storeID] {
		if ing.ID != exceptID && strings.EqualFold(ing.Name, name) {
			return true
		}
	}
	return false
}

// UpdateIngredient replaces the catalog fields. Stock only moves through
// ApplyStockChanges.
func (s *Store) UpdateIngredient(_ context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.ingredients[ingredient.StoreID][ingredient.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.ingredientNameTakenLocked(ingredient.StoreID, ingredient.Name, ingredient.ID) {
		return nil, store.ErrConflict
	}
	ingredient.CurrentStock = current.CurrentStock
	ingredient.CreatedAt = current.CreatedAt
	ingredient.UpdatedAt = time.Now().UTC()
	s.ingredients[ingredient.StoreID][ingredient.ID] = ingredient
	return &ingredient, nil
}

// DeleteIngredient leaves recipe components pointing at the id in place.
func (s *Store) DeleteIngredient(_ context.Context, storeID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ingredients[storeID][id]; !ok {
		return store.ErrNotFound
	}
	delete(s.ingredients[storeID], id)
	return nil
}

func (s *Store) ApplyStockChanges(_ context.Context, storeID string, changes []domain.StockChange) ([]domain.StockLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyStockChangesLocked(storeID, changes, time.Now().UTC())
}

// applyStockChangesLocked validates every change before writing any of them.
func (s *Store) applyStockChangesLocked(storeID string, changes []domain.StockChange, at time.Time) ([]domain.StockLog, error) {
	if len(changes) == 0 {
		return []domain.StockLog{}, nil
	}

	working := make(map[string]domain.Ingredient, len(changes))
	logs := make([]domain.StockLog, 0, len(changes))
	for _, change := range changes {
		ing, ok := working[change.IngredientID]
		if !ok {
			ing, ok = s.ingredients[storeID][change.IngredientID]
			if !ok {
				return nil, store.ErrNotFound
			}
		}

		after, shortfall, err := store.ApplyStockChange(ing.CurrentStock, change)
		if err != nil {
			return nil, err
		}
		logs = append(logs, domain.StockLog{
			ID:           xid.New("stk"),
			StoreID:      storeID,
			IngredientID: ing.ID,
			Kind:         change.Kind,
			Quantity:     after - ing.CurrentStock,
			Before:       ing.CurrentStock,
			After:        after,
			Shortfall:    shortfall,
			Note:         change.Note,
			RefID:        change.RefID,
			CreatedBy:    change.CreatedBy,
			CreatedAt:    at,
		})
		ing.CurrentStock = after
		ing.UpdatedAt = at
		working[ing.ID] = ing
	}

	for id, ing := range working {
		s.ingredients[storeID][id] = ing
	}
	s.stockLogs[storeID] = append(s.stockLogs[storeID], logs...)
	return logs, nil
}

func (s *Store) ListStockLogs(_ context.Context, storeID string, ingredientID string, limit int) ([]domain.StockLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.stockLogs[storeID]
	out := make([]domain.StockLog, 0, min(limit, len(logs)))
	for i := len(logs) - 1; i >= 0 && len(out) < limit; i-- {
		if ingredientID != "" && logs[i].IngredientID != ingredientID {
			continue
		}
		out = append(out, logs[i])
	}
	return out, nil
}

func (s *Store) ListRecipes(_ context.Context, storeID string) ([]domain.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Recipe, 0, len(s.recipes[storeID]))
	for _, recipe := range s.recipes[storeID] {
		out = append(out, recipe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetRecipe(_ context.Context, storeID string, id string) (*domain.RecipeDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipe, ok := s.recipes[storeID][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.RecipeDetail{
		Recipe:     recipe,
		Components: slices.Clone(s.components[storeID][id]),
	}, nil
}

func (s *Store) ListComponents(_ context.Context, storeID string) (map[string][]domain.RecipeComponent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]domain.RecipeComponent, len(s.components[storeID]))
	for recipeID, comps := range s.components[storeID] {
		out[recipeID] = slices.Clone(comps)
	}
	return out, nil
}

func (s *Store) recipeNameTakenLocked(storeID string, name string, exceptID string) bool {
	for _, recipe := range s.recipes[storeID] {
		if recipe.ID != exceptID && strings.EqualFold(recipe.Name, name) {
			return true
		}
	}
	return false
}

func normalizeComponents(recipeID string, components []domain.RecipeComponent) []domain.RecipeComponent {
	out := make([]domain.RecipeComponent, len(components))
	for i, comp := range components {
		comp.RecipeID = recipeID
		comp.Position = i
		out[i] = comp
	}
	return out
}

// CreateRecipe writes the recipe and its components under one lock so a
// partially written recipe is never visible.
func (s *Store) CreateRecipe(_ context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error) {
	if recipe.StoreID == "" || strings.TrimSpace(recipe.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[recipe.StoreID]; !ok {
		return nil, store.ErrNotFound
	}
	if s.recipeNameTakenLocked(recipe.StoreID, recipe.Name, "") {
		return nil, store.ErrConflict
	}
	if recipe.ID == "" {
		recipe.ID = xid.New("rcp")
	}
	now := time.Now().UTC()
	recipe.CreatedAt = now
	recipe.UpdatedAt = now

	comps := normalizeComponents(recipe.ID, components)
	if s.recipes[recipe.StoreID] == nil {
		s.recipes[recipe.StoreID] = make(map[string]domain.Recipe)
		s.components[recipe.StoreID] = make(map[string][]domain.RecipeComponent)
	}
	s.recipes[recipe.StoreID][recipe.ID] = recipe
	s.components[recipe.StoreID][recipe.ID] = comps
	return &domain.RecipeDetail{Recipe: recipe, Components: slices.Clone(comps)}, nil
}

func (s *Store) UpdateRecipe(_ context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error) {
	if strings.TrimSpace(recipe.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.recipes[recipe.StoreID][recipe.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if s.recipeNameTakenLocked(recipe.StoreID, recipe.Name, recipe.ID) {
		return nil, store.ErrConflict
	}
	comps := normalizeComponents(recipe.ID, components)
	if err := costing.DetectCycle(s.components[recipe.StoreID], recipe.ID, comps); err != nil {
		return nil, err
	}
	recipe.CreatedAt = current.CreatedAt
	recipe.UpdatedAt = time.Now().UTC()

	s.recipes[recipe.StoreID][recipe.ID] = recipe
	s.components[recipe.StoreID][recipe.ID] = comps
	return &domain.RecipeDetail{Recipe: recipe, Components: slices.Clone(comps)}, nil
}

func (s *Store) DeleteRecipe(_ context.Context, storeID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recipes[storeID][id]; !ok {
		return store.ErrNotFound
	}
	delete(s.recipes[storeID], id)
	delete(s.components[storeID], id)
	return nil
}

// CreatePurchase raises stock and moves each ingredient to its weighted
// average price in one step.
func (s *Store) CreatePurchase(_ context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.StoreID == "" || len(purchase.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[purchase.StoreID]; !ok {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = now
	}
	purchase.CreatedAt = now

	prices := make(map[string]float64, len(purchase.Items))
	stock := make(map[string]float64, len(purchase.Items))
	changes := make([]domain.StockChange, 0, len(purchase.Items))
	total := 0.0
	for _, item := range purchase.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			return nil, store.ErrInvalidInput
		}
		ing, ok := s.ingredients[purchase.StoreID][item.IngredientID]
		if !ok {
			return nil, store.ErrNotFound
		}
		onHand, seen := stock[ing.ID]
		price := prices[ing.ID]
		if !seen {
			onHand = ing.CurrentStock
			price = ing.PurchasePrice
		}
		prices[ing.ID] = costing.WeightedAverageCost(onHand, price, item.Quantity, item.UnitPrice)
		stock[ing.ID] = max(onHand, 0) + item.Quantity
		total += item.Quantity * item.UnitPrice
		changes = append(changes, domain.StockChange{
			IngredientID: ing.ID,
			Kind:         domain.StockKindPurchase,
			Quantity:     item.Quantity,
			Note:         purchase.Supplier,
			RefID:        purchase.ID,
			CreatedBy:    purchase.CreatedBy,
		})
	}

	if _, err := s.applyStockChangesLocked(purchase.StoreID, changes, now); err != nil {
		return nil, err
	}
	for id, price := range prices {
		ing := s.ingredients[purchase.StoreID][id]
		ing.PurchasePrice = price
		s.ingredients[purchase.StoreID][id] = ing
	}

	purchase.Total = total
	purchase.Items = slices.Clone(purchase.Items)
	s.purchases[purchase.StoreID] = append(s.purchases[purchase.StoreID], purchase)
	return &purchase, nil
}

func (s *Store) ListPurchases(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Purchase, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Purchase, 0, 16)
	for _, p := range s.purchases[storeID] {
		if inRange(p.PurchasedAt, from, to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchasedAt.After(out[j].PurchasedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order, usage []domain.StockChange) (*domain.Order, []domain.StockLog, error) {
	if order.StoreID == "" || len(order.Items) == 0 {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[order.StoreID]; !ok {
		return nil, nil, store.ErrNotFound
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Status = domain.OrderStatusCompleted

	for i := range usage {
		usage[i].RefID = order.ID
	}
	logs, err := s.applyStockChangesLocked(order.StoreID, usage, order.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	order.Items = slices.Clone(order.Items)
	s.orders[order.StoreID] = append(s.orders[order.StoreID], order)
	return &order, logs, nil
}

func (s *Store) GetOrder(_ context.Context, storeID string, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, order := range s.orders[storeID] {
		if order.ID == id {
			return &order, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListOrders(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Order, 0, 32)
	orders := s.orders[storeID]
	for i := len(orders) - 1; i >= 0 && len(out) < limit; i-- {
		if inRange(orders[i].CreatedAt, from, to) {
			out = append(out, orders[i])
		}
	}
	return out, nil
}

func (s *Store) CancelOrder(_ context.Context, storeID string, id string, reason string, cancelledBy string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, order := range s.orders[storeID] {
		if order.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	order := s.orders[storeID][idx]
	if order.Status != domain.OrderStatusCompleted {
		return nil, store.ErrConflict
	}

	restock := store.ReversalsFor(s.stockLogs[storeID], id, cancelledBy)
	kept := restock[:0]
	for _, change := range restock {
		if _, ok := s.ingredients[storeID][change.IngredientID]; ok {
			kept = append(kept, change)
		}
	}
	if _, err := s.applyStockChangesLocked(storeID, kept, at); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusCancelled
	order.CancelReason = reason
	order.CancelledAt = &at
	s.orders[storeID][idx] = order
	return &order, nil
}

func (s *Store) GetSalesSummary(_ context.Context, storeID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perItem := make(map[string]*domain.ItemSales)
	summary := domain.SalesSummary{}
	for _, order := range s.orders[storeID] {
		if order.Status != domain.OrderStatusCompleted || !inRange(order.CreatedAt, from, to) {
			continue
		}
		for _, item := range order.Items {
			entry, ok := perItem[item.RecipeID]
			if !ok {
				entry = &domain.ItemSales{ItemID: item.RecipeID}
				perItem[item.RecipeID] = entry
			}
			revenue := float64(item.Quantity) * item.UnitPrice
			entry.UnitsSold += int64(item.Quantity)
			entry.Revenue += revenue
			summary.TotalUnitsSold += int64(item.Quantity)
			summary.TotalRevenue += revenue
		}
	}

	summary.PerItem = make([]domain.ItemSales, 0, len(perItem))
	for _, entry := range perItem {
		summary.PerItem = append(summary.PerItem, *entry)
	}
	sort.Slice(summary.PerItem, func(i, j int) bool { return summary.PerItem[i].ItemID < summary.PerItem[j].ItemID })
	return summary, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error) {
	if expense.StoreID == "" || expense.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[expense.StoreID]; !ok {
		return nil, store.ErrNotFound
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	expense.CreatedAt = time.Now().UTC()
	s.expenses[expense.StoreID] = append(s.expenses[expense.StoreID], expense)
	return &expense, nil
}

func (s *Store) ListExpenses(_ context.Context, storeID string, from time.Time, to time.Time) ([]domain.ExpenseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ExpenseRecord, 0, 16)
	for _, e := range s.expenses[storeID] {
		if inRange(e.SpentOn, from, to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SpentOn.Before(out[j].SpentOn) })
	return out, nil
}

func (s *Store) CreateSalesRecord(_ context.Context, record domain.SalesRecord) (*domain.SalesRecord, error) {
	if record.StoreID == "" || record.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[record.StoreID]; !ok {
		return nil, store.ErrNotFound
	}
	if record.ID == "" {
		record.ID = xid.New("sal")
	}
	record.CreatedAt = time.Now().UTC()
	s.salesRecords[record.StoreID] = append(s.salesRecords[record.StoreID], record)
	return &record, nil
}

func (s *Store) ListSalesRecords(_ context.Context, storeID string, from time.Time, to time.Time) ([]domain.SalesRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SalesRecord, 0, 16)
	for _, r := range s.salesRecords[storeID] {
		if inRange(r.SoldOn, from, to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SoldOn.Before(out[j].SoldOn) })
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.StoreID != storeID || !inRange(entry.CreatedAt, from, to) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	"costbook/backend/internal/store"
	"costbook/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const storeColumns = `id, business_id, name, monthly_fixed_cost, monthly_target_sales_count, created_at, updated_at`

func scanStore(row rowScanner) (domain.Store, error) {
	var st domain.Store
	err := row.Scan(&st.ID, &st.BusinessID, &st.Name, &st.MonthlyFixedCost, &st.MonthlyTargetSalesCount, &st.CreatedAt, &st.UpdatedAt)
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, err
}

func (s *Store) GetStore(ctx context.Context, storeID string) (*domain.Store, error) {
	st, err := scanStore(s.db.QueryRowContext(ctx, `SELECT `+storeColumns+` FROM stores WHERE id = $1`, storeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListStores(ctx context.Context, businessID string) ([]domain.Store, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+storeColumns+`
		FROM stores
		WHERE business_id = $1
		ORDER BY name
	`, businessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stores := make([]domain.Store, 0, 4)
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		stores = append(stores, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stores, nil
}

func (s *Store) UpdateStoreSettings(ctx context.Context, storeID string, monthlyFixedCost float64, targetSalesCount int) (*domain.Store, error) {
	if monthlyFixedCost < 0 || targetSalesCount < 0 {
		return nil, store.ErrInvalidInput
	}

	st, err := scanStore(s.db.QueryRowContext(ctx, `
		UPDATE stores
		SET monthly_fixed_cost = $2, monthly_target_sales_count = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+storeColumns, storeID, monthlyFixedCost, targetSalesCount))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" || category.StoreID == "" {
		return nil, store.ErrInvalidInput
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, store_id, name, kind, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.StoreID, category.Name, category.Kind, category.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &category, nil
}

func (s *Store) ListCategories(ctx context.Context, storeID string) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, kind, created_at
		FROM categories
		WHERE store_id = $1
		ORDER BY kind, name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.StoreID, &c.Name, &c.Kind, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

const ingredientColumns = `id, store_id, name, COALESCE(category_id, ''), purchase_price, purchase_unit, usage_unit,
	conversion_factor, loss_rate, current_stock, safety_stock, created_at, updated_at`

func scanIngredient(row rowScanner) (domain.Ingredient, error) {
	var ing domain.Ingredient
	err := row.Scan(
		&ing.ID, &ing.StoreID, &ing.Name, &ing.CategoryID, &ing.PurchasePrice, &ing.PurchaseUnit, &ing.UsageUnit,
		&ing.ConversionFactor, &ing.LossRate, &ing.CurrentStock, &ing.SafetyStock, &ing.CreatedAt, &ing.UpdatedAt,
	)
	ing.CreatedAt = ing.CreatedAt.UTC()
	ing.UpdatedAt = ing.UpdatedAt.UTC()
	return ing, err
}

func (s *Store) ListIngredients(ctx context.Context, storeID string) ([]domain.Ingredient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE store_id = $1
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ingredients := make([]domain.Ingredient, 0, 64)
	for rows.Next() {
		ing, err := scanIngredient(rows)
		if err != nil {
			return nil, err
		}
		ingredients = append(ingredients, ing)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ingredients, nil
}

func (s *Store) GetIngredient(ctx context.Context, storeID string, id string) (*domain.Ingredient, error) {
	ing, err := scanIngredient(s.db.QueryRowContext(ctx, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE store_id = $1 AND id = $2
	`, storeID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &ing, nil
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if ingredient.StoreID == "" || strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if ingredient.ID == "" {
		ingredient.ID = xid.New("ing")
	}

	created, err := scanIngredient(s.db.QueryRowContext(ctx, `
		INSERT INTO ingredients (
			id, store_id, name, category_id, purchase_price, purchase_unit, usage_unit,
			conversion_factor, loss_rate, current_stock, safety_stock, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())
		RETURNING `+ingredientColumns,
		ingredient.ID, ingredient.StoreID, ingredient.Name, nullIfEmpty(ingredient.CategoryID), ingredient.PurchasePrice,
		ingredient.PurchaseUnit, ingredient.UsageUnit, ingredient.ConversionFactor, ingredient.LossRate,
		ingredient.CurrentStock, ingredient.SafetyStock,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error) {
	if strings.TrimSpace(ingredient.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	updated, err := scanIngredient(s.db.QueryRowContext(ctx, `
		UPDATE ingredients
		SET name = $3, category_id = $4, purchase_price = $5, purchase_unit = $6, usage_unit = $7,
			conversion_factor = $8, loss_rate = $9, safety_stock = $10, updated_at = now()
		WHERE store_id = $1 AND id = $2
		RETURNING `+ingredientColumns,
		ingredient.StoreID, ingredient.ID, ingredient.Name, nullIfEmpty(ingredient.CategoryID), ingredient.PurchasePrice,
		ingredient.PurchaseUnit, ingredient.UsageUnit, ingredient.ConversionFactor, ingredient.LossRate, ingredient.SafetyStock,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &updated, nil
}

func (s *Store) DeleteIngredient(ctx context.Context, storeID string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingredients WHERE store_id = $1 AND id = $2`, storeID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type lockedIngredient struct {
	stock float64
	price float64
}

func lockIngredients(ctx context.Context, tx *sql.Tx, storeID string, ids []string) (map[string]lockedIngredient, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, current_stock, purchase_price
		FROM ingredients
		WHERE store_id = $1 AND id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, storeID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locked := make(map[string]lockedIngredient, len(ids))
	for rows.Next() {
		var id string
		var ing lockedIngredient
		if err := rows.Scan(&id, &ing.stock, &ing.price); err != nil {
			return nil, err
		}
		locked[id] = ing
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locked, nil
}

func (s *Store) ApplyStockChanges(ctx context.Context, storeID string, changes []domain.StockChange) ([]domain.StockLog, error) {
	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	logs, err := applyStockChangesTx(ctx, pgTx, storeID, changes, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return logs, nil
}

func applyStockChangesTx(ctx context.Context, tx *sql.Tx, storeID string, changes []domain.StockChange, at time.Time) ([]domain.StockLog, error) {
	if len(changes) == 0 {
		return []domain.StockLog{}, nil
	}

	ids := make([]string, 0, len(changes))
	for _, change := range changes {
		ids = append(ids, change.IngredientID)
	}
	locked, err := lockIngredients(ctx, tx, storeID, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}

	logs := make([]domain.StockLog, 0, len(changes))
	for _, change := range changes {
		ing, ok := locked[change.IngredientID]
		if !ok {
			return nil, store.ErrNotFound
		}
		after, shortfall, err := store.ApplyStockChange(ing.stock, change)
		if err != nil {
			return nil, err
		}
		logs = append(logs, domain.StockLog{
			ID:           xid.New("stk"),
			StoreID:      storeID,
			IngredientID: change.IngredientID,
			Kind:         change.Kind,
			Quantity:     after - ing.stock,
			Before:       ing.stock,
			After:        after,
			Shortfall:    shortfall,
			Note:         change.Note,
			RefID:        change.RefID,
			CreatedBy:    change.CreatedBy,
			CreatedAt:    at,
		})
		ing.stock = after
		locked[change.IngredientID] = ing
	}

	for id, ing := range locked {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ingredients
			SET current_stock = $3, updated_at = $4
			WHERE store_id = $1 AND id = $2
		`, storeID, id, ing.stock, at); err != nil {
			return nil, err
		}
	}
	for _, entry := range logs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stock_logs (
				id, store_id, ingredient_id, kind, quantity, before_qty, after_qty, shortfall, note, ref_id, created_by, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, entry.ID, entry.StoreID, entry.IngredientID, string(entry.Kind), entry.Quantity, entry.Before, entry.After,
			entry.Shortfall, entry.Note, entry.RefID, entry.CreatedBy, entry.CreatedAt); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

const stockLogColumns = `id, store_id, ingredient_id, kind, quantity, before_qty, after_qty, shortfall, note, ref_id, created_by, created_at`

func scanStockLog(row rowScanner) (domain.StockLog, error) {
	var entry domain.StockLog
	var kind string
	err := row.Scan(&entry.ID, &entry.StoreID, &entry.IngredientID, &kind, &entry.Quantity, &entry.Before, &entry.After,
		&entry.Shortfall, &entry.Note, &entry.RefID, &entry.CreatedBy, &entry.CreatedAt)
	entry.Kind = domain.StockKind(kind)
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, err
}

func (s *Store) ListStockLogs(ctx context.Context, storeID string, ingredientID string, limit int) ([]domain.StockLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockLogColumns+`
		FROM stock_logs
		WHERE store_id = $1 AND ($2 = '' OR ingredient_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, storeID, ingredientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.StockLog, 0, limit)
	for rows.Next() {
		entry, err := scanStockLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

const recipeColumns = `id, store_id, name, type, COALESCE(category_id, ''), selling_price, batch_size, batch_unit, created_at, updated_at`

func scanRecipe(row rowScanner) (domain.Recipe, error) {
	var r domain.Recipe
	var recipeType string
	err := row.Scan(&r.ID, &r.StoreID, &r.Name, &recipeType, &r.CategoryID, &r.SellingPrice, &r.BatchSize, &r.BatchUnit, &r.CreatedAt, &r.UpdatedAt)
	r.Type = domain.ItemType(recipeType)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, err
}

func (s *Store) ListRecipes(ctx context.Context, storeID string) ([]domain.Recipe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recipeColumns+`
		FROM recipes
		WHERE store_id = $1
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recipes := make([]domain.Recipe, 0, 64)
	for rows.Next() {
		r, err := scanRecipe(rows)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recipes, nil
}

func (s *Store) GetRecipe(ctx context.Context, storeID string, id string) (*domain.RecipeDetail, error) {
	recipe, err := scanRecipe(s.db.QueryRowContext(ctx, `
		SELECT `+recipeColumns+`
		FROM recipes
		WHERE store_id = $1 AND id = $2
	`, storeID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT recipe_id, item_id, item_type, quantity, position
		FROM recipe_ingredients
		WHERE recipe_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	components, err := scanComponents(rows)
	if err != nil {
		return nil, err
	}
	return &domain.RecipeDetail{Recipe: recipe, Components: components}, nil
}

func scanComponents(rows *sql.Rows) ([]domain.RecipeComponent, error) {
	components := make([]domain.RecipeComponent, 0, 8)
	for rows.Next() {
		var c domain.RecipeComponent
		var itemType string
		if err := rows.Scan(&c.RecipeID, &c.ItemID, &itemType, &c.Quantity, &c.Position); err != nil {
			return nil, err
		}
		c.ItemType = domain.ItemType(itemType)
		components = append(components, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return components, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) ListComponents(ctx context.Context, storeID string) (map[string][]domain.RecipeComponent, error) {
	return listComponents(ctx, s.db, storeID)
}

func listComponents(ctx context.Context, q queryer, storeID string) (map[string][]domain.RecipeComponent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ri.recipe_id, ri.item_id, ri.item_type, ri.quantity, ri.position
		FROM recipe_ingredients ri
		JOIN recipes r ON r.id = ri.recipe_id
		WHERE r.store_id = $1
		ORDER BY ri.recipe_id, ri.position
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	components, err := scanComponents(rows)
	if err != nil {
		return nil, err
	}
	byRecipe := make(map[string][]domain.RecipeComponent)
	for _, c := range components {
		byRecipe[c.RecipeID] = append(byRecipe[c.RecipeID], c)
	}
	return byRecipe, nil
}

func insertComponents(ctx context.Context, tx *sql.Tx, recipeID string, components []domain.RecipeComponent) ([]domain.RecipeComponent, error) {
	out := make([]domain.RecipeComponent, 0, len(components))
	for i, c := range components {
		c.RecipeID = recipeID
		c.Position = i
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipe_ingredients (recipe_id, position, item_id, item_type, quantity)
			VALUES ($1,$2,$3,$4,$5)
		`, c.RecipeID, c.Position, c.ItemID, string(c.ItemType), c.Quantity); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// CreateRecipe inserts the recipe and its components in one transaction.
func (s *Store) CreateRecipe(ctx context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error) {
	if recipe.StoreID == "" || strings.TrimSpace(recipe.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if recipe.ID == "" {
		recipe.ID = xid.New("rcp")
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	created, err := scanRecipe(pgTx.QueryRowContext(ctx, `
		INSERT INTO recipes (id, store_id, name, type, category_id, selling_price, batch_size, batch_unit, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		RETURNING `+recipeColumns,
		recipe.ID, recipe.StoreID, recipe.Name, string(recipe.Type), nullIfEmpty(recipe.CategoryID),
		recipe.SellingPrice, recipe.BatchSize, recipe.BatchUnit,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	comps, err := insertComponents(ctx, pgTx, created.ID, components)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.RecipeDetail{Recipe: created, Components: comps}, nil
}

func (s *Store) UpdateRecipe(ctx context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error) {
	if strings.TrimSpace(recipe.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	// Recipe updates in one store are serialized so the cycle check sees
	// every committed composition.
	if _, err := pgTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "recipes:"+recipe.StoreID); err != nil {
		return nil, err
	}
	existing, err := listComponents(ctx, pgTx, recipe.StoreID)
	if err != nil {
		return nil, err
	}
	if err := costing.DetectCycle(existing, recipe.ID, components); err != nil {
		return nil, err
	}

	updated, err := scanRecipe(pgTx.QueryRowContext(ctx, `
		UPDATE recipes
		SET name = $3, type = $4, category_id = $5, selling_price = $6, batch_size = $7, batch_unit = $8, updated_at = now()
		WHERE store_id = $1 AND id = $2
		RETURNING `+recipeColumns,
		recipe.StoreID, recipe.ID, recipe.Name, string(recipe.Type), nullIfEmpty(recipe.CategoryID),
		recipe.SellingPrice, recipe.BatchSize, recipe.BatchUnit,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM recipe_ingredients WHERE recipe_id = $1`, recipe.ID); err != nil {
		return nil, err
	}
	comps, err := insertComponents(ctx, pgTx, recipe.ID, components)
	if err != nil {
		return nil, err
	}
	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &domain.RecipeDetail{Recipe: updated, Components: comps}, nil
}

func (s *Store) DeleteRecipe(ctx context.Context, storeID string, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recipes WHERE store_id = $1 AND id = $2`, storeID, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreatePurchase raises stock and moves each ingredient to its weighted
// average price in the same transaction as the purchase rows.
func (s *Store) CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error) {
	if purchase.StoreID == "" || len(purchase.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	if purchase.ID == "" {
		purchase.ID = xid.New("pur")
	}
	if purchase.PurchasedAt.IsZero() {
		purchase.PurchasedAt = now
	}
	purchase.CreatedAt = now

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	ids := make([]string, 0, len(purchase.Items))
	for _, item := range purchase.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			return nil, store.ErrInvalidInput
		}
		ids = append(ids, item.IngredientID)
	}
	locked, err := lockIngredients(ctx, pgTx, purchase.StoreID, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}

	changes := make([]domain.StockChange, 0, len(purchase.Items))
	purchase.Total = 0
	for _, item := range purchase.Items {
		ing, ok := locked[item.IngredientID]
		if !ok {
			return nil, store.ErrNotFound
		}
		ing.price = costing.WeightedAverageCost(ing.stock, ing.price, item.Quantity, item.UnitPrice)
		ing.stock = max(ing.stock, 0) + item.Quantity
		locked[item.IngredientID] = ing
		purchase.Total += item.Quantity * item.UnitPrice
		changes = append(changes, domain.StockChange{
			IngredientID: item.IngredientID,
			Kind:         domain.StockKindPurchase,
			Quantity:     item.Quantity,
			Note:         purchase.Supplier,
			RefID:        purchase.ID,
			CreatedBy:    purchase.CreatedBy,
		})
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO purchases (id, store_id, supplier, total, purchased_at, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, purchase.ID, purchase.StoreID, purchase.Supplier, purchase.Total, purchase.PurchasedAt, purchase.CreatedBy, purchase.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	for i, item := range purchase.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO purchase_items (purchase_id, position, ingredient_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, purchase.ID, i, item.IngredientID, item.Quantity, item.UnitPrice); err != nil {
			return nil, err
		}
	}

	if _, err := applyStockChangesTx(ctx, pgTx, purchase.StoreID, changes, now); err != nil {
		return nil, err
	}
	for id, ing := range locked {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE ingredients SET purchase_price = $3, updated_at = now()
			WHERE store_id = $1 AND id = $2
		`, purchase.StoreID, id, ing.price); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &purchase, nil
}

func (s *Store) ListPurchases(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Purchase, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, supplier, total, purchased_at, created_by, created_at
		FROM purchases
		WHERE store_id = $1 AND purchased_at >= $2 AND purchased_at < $3
		ORDER BY purchased_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}

	purchases := make([]domain.Purchase, 0, limit)
	index := make(map[string]int, limit)
	for rows.Next() {
		var p domain.Purchase
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Supplier, &p.Total, &p.PurchasedAt, &p.CreatedBy, &p.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		p.PurchasedAt = p.PurchasedAt.UTC()
		p.CreatedAt = p.CreatedAt.UTC()
		p.Items = []domain.PurchaseItem{}
		index[p.ID] = len(purchases)
		purchases = append(purchases, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(purchases) == 0 {
		return purchases, nil
	}

	ids := make([]string, 0, len(purchases))
	for _, p := range purchases {
		ids = append(ids, p.ID)
	}
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT purchase_id, ingredient_id, quantity, unit_price
		FROM purchase_items
		WHERE purchase_id = ANY($1)
		ORDER BY purchase_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var purchaseID string
		var item domain.PurchaseItem
		if err := itemRows.Scan(&purchaseID, &item.IngredientID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		i := index[purchaseID]
		purchases[i].Items = append(purchases[i].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return purchases, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order, usage []domain.StockChange) (*domain.Order, []domain.StockLog, error) {
	if order.StoreID == "" || len(order.Items) == 0 {
		return nil, nil, store.ErrInvalidInput
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Status = domain.OrderStatusCompleted

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (id, store_id, status, total, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, order.ID, order.StoreID, order.Status, order.Total, order.CreatedBy, order.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	for i, item := range order.Items {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, recipe_id, name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, order.ID, i, item.RecipeID, item.Name, item.Quantity, item.UnitPrice); err != nil {
			return nil, nil, err
		}
	}

	for i := range usage {
		usage[i].RefID = order.ID
	}
	logs, err := applyStockChangesTx(ctx, pgTx, order.StoreID, usage, order.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, nil, err
	}
	return &order, logs, nil
}

const orderColumns = `id, store_id, status, total, created_by, created_at, cancelled_at, cancel_reason`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var cancelledAt sql.NullTime
	err := row.Scan(&o.ID, &o.StoreID, &o.Status, &o.Total, &o.CreatedBy, &o.CreatedAt, &cancelledAt, &o.CancelReason)
	o.CreatedAt = o.CreatedAt.UTC()
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		o.CancelledAt = &at
	}
	return o, err
}

func (s *Store) loadOrderItems(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	ids := make([]string, 0, len(orders))
	for i := range orders {
		orders[i].Items = []domain.OrderItem{}
		index[orders[i].ID] = i
		ids = append(ids, orders[i].ID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, recipe_id, name, quantity, unit_price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.RecipeID, &item.Name, &item.Quantity, &item.UnitPrice); err != nil {
			return err
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return rows.Err()
}

func (s *Store) GetOrder(ctx context.Context, storeID string, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE store_id = $1 AND id = $2
	`, storeID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	orders := []domain.Order{order}
	if err := s.loadOrderItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *Store) ListOrders(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if err := s.loadOrderItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// CancelOrder flips the status and returns the stock its sale movements
// actually removed.
func (s *Store) CancelOrder(ctx context.Context, storeID string, id string, reason string, cancelledBy string, at time.Time) (*domain.Order, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	order, err := scanOrder(pgTx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE store_id = $1 AND id = $2
		FOR UPDATE
	`, storeID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if order.Status != domain.OrderStatusCompleted {
		return nil, store.ErrConflict
	}

	rows, err := pgTx.QueryContext(ctx, `
		SELECT `+stockLogColumns+`
		FROM stock_logs
		WHERE store_id = $1 AND ref_id = $2 AND kind = $3
		ORDER BY created_at, id
	`, storeID, id, string(domain.StockKindSale))
	if err != nil {
		return nil, err
	}
	saleLogs := make([]domain.StockLog, 0, 8)
	for rows.Next() {
		entry, err := scanStockLog(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		saleLogs = append(saleLogs, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	restock := store.ReversalsFor(saleLogs, id, cancelledBy)
	if len(restock) > 0 {
		ids := make([]string, 0, len(restock))
		for _, change := range restock {
			ids = append(ids, change.IngredientID)
		}
		existing, err := lockIngredients(ctx, pgTx, storeID, uniqueStrings(ids))
		if err != nil {
			return nil, err
		}
		kept := restock[:0]
		for _, change := range restock {
			if _, ok := existing[change.IngredientID]; ok {
				kept = append(kept, change)
			}
		}
		if _, err := applyStockChangesTx(ctx, pgTx, storeID, kept, at); err != nil {
			return nil, err
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, cancel_reason = $4, cancelled_at = $5
		WHERE store_id = $1 AND id = $2
	`, storeID, id, domain.OrderStatusCancelled, reason, at); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusCancelled
	order.CancelReason = reason
	order.CancelledAt = &at
	orders := []domain.Order{order}
	if err := s.loadOrderItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func (s *Store) GetSalesSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT oi.recipe_id, COALESCE(SUM(oi.quantity), 0), COALESCE(SUM(oi.quantity * oi.unit_price), 0)
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		WHERE o.store_id = $1
			AND o.status = $2
			AND o.created_at >= $3
			AND o.created_at < $4
		GROUP BY oi.recipe_id
		ORDER BY oi.recipe_id
	`, storeID, domain.OrderStatusCompleted, from, to)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	defer rows.Close()

	summary := domain.SalesSummary{PerItem: make([]domain.ItemSales, 0, 32)}
	for rows.Next() {
		var item domain.ItemSales
		if err := rows.Scan(&item.ItemID, &item.UnitsSold, &item.Revenue); err != nil {
			return domain.SalesSummary{}, err
		}
		summary.PerItem = append(summary.PerItem, item)
		summary.TotalUnitsSold += item.UnitsSold
		summary.TotalRevenue += item.Revenue
	}
	if err := rows.Err(); err != nil {
		return domain.SalesSummary{}, err
	}
	return summary, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error) {
	if expense.StoreID == "" || expense.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	expense.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expense_records (id, store_id, category, amount, memo, spent_on, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.StoreID, expense.Category, expense.Amount, expense.Memo, nowDateUTC(expense.SpentOn), expense.CreatedBy, expense.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &expense, nil
}

func (s *Store) ListExpenses(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.ExpenseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, category, amount, memo, spent_on, created_by, created_at
		FROM expense_records
		WHERE store_id = $1 AND spent_on >= $2 AND spent_on < $3
		ORDER BY spent_on, created_at
	`, storeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	expenses := make([]domain.ExpenseRecord, 0, 32)
	for rows.Next() {
		var e domain.ExpenseRecord
		if err := rows.Scan(&e.ID, &e.StoreID, &e.Category, &e.Amount, &e.Memo, &e.SpentOn, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SpentOn = nowDateUTC(e.SpentOn)
		e.CreatedAt = e.CreatedAt.UTC()
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expenses, nil
}

func (s *Store) CreateSalesRecord(ctx context.Context, record domain.SalesRecord) (*domain.SalesRecord, error) {
	if record.StoreID == "" || record.Amount <= 0 {
		return nil, store.ErrInvalidInput
	}
	if record.ID == "" {
		record.ID = xid.New("sal")
	}
	record.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales_records (id, store_id, channel, amount, memo, sold_on, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, record.ID, record.StoreID, record.Channel, record.Amount, record.Memo, nowDateUTC(record.SoldOn), record.CreatedBy, record.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) ListSalesRecords(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.SalesRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, channel, amount, memo, sold_on, created_by, created_at
		FROM sales_records
		WHERE store_id = $1 AND sold_on >= $2 AND sold_on < $3
		ORDER BY sold_on, created_at
	`, storeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.SalesRecord, 0, 32)
	for rows.Next() {
		var r domain.SalesRecord
		if err := rows.Scan(&r.ID, &r.StoreID, &r.Channel, &r.Amount, &r.Memo, &r.SoldOn, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.SoldOn = nowDateUTC(r.SoldOn)
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.BusinessID == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleStaff
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (username, password, role, business_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.BusinessID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, business_id, active, created_at
		FROM profiles
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.BusinessID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueStrings(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nowDateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

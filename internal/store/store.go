package store

import (
	"context"
	"errors"
	"time"

	"costbook/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Repository is scoped by an explicit store id on every store-owned read
// and write.
type Repository interface {
	GetStore(ctx context.Context, storeID string) (*domain.Store, error)
	ListStores(ctx context.Context, businessID string) ([]domain.Store, error)
	UpdateStoreSettings(ctx context.Context, storeID string, monthlyFixedCost float64, targetSalesCount int) (*domain.Store, error)

	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	ListCategories(ctx context.Context, storeID string) ([]domain.Category, error)

	ListIngredients(ctx context.Context, storeID string) ([]domain.Ingredient, error)
	GetIngredient(ctx context.Context, storeID string, id string) (*domain.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)
	UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) (*domain.Ingredient, error)
	DeleteIngredient(ctx context.Context, storeID string, id string) error
	ApplyStockChanges(ctx context.Context, storeID string, changes []domain.StockChange) ([]domain.StockLog, error)
	ListStockLogs(ctx context.Context, storeID string, ingredientID string, limit int) ([]domain.StockLog, error)

	ListRecipes(ctx context.Context, storeID string) ([]domain.Recipe, error)
	GetRecipe(ctx context.Context, storeID string, id string) (*domain.RecipeDetail, error)
	ListComponents(ctx context.Context, storeID string) (map[string][]domain.RecipeComponent, error)
	CreateRecipe(ctx context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error)
	UpdateRecipe(ctx context.Context, recipe domain.Recipe, components []domain.RecipeComponent) (*domain.RecipeDetail, error)
	DeleteRecipe(ctx context.Context, storeID string, id string) error

	CreatePurchase(ctx context.Context, purchase domain.Purchase) (*domain.Purchase, error)
	ListPurchases(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Purchase, error)

	CreateOrder(ctx context.Context, order domain.Order, usage []domain.StockChange) (*domain.Order, []domain.StockLog, error)
	GetOrder(ctx context.Context, storeID string, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.Order, error)
	CancelOrder(ctx context.Context, storeID string, id string, reason string, cancelledBy string, at time.Time) (*domain.Order, error)
	GetSalesSummary(ctx context.Context, storeID string, from time.Time, to time.Time) (domain.SalesSummary, error)

	CreateExpense(ctx context.Context, expense domain.ExpenseRecord) (*domain.ExpenseRecord, error)
	ListExpenses(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.ExpenseRecord, error)
	CreateSalesRecord(ctx context.Context, record domain.SalesRecord) (*domain.SalesRecord, error)
	ListSalesRecords(ctx context.Context, storeID string, from time.Time, to time.Time) ([]domain.SalesRecord, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// ApplyStockChange returns the stock level after a change. Sales floor at
// zero and report the uncovered quantity as shortfall.
func ApplyStockChange(before float64, change domain.StockChange) (after float64, shortfall float64, err error) {
	switch change.Kind {
	case domain.StockKindPurchase, domain.StockKindOrderCancel:
		if change.Quantity <= 0 {
			return before, 0, ErrInvalidInput
		}
		return before + change.Quantity, 0, nil
	case domain.StockKindSpoilage:
		if change.Quantity <= 0 {
			return before, 0, ErrInvalidInput
		}
		if change.Quantity > before {
			return before, 0, ErrInsufficientStock
		}
		return before - change.Quantity, 0, nil
	case domain.StockKindCorrection:
		if change.Quantity < 0 {
			return before, 0, ErrInvalidInput
		}
		return change.Quantity, 0, nil
	case domain.StockKindSale:
		if change.Quantity <= 0 {
			return before, 0, ErrInvalidInput
		}
		after = before - change.Quantity
		if after < 0 {
			return 0, -after, nil
		}
		return after, 0, nil
	default:
		return before, 0, ErrInvalidInput
	}
}

// ReversalsFor builds the changes that undo the sale movements of an order.
func ReversalsFor(logs []domain.StockLog, orderID string, actor string) []domain.StockChange {
	changes := make([]domain.StockChange, 0, len(logs))
	for _, entry := range logs {
		if entry.Kind != domain.StockKindSale || entry.RefID != orderID {
			continue
		}
		restored := entry.Before - entry.After
		if restored <= 0 {
			continue
		}
		changes = append(changes, domain.StockChange{
			IngredientID: entry.IngredientID,
			Kind:         domain.StockKindOrderCancel,
			Quantity:     restored,
			Note:         "restock from cancelled order",
			RefID:        orderID,
			CreatedBy:    actor,
		})
	}
	return changes
}

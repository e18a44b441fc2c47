package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	"costbook/backend/internal/store"
)

func (s *Service) ListCategories(ctx context.Context, storeID string) ([]domain.Category, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCategories(ctx, st.ID)
}

func (s *Service) CreateCategory(ctx context.Context, storeID string, req domain.CategoryCreateRequest) (domain.Category, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.Category{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.Category{}, err
	}

	name := strings.TrimSpace(req.Name)
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if name == "" {
		return domain.Category{}, fmt.Errorf("%w: category name is required", store.ErrInvalidInput)
	}
	if kind != "ingredient" && kind != "recipe" {
		return domain.Category{}, fmt.Errorf("%w: category kind must be ingredient or recipe", store.ErrInvalidInput)
	}

	created, err := s.repo.CreateCategory(ctx, domain.Category{StoreID: st.ID, Name: name, Kind: kind})
	if err != nil {
		return domain.Category{}, err
	}
	s.logAudit(ctx, st.ID, "category_create", "category", created.ID, created.Kind+":"+created.Name)
	return *created, nil
}

func (s *Service) ListIngredients(ctx context.Context, storeID string) ([]domain.IngredientView, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	ingredients, err := s.repo.ListIngredients(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	out := make([]domain.IngredientView, 0, len(ingredients))
	for _, ing := range ingredients {
		out = append(out, domain.IngredientView{Ingredient: ing, UnitCost: costing.IngredientUnitCost(ing)})
	}
	return out, nil
}

func (s *Service) GetIngredient(ctx context.Context, storeID string, id string) (domain.IngredientView, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.IngredientView{}, err
	}
	ing, err := s.repo.GetIngredient(ctx, st.ID, id)
	if err != nil {
		return domain.IngredientView{}, err
	}
	return domain.IngredientView{Ingredient: *ing, UnitCost: costing.IngredientUnitCost(*ing)}, nil
}

func validateIngredient(req domain.IngredientRequest) error {
	switch {
	case strings.TrimSpace(req.Name) == "":
		return fmt.Errorf("%w: ingredient name is required", store.ErrInvalidInput)
	case strings.TrimSpace(req.PurchaseUnit) == "" || strings.TrimSpace(req.UsageUnit) == "":
		return fmt.Errorf("%w: purchase_unit and usage_unit are required", store.ErrInvalidInput)
	case req.PurchasePrice < 0:
		return fmt.Errorf("%w: purchase_price must not be negative", store.ErrInvalidInput)
	case req.ConversionFactor <= 0:
		return fmt.Errorf("%w: conversion_factor must be positive", store.ErrInvalidInput)
	case req.LossRate < 0 || req.LossRate >= 1:
		return fmt.Errorf("%w: loss_rate must be in [0, 1)", store.ErrInvalidInput)
	case req.CurrentStock < 0 || req.SafetyStock < 0:
		return fmt.Errorf("%w: stock levels must not be negative", store.ErrInvalidInput)
	}
	return nil
}

func ingredientFromRequest(storeID string, req domain.IngredientRequest) domain.Ingredient {
	return domain.Ingredient{
		StoreID:          storeID,
		Name:             strings.TrimSpace(req.Name),
		CategoryID:       strings.TrimSpace(req.CategoryID),
		PurchasePrice:    req.PurchasePrice,
		PurchaseUnit:     strings.TrimSpace(req.PurchaseUnit),
		UsageUnit:        strings.TrimSpace(req.UsageUnit),
		ConversionFactor: req.ConversionFactor,
		LossRate:         req.LossRate,
		CurrentStock:     req.CurrentStock,
		SafetyStock:      req.SafetyStock,
	}
}

func (s *Service) CreateIngredient(ctx context.Context, storeID string, req domain.IngredientRequest) (domain.IngredientView, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.IngredientView{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.IngredientView{}, err
	}
	if err := validateIngredient(req); err != nil {
		return domain.IngredientView{}, err
	}

	created, err := s.repo.CreateIngredient(ctx, ingredientFromRequest(st.ID, req))
	if err != nil {
		return domain.IngredientView{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "ingredient_create", "ingredient", created.ID, created.Name)
	return domain.IngredientView{Ingredient: *created, UnitCost: costing.IngredientUnitCost(*created)}, nil
}

// UpdateIngredient ignores current_stock; stock moves through AdjustStock.
func (s *Service) UpdateIngredient(ctx context.Context, storeID string, id string, req domain.IngredientRequest) (domain.IngredientView, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.IngredientView{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.IngredientView{}, err
	}
	if err := validateIngredient(req); err != nil {
		return domain.IngredientView{}, err
	}

	ing := ingredientFromRequest(st.ID, req)
	ing.ID = id
	updated, err := s.repo.UpdateIngredient(ctx, ing)
	if err != nil {
		return domain.IngredientView{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "ingredient_update", "ingredient", updated.ID, fmt.Sprintf("price=%.2f,factor=%g,loss=%g", updated.PurchasePrice, updated.ConversionFactor, updated.LossRate))
	return domain.IngredientView{Ingredient: *updated, UnitCost: costing.IngredientUnitCost(*updated)}, nil
}

func (s *Service) DeleteIngredient(ctx context.Context, storeID string, id string) error {
	if _, err := requireManager(ctx); err != nil {
		return err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteIngredient(ctx, st.ID, id); err != nil {
		return err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "ingredient_delete", "ingredient", id, "")
	return nil
}

// AdjustStock records a manual movement. Sales and cancellations only come
// from orders.
func (s *Service) AdjustStock(ctx context.Context, storeID string, ingredientID string, req domain.StockAdjustmentRequest) (domain.StockLog, error) {
	actor, err := requireManager(ctx)
	if err != nil {
		return domain.StockLog{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.StockLog{}, err
	}

	switch req.Kind {
	case domain.StockKindPurchase, domain.StockKindSpoilage, domain.StockKindCorrection:
	default:
		return domain.StockLog{}, fmt.Errorf("%w: kind must be purchase, spoilage or correction", store.ErrInvalidInput)
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return domain.StockLog{}, fmt.Errorf("%w: quantity must be a number", store.ErrInvalidInput)
	}

	logs, err := s.repo.ApplyStockChanges(ctx, st.ID, []domain.StockChange{{
		IngredientID: ingredientID,
		Kind:         req.Kind,
		Quantity:     req.Quantity,
		Note:         strings.TrimSpace(req.Note),
		CreatedBy:    actor.Username,
	}})
	if err != nil {
		return domain.StockLog{}, err
	}
	if len(logs) == 0 {
		return domain.StockLog{}, store.ErrNotFound
	}

	s.logAudit(ctx, st.ID, "stock_adjust", "ingredient", ingredientID, fmt.Sprintf("%s:%g->%g", req.Kind, logs[0].Before, logs[0].After))
	return logs[0], nil
}

func (s *Service) ListStockLogs(ctx context.Context, storeID string, ingredientID string, limit int) ([]domain.StockLog, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListStockLogs(ctx, st.ID, strings.TrimSpace(ingredientID), limit)
}

func (s *Service) LowStockAlerts(ctx context.Context, storeID string) ([]domain.LowStockAlert, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	ingredients, err := s.repo.ListIngredients(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	alerts := make([]domain.LowStockAlert, 0, 8)
	for _, ing := range ingredients {
		if ing.SafetyStock <= 0 || ing.CurrentStock > ing.SafetyStock {
			continue
		}
		alerts = append(alerts, domain.LowStockAlert{
			IngredientID: ing.ID,
			Name:         ing.Name,
			PurchaseUnit: ing.PurchaseUnit,
			CurrentStock: ing.CurrentStock,
			SafetyStock:  ing.SafetyStock,
			Shortfall:    ing.SafetyStock - ing.CurrentStock,
		})
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Shortfall != alerts[j].Shortfall {
			return alerts[i].Shortfall > alerts[j].Shortfall
		}
		return alerts[i].Name < alerts[j].Name
	})
	return alerts, nil
}

func (s *Service) ListRecipes(ctx context.Context, storeID string, itemType string) ([]domain.Recipe, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return nil, err
	}
	recipes, err := s.repo.ListRecipes(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	filter := domain.ItemType(strings.ToLower(strings.TrimSpace(itemType)))
	if filter == "" {
		return recipes, nil
	}
	if !filter.IsRecipe() {
		return nil, fmt.Errorf("%w: type must be menu or prep", store.ErrInvalidInput)
	}
	out := make([]domain.Recipe, 0, len(recipes))
	for _, recipe := range recipes {
		if recipe.Type == filter {
			out = append(out, recipe)
		}
	}
	return out, nil
}

func (s *Service) GetRecipe(ctx context.Context, storeID string, id string) (domain.RecipeDetail, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.RecipeDetail{}, err
	}
	detail, err := s.repo.GetRecipe(ctx, st.ID, id)
	if err != nil {
		return domain.RecipeDetail{}, err
	}
	return *detail, nil
}

// validateRecipe checks the request against the current catalog and returns
// the components to store. A component naming a recipe takes that recipe's
// actual type.
func (s *Service) validateRecipe(ctx context.Context, storeID string, recipeID string, req domain.RecipeRequest) ([]domain.RecipeComponent, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: recipe name is required", store.ErrInvalidInput)
	}
	if !req.Type.IsRecipe() {
		return nil, fmt.Errorf("%w: type must be menu or prep", store.ErrInvalidInput)
	}
	if req.SellingPrice < 0 || req.BatchSize < 0 {
		return nil, fmt.Errorf("%w: selling_price and batch_size must not be negative", store.ErrInvalidInput)
	}

	snap, err := s.loadSnapshot(ctx, storeID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(req.Components))
	components := make([]domain.RecipeComponent, 0, len(req.Components))
	for _, in := range req.Components {
		itemID := strings.TrimSpace(in.ItemID)
		switch {
		case itemID == "":
			return nil, fmt.Errorf("%w: component item_id is required", store.ErrInvalidInput)
		case !in.ItemType.Valid():
			return nil, fmt.Errorf("%w: component %s has invalid item_type %q", store.ErrInvalidInput, itemID, in.ItemType)
		case !(in.Quantity > 0) || math.IsInf(in.Quantity, 0):
			return nil, fmt.Errorf("%w: component %s quantity must be positive", store.ErrInvalidInput, itemID)
		case recipeID != "" && itemID == recipeID:
			return nil, fmt.Errorf("%w: recipe cannot contain itself", store.ErrInvalidInput)
		case seen[itemID]:
			return nil, fmt.Errorf("%w: component %s is listed twice", store.ErrInvalidInput, itemID)
		}
		seen[itemID] = true

		itemType := in.ItemType
		if itemType == domain.ItemTypeIngredient {
			if _, ok := snap.Ingredients[itemID]; !ok {
				return nil, fmt.Errorf("%w: unknown ingredient %s", store.ErrInvalidInput, itemID)
			}
		} else {
			sub, ok := snap.Recipes[itemID]
			if !ok {
				return nil, fmt.Errorf("%w: unknown recipe %s", store.ErrInvalidInput, itemID)
			}
			itemType = sub.Type
		}
		components = append(components, domain.RecipeComponent{
			RecipeID: recipeID,
			ItemID:   itemID,
			ItemType: itemType,
			Quantity: in.Quantity,
		})
	}

	if recipeID != "" {
		if err := costing.DetectCycle(snap.Components, recipeID, components); err != nil {
			return nil, err
		}
	}
	return components, nil
}

func recipeFromRequest(storeID string, req domain.RecipeRequest) domain.Recipe {
	return domain.Recipe{
		StoreID:      storeID,
		Name:         strings.TrimSpace(req.Name),
		Type:         req.Type,
		CategoryID:   strings.TrimSpace(req.CategoryID),
		SellingPrice: req.SellingPrice,
		BatchSize:    req.BatchSize,
		BatchUnit:    strings.TrimSpace(req.BatchUnit),
	}
}

// CreateRecipe cannot close a cycle: nothing references a recipe that does
// not exist yet.
func (s *Service) CreateRecipe(ctx context.Context, storeID string, req domain.RecipeRequest) (domain.RecipeDetail, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.RecipeDetail{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.RecipeDetail{}, err
	}
	components, err := s.validateRecipe(ctx, st.ID, "", req)
	if err != nil {
		return domain.RecipeDetail{}, err
	}

	created, err := s.repo.CreateRecipe(ctx, recipeFromRequest(st.ID, req), components)
	if err != nil {
		return domain.RecipeDetail{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "recipe_create", "recipe", created.Recipe.ID, fmt.Sprintf("%s:%s components=%d", created.Recipe.Type, created.Recipe.Name, len(created.Components)))
	return *created, nil
}

func (s *Service) UpdateRecipe(ctx context.Context, storeID string, id string, req domain.RecipeRequest) (domain.RecipeDetail, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.RecipeDetail{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.RecipeDetail{}, err
	}
	if _, err := s.repo.GetRecipe(ctx, st.ID, id); err != nil {
		return domain.RecipeDetail{}, err
	}
	components, err := s.validateRecipe(ctx, st.ID, id, req)
	if err != nil {
		return domain.RecipeDetail{}, err
	}

	recipe := recipeFromRequest(st.ID, req)
	recipe.ID = id
	updated, err := s.repo.UpdateRecipe(ctx, recipe, components)
	if err != nil {
		return domain.RecipeDetail{}, err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "recipe_update", "recipe", id, fmt.Sprintf("price=%.2f components=%d", updated.Recipe.SellingPrice, len(updated.Components)))
	return *updated, nil
}

func (s *Service) DeleteRecipe(ctx context.Context, storeID string, id string) error {
	if _, err := requireManager(ctx); err != nil {
		return err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRecipe(ctx, st.ID, id); err != nil {
		return err
	}

	s.invalidateReports(ctx, st.ID)
	s.logAudit(ctx, st.ID, "recipe_delete", "recipe", id, "")
	return nil
}

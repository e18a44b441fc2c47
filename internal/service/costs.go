package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/store"
)

const maxWindowDays = 365

// loadSnapshot reads the catalog of one store concurrently.
func (s *Service) loadSnapshot(ctx context.Context, storeID string) (costing.Snapshot, error) {
	var (
		ingredients []domain.Ingredient
		recipes     []domain.Recipe
		components  map[string][]domain.RecipeComponent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ingredients, err = s.repo.ListIngredients(gctx, storeID)
		return err
	})
	g.Go(func() error {
		var err error
		recipes, err = s.repo.ListRecipes(gctx, storeID)
		return err
	})
	g.Go(func() error {
		var err error
		components, err = s.repo.ListComponents(gctx, storeID)
		return err
	})
	if err := g.Wait(); err != nil {
		return costing.Snapshot{}, err
	}
	return costing.NewSnapshot(ingredients, recipes, components), nil
}

// salesWindow covers the last windowDays calendar days, today included.
func (s *Service) salesWindow(windowDays int) (time.Time, time.Time) {
	to := startOfDay(s.now()).AddDate(0, 0, 1)
	return to.AddDate(0, 0, -windowDays), to
}

// overheadFor allocates fixed cost over the units sold in the trailing sales
// window.
func (s *Service) overheadFor(ctx context.Context, st *domain.Store) domain.OverheadAllocation {
	from, to := s.salesWindow(s.salesWindowDays)
	alloc := costing.AllocateOverhead(*st, func() (int64, error) {
		summary, err := s.repo.GetSalesSummary(ctx, st.ID, from, to)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", costing.ErrAllocationUnavailable, err)
		}
		return summary.TotalUnitsSold, nil
	})
	if alloc.Degraded {
		applog.Warn(ctx, "sales volume unavailable, overhead falls back to target", "store_id", st.ID)
	}
	return alloc
}

func overheadShare(recipe domain.Recipe, alloc domain.OverheadAllocation) float64 {
	if recipe.Type != domain.ItemTypeMenu {
		return 0
	}
	return alloc.PerUnit
}

// RecipeCost resolves a recipe's cost tree and its margin figures. Overhead
// is only charged to menu items.
func (s *Service) RecipeCost(ctx context.Context, storeID string, recipeID string) (domain.CostReport, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.CostReport{}, err
	}
	snap, err := s.loadSnapshot(ctx, st.ID)
	if err != nil {
		return domain.CostReport{}, err
	}

	tree, err := costing.NewResolver(snap).Resolve(recipeID)
	if err != nil {
		return domain.CostReport{}, err
	}
	if tree.MissingCount > 0 {
		applog.Warn(ctx, "cost tree has missing references", "store_id", st.ID, "recipe_id", recipeID, "missing", tree.MissingCount)
	}

	recipe := snap.Recipes[recipeID]
	alloc := s.overheadFor(ctx, st)
	return domain.CostReport{
		Tree:     *tree,
		Overhead: alloc,
		Margin:   costing.ComputeMargin(recipe.SellingPrice, tree.MaterialCost, overheadShare(recipe, alloc)),
	}, nil
}

// MenuCostings prices every menu item. A recipe that cannot be resolved is
// reported on its own row instead of failing the list.
func (s *Service) MenuCostings(ctx context.Context, storeID string) (domain.MenuCostingResponse, error) {
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.MenuCostingResponse{}, err
	}
	snap, err := s.loadSnapshot(ctx, st.ID)
	if err != nil {
		return domain.MenuCostingResponse{}, err
	}

	alloc := s.overheadFor(ctx, st)
	resolver := costing.NewResolver(snap)
	items := make([]domain.MenuCosting, 0, len(snap.Recipes))
	for _, recipe := range menuRecipes(snap) {
		row := domain.MenuCosting{RecipeID: recipe.ID, Name: recipe.Name, CategoryID: recipe.CategoryID}
		tree, err := resolver.Resolve(recipe.ID)
		if err != nil {
			if !errors.Is(err, costing.ErrCyclicComposition) {
				return domain.MenuCostingResponse{}, err
			}
			applog.Warn(ctx, "menu item has cyclic composition", "store_id", st.ID, "recipe_id", recipe.ID, "err", err)
			row.Error = err.Error()
			items = append(items, row)
			continue
		}
		row.Figures = costing.ComputeMargin(recipe.SellingPrice, tree.MaterialCost, alloc.PerUnit)
		row.MissingCount = tree.MissingCount
		items = append(items, row)
	}

	return domain.MenuCostingResponse{StoreID: st.ID, Overhead: alloc, Items: items}, nil
}

func menuRecipes(snap costing.Snapshot) []domain.Recipe {
	out := make([]domain.Recipe, 0, len(snap.Recipes))
	for _, recipe := range snap.Recipes {
		if recipe.Type == domain.ItemTypeMenu {
			out = append(out, recipe)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MenuEngineering classifies menu items by sales volume and margin over the
// trailing window. Reports are cached per store and window until the next
// write to that store.
func (s *Service) MenuEngineering(ctx context.Context, storeID string, windowDays int) (domain.MenuEngineeringReport, error) {
	if windowDays <= 0 {
		windowDays = s.salesWindowDays
	}
	if windowDays > maxWindowDays {
		return domain.MenuEngineeringReport{}, fmt.Errorf("%w: window_days must be at most %d", store.ErrInvalidInput, maxWindowDays)
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.MenuEngineeringReport{}, err
	}

	cached, ok, err := s.reports.GetMenuReport(ctx, st.ID, windowDays)
	if err != nil {
		applog.Warn(ctx, "report cache read failed", "store_id", st.ID, "err", err)
	} else if ok {
		return *cached, nil
	}

	var (
		snap       costing.Snapshot
		summary    domain.SalesSummary
		categories []domain.Category
	)
	from, to := s.salesWindow(windowDays)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap, err = s.loadSnapshot(gctx, st.ID)
		return err
	})
	g.Go(func() error {
		var err error
		summary, err = s.repo.GetSalesSummary(gctx, st.ID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		categories, err = s.repo.ListCategories(gctx, st.ID)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.MenuEngineeringReport{}, err
	}

	// Overhead always uses the sales window of the costing views; the report
	// window only selects the volumes being classified.
	alloc := s.overheadFor(ctx, st)
	categoryNames := make(map[string]string, len(categories))
	for _, c := range categories {
		categoryNames[c.ID] = c.Name
	}
	volumes := make(map[string]int64, len(summary.PerItem))
	for _, item := range summary.PerItem {
		volumes[item.ItemID] = item.UnitsSold
	}

	resolver := costing.NewResolver(snap)
	items := make([]domain.MenuPerformance, 0, len(snap.Recipes))
	skipped := make([]domain.MenuSkipped, 0)
	for _, recipe := range menuRecipes(snap) {
		tree, err := resolver.Resolve(recipe.ID)
		if err != nil {
			if !errors.Is(err, costing.ErrCyclicComposition) {
				return domain.MenuEngineeringReport{}, err
			}
			applog.Warn(ctx, "menu item skipped from engineering report", "store_id", st.ID, "recipe_id", recipe.ID, "err", err)
			skipped = append(skipped, domain.MenuSkipped{ItemID: recipe.ID, Name: recipe.Name, Error: err.Error()})
			continue
		}
		figures := costing.ComputeMargin(recipe.SellingPrice, tree.MaterialCost, alloc.PerUnit)
		items = append(items, domain.MenuPerformance{
			ItemID:       recipe.ID,
			Name:         recipe.Name,
			Category:     categoryNames[recipe.CategoryID],
			SellingPrice: recipe.SellingPrice,
			Margin:       figures.Margin,
			MarginRate:   figures.MarginRate,
			SalesVolume:  volumes[recipe.ID],
			MissingCount: tree.MissingCount,
		})
	}

	baseline, classified := costing.ClassifyMenu(items)
	sort.SliceStable(classified, func(i, j int) bool { return classified[i].TotalProfit > classified[j].TotalProfit })

	report := domain.MenuEngineeringReport{
		StoreID:     st.ID,
		WindowDays:  windowDays,
		Baseline:    baseline,
		Overhead:    alloc,
		Items:       classified,
		Skipped:     skipped,
		GeneratedAt: s.now().Format(time.RFC3339),
	}
	if err := s.reports.SetMenuReport(ctx, &report, s.reportCacheTTL); err != nil {
		applog.Warn(ctx, "report cache write failed", "store_id", st.ID, "err", err)
	}
	return report, nil
}

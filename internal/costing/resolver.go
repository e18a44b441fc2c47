package costing

import (
	"fmt"

	"costbook/backend/internal/domain"
)

// MaxLossRate caps loss_rate so the yield divisor never reaches zero.
const MaxLossRate = 0.99

// Snapshot is a read-only view of one store's catalog.
type Snapshot struct {
	Ingredients map[string]domain.Ingredient
	Recipes     map[string]domain.Recipe
	Components  map[string][]domain.RecipeComponent
}

func NewSnapshot(ingredients []domain.Ingredient, recipes []domain.Recipe, components map[string][]domain.RecipeComponent) Snapshot {
	snap := Snapshot{
		Ingredients: make(map[string]domain.Ingredient, len(ingredients)),
		Recipes:     make(map[string]domain.Recipe, len(recipes)),
		Components:  components,
	}
	if snap.Components == nil {
		snap.Components = map[string][]domain.RecipeComponent{}
	}
	for _, ing := range ingredients {
		snap.Ingredients[ing.ID] = ing
	}
	for _, recipe := range recipes {
		snap.Recipes[recipe.ID] = recipe
	}
	return snap
}

// IngredientUnitCost is the effective cost of one usage unit after loss.
func IngredientUnitCost(ing domain.Ingredient) float64 {
	cost, _ := ingredientUnitCost(ing)
	return cost
}

func ingredientUnitCost(ing domain.Ingredient) (float64, string) {
	factor, loss, warning := guardedFactors(ing)
	return (ing.PurchasePrice / factor) / (1 - loss), warning
}

func guardedFactors(ing domain.Ingredient) (factor float64, loss float64, warning string) {
	factor = ing.ConversionFactor
	if factor <= 0 {
		factor = 1
		warning = fmt.Sprintf("ingredient %s has no conversion factor, using 1", ing.ID)
	}
	loss = ing.LossRate
	if loss < 0 {
		loss = 0
	}
	if loss >= MaxLossRate {
		loss = MaxLossRate
		warning = fmt.Sprintf("ingredient %s loss rate clamped to %.2f", ing.ID, MaxLossRate)
	}
	return factor, loss, warning
}

// StockUnits converts a net usage quantity into the purchase units drawn
// from stock, loss included.
func StockUnits(ing domain.Ingredient, usage float64) float64 {
	factor, loss, _ := guardedFactors(ing)
	return usage / factor / (1 - loss)
}

type Resolver struct {
	snap Snapshot
}

func NewResolver(snap Snapshot) *Resolver {
	return &Resolver{snap: snap}
}

type resolveState struct {
	path     []string
	onPath   map[string]bool
	warnings []string
	missing  int
}

func (st *resolveState) warn(format string, args ...any) {
	st.warnings = append(st.warnings, fmt.Sprintf(format, args...))
}

// Resolve computes the cost tree of one recipe unit. Missing references are
// dropped from their parent and reported in the tree; a cycle aborts.
func (r *Resolver) Resolve(recipeID string) (*domain.CostTree, error) {
	recipe, ok := r.snap.Recipes[recipeID]
	if !ok {
		return nil, &NotFoundError{Kind: "recipe", ID: recipeID}
	}

	st := &resolveState{onPath: make(map[string]bool)}
	root, err := r.resolveRecipe(recipe, 1, st)
	if err != nil {
		return nil, err
	}

	return &domain.CostTree{
		RecipeID:     recipe.ID,
		Root:         root,
		MaterialCost: root.UnitCost,
		MissingCount: st.missing,
		Warnings:     st.warnings,
	}, nil
}

func (r *Resolver) resolveRecipe(recipe domain.Recipe, quantity float64, st *resolveState) (domain.CostItem, error) {
	if st.onPath[recipe.ID] {
		cycle := append(append([]string{}, st.path...), recipe.ID)
		return domain.CostItem{}, &CyclicCompositionError{Path: trimToCycle(cycle)}
	}
	st.onPath[recipe.ID] = true
	st.path = append(st.path, recipe.ID)
	defer func() {
		delete(st.onPath, recipe.ID)
		st.path = st.path[:len(st.path)-1]
	}()

	components := r.snap.Components[recipe.ID]
	children := make([]domain.CostItem, 0, len(components))
	unitCost := 0.0
	for _, comp := range components {
		child, ok, err := r.resolveComponent(recipe.ID, comp, st)
		if err != nil {
			return domain.CostItem{}, err
		}
		if !ok {
			continue
		}
		children = append(children, child)
		unitCost += child.TotalCost
	}

	return domain.CostItem{
		ItemID:    recipe.ID,
		Name:      recipe.Name,
		Type:      recipe.Type,
		Quantity:  quantity,
		Unit:      recipe.BatchUnit,
		UnitCost:  unitCost,
		TotalCost: unitCost * quantity,
		Children:  children,
	}, nil
}

func (r *Resolver) resolveComponent(parentID string, comp domain.RecipeComponent, st *resolveState) (domain.CostItem, bool, error) {
	switch {
	case comp.ItemType == domain.ItemTypeIngredient:
		ing, ok := r.snap.Ingredients[comp.ItemID]
		if !ok {
			st.missing++
			st.warn("recipe %s references missing ingredient %s", parentID, comp.ItemID)
			return domain.CostItem{}, false, nil
		}
		unitCost, warning := ingredientUnitCost(ing)
		if warning != "" {
			st.warn("%s", warning)
		}
		return domain.CostItem{
			ItemID:    ing.ID,
			Name:      ing.Name,
			Type:      domain.ItemTypeIngredient,
			Quantity:  comp.Quantity,
			Unit:      ing.UsageUnit,
			UnitCost:  unitCost,
			TotalCost: unitCost * comp.Quantity,
		}, true, nil
	case comp.ItemType.IsRecipe():
		sub, ok := r.snap.Recipes[comp.ItemID]
		if !ok {
			st.missing++
			st.warn("recipe %s references missing recipe %s", parentID, comp.ItemID)
			return domain.CostItem{}, false, nil
		}
		item, err := r.resolveRecipe(sub, comp.Quantity, st)
		if err != nil {
			return domain.CostItem{}, false, err
		}
		return item, true, nil
	default:
		st.missing++
		st.warn("recipe %s has component %s of unknown type %q", parentID, comp.ItemID, comp.ItemType)
		return domain.CostItem{}, false, nil
	}
}

// trimToCycle drops the path prefix that leads into the cycle.
func trimToCycle(path []string) []string {
	last := path[len(path)-1]
	for i, id := range path[:len(path)-1] {
		if id == last {
			return path[i:]
		}
	}
	return path
}

// IngredientUsage flattens a cost tree into raw ingredient quantities for
// the given number of root units.
func IngredientUsage(tree *domain.CostTree, units float64) map[string]float64 {
	usage := make(map[string]float64)
	if tree == nil {
		return usage
	}
	var walk func(item domain.CostItem, multiplier float64)
	walk = func(item domain.CostItem, multiplier float64) {
		for _, child := range item.Children {
			if child.Type == domain.ItemTypeIngredient {
				usage[child.ItemID] += multiplier * child.Quantity
				continue
			}
			walk(child, multiplier*child.Quantity)
		}
	}
	walk(tree.Root, units)
	return usage
}

// DetectCycle reports whether giving recipeID the proposed components would
// make it reachable from itself.
func DetectCycle(components map[string][]domain.RecipeComponent, recipeID string, proposed []domain.RecipeComponent) error {
	edges := func(id string) []domain.RecipeComponent {
		if id == recipeID {
			return proposed
		}
		return components[id]
	}

	visited := make(map[string]bool)
	var path []string
	var visit func(id string) []string
	visit = func(id string) []string {
		path = append(path, id)
		defer func() { path = path[:len(path)-1] }()

		for _, comp := range edges(id) {
			if !comp.ItemType.IsRecipe() {
				continue
			}
			if comp.ItemID == recipeID {
				return append(append([]string{}, path...), recipeID)
			}
			if visited[comp.ItemID] {
				continue
			}
			visited[comp.ItemID] = true
			if cycle := visit(comp.ItemID); cycle != nil {
				return cycle
			}
		}
		return nil
	}

	if cycle := visit(recipeID); cycle != nil {
		return &CyclicCompositionError{Path: cycle}
	}
	return nil
}

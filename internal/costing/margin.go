package costing

import (
	"math"

	"costbook/backend/internal/domain"
)

func ComputeMargin(sellingPrice, materialCost, overheadPerUnit float64) domain.MarginFigures {
	total := materialCost + overheadPerUnit
	margin := sellingPrice - total
	rate := 0.0
	if sellingPrice > 0 {
		rate = margin * 100 / sellingPrice
	}
	return domain.MarginFigures{
		SellingPrice:    sellingPrice,
		MaterialCost:    materialCost,
		OverheadPerUnit: overheadPerUnit,
		TotalCost:       total,
		Margin:          margin,
		MarginRate:      finite(rate),
	}
}

// Classify places an item against the population baseline. Ties count as high.
func Classify(volume int64, margin float64, baseline domain.MenuBaseline) domain.Quadrant {
	highVolume := float64(volume) >= baseline.AvgVolume
	highMargin := margin >= baseline.AvgMargin
	switch {
	case highVolume && highMargin:
		return domain.QuadrantStar
	case highVolume:
		return domain.QuadrantPlowhorse
	case highMargin:
		return domain.QuadrantPuzzle
	default:
		return domain.QuadrantDog
	}
}

// ClassifyMenu fills Quadrant and TotalProfit on every item and returns the
// baseline used.
func ClassifyMenu(items []domain.MenuPerformance) (domain.MenuBaseline, []domain.MenuPerformance) {
	if len(items) == 0 {
		return domain.MenuBaseline{}, []domain.MenuPerformance{}
	}

	var volumeSum int64
	var marginSum float64
	for _, item := range items {
		volumeSum += item.SalesVolume
		marginSum += item.Margin
	}
	baseline := domain.MenuBaseline{
		AvgVolume: float64(volumeSum) / float64(len(items)),
		AvgMargin: marginSum / float64(len(items)),
	}

	out := make([]domain.MenuPerformance, len(items))
	for i, item := range items {
		item.TotalProfit = item.Margin * float64(item.SalesVolume)
		item.Quadrant = Classify(item.SalesVolume, item.Margin, baseline)
		out[i] = item
	}
	return baseline, out
}

func BaselineFromFigures(f domain.PeriodFigures) domain.ProfitBaseline {
	return domain.ProfitBaseline{
		Revenue:          f.Revenue,
		COGSRate:         ratio(f.COGS, f.Revenue),
		FixedCost:        f.FixedCost,
		VariableExpenses: f.VariableExpenses,
	}
}

func SimulateProfit(base domain.ProfitBaseline, adj domain.ProfitAdjustments) domain.ProfitSimulation {
	current := project(base, domain.ProfitAdjustments{})
	simulated := project(base, adj)
	return domain.ProfitSimulation{
		Baseline:    base,
		Adjustments: adj,
		Current:     current,
		Simulated:   simulated,
		ProfitDelta: simulated.OperatingProfit - current.OperatingProfit,
	}
}

func project(base domain.ProfitBaseline, adj domain.ProfitAdjustments) domain.ProfitOutcome {
	revenue := base.Revenue * (1 + adj.PricePercent/100) * (1 + adj.VolumePercent/100)
	cogs := revenue * base.COGSRate * (1 + adj.CostRatePercent/100)
	gross := revenue - cogs
	operating := gross - base.FixedCost - base.VariableExpenses
	return domain.ProfitOutcome{
		Revenue:             finite(revenue),
		COGS:                finite(cogs),
		GrossProfit:         finite(gross),
		OperatingProfit:     finite(operating),
		OperatingMarginRate: ratio(operating, revenue) * 100,
	}
}

const (
	stepTotal    = "total"
	stepDecrease = "decrease"
)

// BuildWaterfall walks revenue down to operating profit. Decrease steps carry
// negative amounts; Start and End give the bar position.
func BuildWaterfall(f domain.PeriodFigures) []domain.WaterfallStep {
	gross := f.Revenue - f.COGS
	afterFixed := gross - f.FixedCost
	operating := afterFixed - f.VariableExpenses
	return []domain.WaterfallStep{
		{Label: "revenue", Kind: stepTotal, Amount: f.Revenue, Start: 0, End: f.Revenue},
		{Label: "cogs", Kind: stepDecrease, Amount: -f.COGS, Start: f.Revenue, End: gross},
		{Label: "gross_profit", Kind: stepTotal, Amount: gross, Start: 0, End: gross},
		{Label: "fixed_cost", Kind: stepDecrease, Amount: -f.FixedCost, Start: gross, End: afterFixed},
		{Label: "variable_expenses", Kind: stepDecrease, Amount: -f.VariableExpenses, Start: afterFixed, End: operating},
		{Label: "operating_profit", Kind: stepTotal, Amount: operating, Start: 0, End: operating},
	}
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return finite(num / den)
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

package costing

import (
	"errors"
	"testing"

	"costbook/backend/internal/domain"
)

func TestAllocateOverheadTargetBased(t *testing.T) {
	settings := domain.Store{MonthlyFixedCost: 3000000, MonthlyTargetSalesCount: 1000}
	alloc := AllocateOverhead(settings, func() (int64, error) { return 0, nil })
	if alloc.PerUnit != 3000 || alloc.Method != domain.OverheadTargetBased {
		t.Fatalf("expected 3000 target-based, got %+v", alloc)
	}
	if !alloc.Configured || alloc.Degraded {
		t.Fatalf("unexpected flags %+v", alloc)
	}
}

func TestAllocateOverheadWeighted(t *testing.T) {
	settings := domain.Store{MonthlyFixedCost: 3000000, MonthlyTargetSalesCount: 1000}
	alloc := AllocateOverhead(settings, func() (int64, error) { return 1500, nil })
	if alloc.PerUnit != 2000 || alloc.Method != domain.OverheadWeighted {
		t.Fatalf("expected 2000 weighted, got %+v", alloc)
	}
}

func TestAllocateOverheadRoundsHalfAway(t *testing.T) {
	settings := domain.Store{MonthlyFixedCost: 1000, MonthlyTargetSalesCount: 400}
	alloc := AllocateOverhead(settings, nil)
	if alloc.PerUnit != 3 {
		t.Fatalf("expected 2.5 to round to 3, got %v", alloc.PerUnit)
	}
}

func TestAllocateOverheadNotConfigured(t *testing.T) {
	called := false
	alloc := AllocateOverhead(domain.Store{MonthlyTargetSalesCount: 1000}, func() (int64, error) {
		called = true
		return 10, nil
	})
	if alloc.PerUnit != 0 || alloc.Method != domain.OverheadNotConfigured || alloc.Configured {
		t.Fatalf("expected not configured, got %+v", alloc)
	}
	if called {
		t.Fatalf("volume lookup should be skipped without fixed cost")
	}
}

func TestAllocateOverheadFallsBackOnLookupError(t *testing.T) {
	settings := domain.Store{MonthlyFixedCost: 3000000, MonthlyTargetSalesCount: 1000}
	alloc := AllocateOverhead(settings, func() (int64, error) { return 0, errors.New("db down") })
	if alloc.Method != domain.OverheadTargetBased || !alloc.Degraded || alloc.PerUnit != 3000 {
		t.Fatalf("expected degraded target-based fallback, got %+v", alloc)
	}
}

func TestAllocateOverheadZeroTarget(t *testing.T) {
	alloc := AllocateOverhead(domain.Store{MonthlyFixedCost: 500000}, nil)
	if alloc.PerUnit != 0 || alloc.Method != domain.OverheadTargetBased {
		t.Fatalf("expected zero per unit without target, got %+v", alloc)
	}
}

func TestWeightedAverageCost(t *testing.T) {
	got := WeightedAverageCost(10, 1000, 10, 2000)
	if got != 1500 {
		t.Fatalf("expected 1500, got %v", got)
	}
	if got := WeightedAverageCost(-3, 1000, 5, 1200); got != 1200 {
		t.Fatalf("expected negative stock to count as empty, got %v", got)
	}
	if got := WeightedAverageCost(0, 1000, 0, 1200); got != 1200 {
		t.Fatalf("expected incoming price on empty totals, got %v", got)
	}
}

func TestComputeMargin(t *testing.T) {
	m := ComputeMargin(10000, 2500, 1500)
	if m.TotalCost != 4000 || m.Margin != 6000 || m.MarginRate != 60 {
		t.Fatalf("unexpected margin %+v", m)
	}

	m = ComputeMargin(0, 2500, 1500)
	if m.MarginRate != 0 || m.Margin != -4000 {
		t.Fatalf("expected zero rate at zero price, got %+v", m)
	}
}

func TestClassifyTiesAreHigh(t *testing.T) {
	baseline := domain.MenuBaseline{AvgVolume: 100, AvgMargin: 500}
	if q := Classify(100, 500, baseline); q != domain.QuadrantStar {
		t.Fatalf("expected star, got %s", q)
	}
	if q := Classify(99, 500, baseline); q != domain.QuadrantPuzzle {
		t.Fatalf("expected puzzle, got %s", q)
	}
	if q := Classify(100, 499, baseline); q != domain.QuadrantPlowhorse {
		t.Fatalf("expected plowhorse, got %s", q)
	}
	if q := Classify(99, 499, baseline); q != domain.QuadrantDog {
		t.Fatalf("expected dog, got %s", q)
	}
}

func TestClassifyMenu(t *testing.T) {
	baseline, items := ClassifyMenu([]domain.MenuPerformance{
		{ItemID: "a", SalesVolume: 150, Margin: 600},
		{ItemID: "b", SalesVolume: 50, Margin: 400},
	})
	if baseline.AvgVolume != 100 || baseline.AvgMargin != 500 {
		t.Fatalf("unexpected baseline %+v", baseline)
	}
	if items[0].Quadrant != domain.QuadrantStar || items[1].Quadrant != domain.QuadrantDog {
		t.Fatalf("unexpected quadrants %+v", items)
	}
	if items[0].TotalProfit != 90000 {
		t.Fatalf("expected total profit 90000, got %v", items[0].TotalProfit)
	}

	baseline, items = ClassifyMenu(nil)
	if baseline.AvgVolume != 0 || len(items) != 0 {
		t.Fatalf("expected empty report")
	}
}

func TestSimulateProfit(t *testing.T) {
	base := domain.ProfitBaseline{Revenue: 10000000, COGSRate: 0.3, FixedCost: 3000000, VariableExpenses: 1000000}
	sim := SimulateProfit(base, domain.ProfitAdjustments{VolumePercent: 10, PricePercent: 0, CostRatePercent: -10})

	if !nearlyEqual(sim.Current.OperatingProfit, 3000000) {
		t.Fatalf("unexpected current profit %v", sim.Current.OperatingProfit)
	}
	wantRevenue := 11000000.0
	wantCOGS := wantRevenue * 0.3 * 0.9
	if !nearlyEqual(sim.Simulated.Revenue, wantRevenue) || !nearlyEqual(sim.Simulated.COGS, wantCOGS) {
		t.Fatalf("unexpected simulation %+v", sim.Simulated)
	}
	wantProfit := wantRevenue - wantCOGS - 4000000
	if !nearlyEqual(sim.Simulated.OperatingProfit, wantProfit) || !nearlyEqual(sim.ProfitDelta, wantProfit-3000000) {
		t.Fatalf("unexpected profit %+v", sim)
	}

	zero := SimulateProfit(domain.ProfitBaseline{FixedCost: 100}, domain.ProfitAdjustments{})
	if zero.Simulated.OperatingMarginRate != 0 {
		t.Fatalf("expected guarded rate, got %v", zero.Simulated.OperatingMarginRate)
	}
}

func TestBuildWaterfall(t *testing.T) {
	steps := BuildWaterfall(domain.PeriodFigures{Revenue: 1000, COGS: 300, FixedCost: 200, VariableExpenses: 100})
	if len(steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(steps))
	}
	if steps[2].Amount != 700 || steps[5].Amount != 400 || steps[4].End != 400 {
		t.Fatalf("unexpected waterfall %+v", steps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Kind == stepDecrease && steps[i].Start != steps[i-1].End {
			t.Fatalf("step %s does not continue from %s", steps[i].Label, steps[i-1].Label)
		}
	}
}

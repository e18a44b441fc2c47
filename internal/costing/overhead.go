package costing

import (
	"github.com/shopspring/decimal"

	"costbook/backend/internal/domain"
)

// SalesVolumeFunc returns the units sold across all menu items in the
// allocation window.
type SalesVolumeFunc func() (int64, error)

// AllocateOverhead spreads the monthly fixed cost over sold units when there
// are any and over the monthly target otherwise. A failing volume lookup
// falls back to the target and marks the allocation degraded.
func AllocateOverhead(settings domain.Store, salesVolume SalesVolumeFunc) domain.OverheadAllocation {
	if settings.MonthlyFixedCost <= 0 {
		return domain.OverheadAllocation{Method: domain.OverheadNotConfigured}
	}

	alloc := domain.OverheadAllocation{
		Configured:       true,
		MonthlyFixedCost: settings.MonthlyFixedCost,
	}

	if salesVolume != nil {
		units, err := salesVolume()
		switch {
		case err != nil:
			alloc.Degraded = true
		case units > 0:
			alloc.Method = domain.OverheadWeighted
			alloc.Denominator = units
			alloc.PerUnit = perUnit(settings.MonthlyFixedCost, units)
			return alloc
		}
	}

	alloc.Method = domain.OverheadTargetBased
	if settings.MonthlyTargetSalesCount > 0 {
		alloc.Denominator = int64(settings.MonthlyTargetSalesCount)
		alloc.PerUnit = perUnit(settings.MonthlyFixedCost, alloc.Denominator)
	}
	return alloc
}

func perUnit(fixedCost float64, units int64) float64 {
	return decimal.NewFromFloat(fixedCost).
		Div(decimal.NewFromInt(units)).
		Round(0).
		InexactFloat64()
}

// WeightedAverageCost blends the on-hand price with an incoming purchase.
// Negative stock counts as empty.
func WeightedAverageCost(stock, price, incomingQty, incomingPrice float64) float64 {
	if stock < 0 {
		stock = 0
	}
	onHand := decimal.NewFromFloat(stock)
	incoming := decimal.NewFromFloat(incomingQty)
	total := onHand.Add(incoming)
	if !total.IsPositive() {
		return incomingPrice
	}

	value := onHand.Mul(decimal.NewFromFloat(price)).
		Add(incoming.Mul(decimal.NewFromFloat(incomingPrice)))
	return value.Div(total).Round(4).InexactFloat64()
}

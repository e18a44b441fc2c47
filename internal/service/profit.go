package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"costbook/backend/internal/costing"
	"costbook/backend/internal/domain"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/store"
)

const daysPerMonth = 30.0

// periodFigures gathers revenue and cost for [from, to). COGS prices sold
// units at today's resolved material cost; items that no longer resolve are
// returned separately.
func (s *Service) periodFigures(ctx context.Context, st *domain.Store, from time.Time, to time.Time) (domain.PeriodFigures, []string, error) {
	var (
		snap     costing.Snapshot
		summary  domain.SalesSummary
		records  []domain.SalesRecord
		expenses []domain.ExpenseRecord
	)

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
		records, err = s.repo.ListSalesRecords(gctx, st.ID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = s.repo.ListExpenses(gctx, st.ID, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PeriodFigures{}, nil, err
	}

	figures := domain.PeriodFigures{Revenue: summary.TotalRevenue}
	for _, record := range records {
		figures.Revenue += record.Amount
	}
	for _, expense := range expenses {
		figures.VariableExpenses += expense.Amount
	}

	unresolved := make([]string, 0)
	resolver := costing.NewResolver(snap)
	for _, item := range summary.PerItem {
		tree, err := resolver.Resolve(item.ItemID)
		if err != nil {
			unresolved = append(unresolved, item.ItemID)
			continue
		}
		figures.COGS += float64(item.UnitsSold) * tree.MaterialCost
	}
	if len(unresolved) > 0 {
		applog.Warn(ctx, "sold items without cost excluded from cogs", "store_id", st.ID, "items", unresolved)
	}

	days := to.Sub(from).Hours() / 24
	figures.FixedCost = st.MonthlyFixedCost * days / daysPerMonth
	return figures, unresolved, nil
}

// ProfitReport builds the P&L waterfall for an inclusive date range.
func (s *Service) ProfitReport(ctx context.Context, storeID string, from string, to string) (domain.ProfitReport, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.ProfitReport{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.ProfitReport{}, err
	}
	fromAt, toAt, err := s.periodRange(from, to)
	if err != nil {
		return domain.ProfitReport{}, err
	}

	figures, unresolved, err := s.periodFigures(ctx, st, fromAt, toAt)
	if err != nil {
		return domain.ProfitReport{}, err
	}

	return domain.ProfitReport{
		StoreID:    st.ID,
		From:       fromAt.Format(dateLayout),
		To:         toAt.AddDate(0, 0, -1).Format(dateLayout),
		Figures:    figures,
		Waterfall:  costing.BuildWaterfall(figures),
		Unresolved: unresolved,
	}, nil
}

// SimulateProfit projects operating profit under volume, price and cost-rate
// changes against the trailing window.
func (s *Service) SimulateProfit(ctx context.Context, storeID string, req domain.ProfitSimulationRequest) (domain.ProfitSimulation, error) {
	if _, err := requireManager(ctx); err != nil {
		return domain.ProfitSimulation{}, err
	}
	st, err := s.storeFor(ctx, storeID)
	if err != nil {
		return domain.ProfitSimulation{}, err
	}

	windowDays := req.WindowDays
	if windowDays <= 0 {
		windowDays = s.salesWindowDays
	}
	if windowDays > maxWindowDays {
		return domain.ProfitSimulation{}, fmt.Errorf("%w: window_days must be at most %d", store.ErrInvalidInput, maxWindowDays)
	}
	for _, pct := range []float64{req.Adjustments.VolumePercent, req.Adjustments.PricePercent, req.Adjustments.CostRatePercent} {
		if pct <= -100 || math.IsNaN(pct) || math.IsInf(pct, 0) {
			return domain.ProfitSimulation{}, fmt.Errorf("%w: adjustments must be greater than -100 percent", store.ErrInvalidInput)
		}
	}

	from, to := s.salesWindow(windowDays)
	figures, _, err := s.periodFigures(ctx, st, from, to)
	if err != nil {
		return domain.ProfitSimulation{}, err
	}
	return costing.SimulateProfit(costing.BaselineFromFigures(figures), req.Adjustments), nil
}

package store

import (
	"errors"
	"testing"

	"costbook/backend/internal/domain"
)

func TestApplyStockChange(t *testing.T) {
	cases := []struct {
		name      string
		before    float64
		change    domain.StockChange
		after     float64
		shortfall float64
		err       error
	}{
		{"purchase adds", 5, domain.StockChange{Kind: domain.StockKindPurchase, Quantity: 3}, 8, 0, nil},
		{"spoilage removes", 5, domain.StockChange{Kind: domain.StockKindSpoilage, Quantity: 2}, 3, 0, nil},
		{"spoilage cannot go negative", 1, domain.StockChange{Kind: domain.StockKindSpoilage, Quantity: 2}, 1, 0, ErrInsufficientStock},
		{"correction sets absolute", 5, domain.StockChange{Kind: domain.StockKindCorrection, Quantity: 11}, 11, 0, nil},
		{"correction to zero", 5, domain.StockChange{Kind: domain.StockKindCorrection, Quantity: 0}, 0, 0, nil},
		{"sale floors at zero", 2, domain.StockChange{Kind: domain.StockKindSale, Quantity: 5}, 0, 3, nil},
		{"non positive purchase", 2, domain.StockChange{Kind: domain.StockKindPurchase, Quantity: 0}, 2, 0, ErrInvalidInput},
		{"unknown kind", 2, domain.StockChange{Kind: "gift", Quantity: 1}, 2, 0, ErrInvalidInput},
	}

	for _, tc := range cases {
		after, shortfall, err := ApplyStockChange(tc.before, tc.change)
		if !errors.Is(err, tc.err) {
			t.Fatalf("%s: expected error %v, got %v", tc.name, tc.err, err)
		}
		if after != tc.after || shortfall != tc.shortfall {
			t.Fatalf("%s: expected %v/%v, got %v/%v", tc.name, tc.after, tc.shortfall, after, shortfall)
		}
	}
}

func TestReversalsFor(t *testing.T) {
	logs := []domain.StockLog{
		{IngredientID: "a", Kind: domain.StockKindSale, RefID: "ord-1", Before: 10, After: 7},
		{IngredientID: "b", Kind: domain.StockKindSale, RefID: "ord-1", Before: 1, After: 0},
		{IngredientID: "c", Kind: domain.StockKindSale, RefID: "ord-2", Before: 5, After: 4},
		{IngredientID: "a", Kind: domain.StockKindPurchase, RefID: "ord-1", Before: 7, After: 9},
	}

	changes := ReversalsFor(logs, "ord-1", "owner")
	if len(changes) != 2 {
		t.Fatalf("expected 2 reversals, got %d", len(changes))
	}
	if changes[0].Quantity != 3 || changes[1].Quantity != 1 {
		t.Fatalf("expected applied quantities to be restored, got %+v", changes)
	}
	if changes[0].Kind != domain.StockKindOrderCancel {
		t.Fatalf("unexpected kind %s", changes[0].Kind)
	}
}

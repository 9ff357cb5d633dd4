package exchange

import (
	"testing"

	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// genBook draws a snapshot of resting sell orders the way the store
// returns them: ascending price, partially filled orders allowed.
func genBook(t *rapid.T) []models.Order {
	n := rapid.IntRange(0, 20).Draw(t, "n")
	book := make([]models.Order, 0, n)
	price := int64(1)
	for i := 0; i < n; i++ {
		price += rapid.Int64Range(0, 10).Draw(t, "priceStep")
		qty := rapid.Int64Range(1, 100).Draw(t, "qty")
		filled := rapid.Int64Range(0, qty-1).Draw(t, "filled")
		book = append(book, models.Order{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			Ticker:    "AAA",
			Direction: models.Sell,
			Kind:      models.KindLimit,
			Status:    executionStatus(qty, filled),
			Qty:       qty,
			Filled:    filled,
			Price:     price,
		})
	}
	return book
}

func TestPlanFills_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		book := genBook(t)
		agg := &models.Order{
			ID:        uuid.New(),
			UserID:    uuid.New(),
			Ticker:    "AAA",
			Direction: models.Buy,
			Kind:      models.KindMarket,
			Status:    models.StatusNew,
			Qty:       rapid.Int64Range(1, 500).Draw(t, "aggQty"),
		}

		budget := cashBudget{}
		if rapid.Bool().Draw(t, "limited") {
			budget = cashBudget{limited: true, amount: rapid.Int64Range(0, 10000).Draw(t, "budget")}
		}

		before := make([]models.Order, len(book))
		copy(before, book)

		fills := planFills(agg, book, budget)

		// Filled never exceeds qty, anywhere.
		if agg.Filled < 0 || agg.Filled > agg.Qty {
			t.Fatalf("aggressor filled %d out of bounds for qty %d", agg.Filled, agg.Qty)
		}
		for i := range book {
			if book[i].Filled < before[i].Filled || book[i].Filled > book[i].Qty {
				t.Fatalf("resting order %d filled %d out of bounds (was %d, qty %d)",
					i, book[i].Filled, before[i].Filled, book[i].Qty)
			}
		}

		// Quantity is conserved: fills account for exactly what the
		// aggressor and the book gained.
		var total, spent int64
		for _, f := range fills {
			if f.qty <= 0 {
				t.Fatalf("non-positive fill qty %d", f.qty)
			}
			total += f.qty
			spent += f.qty * f.price
		}
		if total != agg.Filled {
			t.Fatalf("fills sum to %d, aggressor filled %d", total, agg.Filled)
		}
		var bookGained int64
		for i := range book {
			bookGained += book[i].Filled - before[i].Filled
		}
		if bookGained != total {
			t.Fatalf("book gained %d, fills sum to %d", bookGained, total)
		}

		// A budget-limited pass never spends more than the budget.
		if budget.limited && spent > budget.amount {
			t.Fatalf("spent %d over budget %d", spent, budget.amount)
		}

		// Price priority: fills are taken in book order, so their
		// prices are non-decreasing for a buy aggressor.
		for i := 1; i < len(fills); i++ {
			if fills[i].price < fills[i-1].price {
				t.Fatalf("fill prices out of order: %d before %d", fills[i-1].price, fills[i].price)
			}
		}

		// Statuses are consistent with fill counts.
		for i := range book {
			if got, want := book[i].Status, executionStatus(book[i].Qty, book[i].Filled); got != want {
				t.Fatalf("resting order %d has status %s, want %s", i, got, want)
			}
		}
	})
}

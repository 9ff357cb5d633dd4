package exchange

import (
	"github.com/avolokita/tochka-exchange/internal/models"
)

// cashBudget caps how much cash a matching pass may spend. Only market
// buys are budget-limited: their admission check reserves a placeholder
// amount, so the authoritative funds check happens here, fill by fill.
type cashBudget struct {
	limited bool
	amount  int64
}

// fill is one matched (quantity, price) pair between the aggressor and
// a resting order. The execution price is always the resting order's
// price, so a limit aggressor crossing a better-priced resting order
// executes better than its own quote.
type fill struct {
	resting *models.Order
	qty     int64
	price   int64
}

// planFills walks the resting orders in priority order (callers supply
// them best-price-first, oldest-first) and greedily computes the fills
// for the aggressor. Aggressor and resting orders are updated in place:
// filled counts grow and resting statuses flip to PARTIALLY_EXECUTED or
// EXECUTED. A budget-limited pass stops at the first fill it cannot pay
// for; fills planned before the stop are kept.
func planFills(aggressor *models.Order, resting []models.Order, budget cashBudget) []fill {
	var fills []fill
	for i := range resting {
		if aggressor.Remaining() == 0 {
			break
		}

		opp := &resting[i]
		qty := min(aggressor.Remaining(), opp.Remaining())
		price := opp.Price

		if budget.limited {
			if budget.amount < qty*price {
				break
			}
			budget.amount -= qty * price
		}

		aggressor.Filled += qty
		opp.Filled += qty
		opp.Status = executionStatus(opp.Qty, opp.Filled)

		fills = append(fills, fill{resting: opp, qty: qty, price: price})
	}
	return fills
}

// unwindFill reverts the in-memory effect of a planned fill that was
// not (or could not be) settled.
func unwindFill(aggressor *models.Order, f fill) {
	aggressor.Filled -= f.qty
	f.resting.Filled -= f.qty
	f.resting.Status = executionStatus(f.resting.Qty, f.resting.Filled)
}

// executionStatus derives an order's status from its fill progress.
func executionStatus(qty, filled int64) models.OrderStatus {
	switch {
	case filled == qty:
		return models.StatusExecuted
	case filled > 0:
		return models.StatusPartiallyExecuted
	default:
		return models.StatusNew
	}
}

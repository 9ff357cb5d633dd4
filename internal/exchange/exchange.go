package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/avolokita/tochka-exchange/internal/db"
	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Engine runs order admission, matching, and settlement on top of the
// relational store.
//
// The matching loop reads a snapshot of the opposite side of the book
// and then mutates it without re-reading, so two passes over the same
// instrument must never interleave: a per-ticker mutex serializes them,
// and inside the transaction the snapshot rows plus every involved
// balance row are locked FOR UPDATE (balances in sorted key order, see
// db.LockBalances).
type Engine struct {
	db *db.DB

	mu      sync.Mutex
	tickers map[string]*sync.Mutex
}

// New creates an engine backed by the given store.
func New(database *db.DB) *Engine {
	return &Engine{
		db:      database,
		tickers: make(map[string]*sync.Mutex),
	}
}

// tickerLock returns the mutex serializing matching passes for one
// instrument.
func (e *Engine) tickerLock(ticker string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.tickers[ticker]
	if !ok {
		l = &sync.Mutex{}
		e.tickers[ticker] = l
	}
	return l
}

// SubmitAndMatch validates, persists, and matches a new order, and
// returns it with its final status and filled quantity.
//
// A market order either fills completely or is rolled back and
// CANCELLED: market orders never rest on the book. A limit order keeps
// whatever fills it got and rests with status NEW or
// PARTIALLY_EXECUTED.
func (e *Engine) SubmitAndMatch(ctx context.Context, order *models.Order) (*models.Order, error) {
	exists, err := e.db.InstrumentExists(ctx, order.Ticker)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrInstrumentNotFound
	}

	if err := e.checkAvailable(ctx, order); err != nil {
		return nil, err
	}

	created, err := e.db.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	lock := e.tickerLock(created.Ticker)
	lock.Lock()
	defer lock.Unlock()

	if err := e.match(ctx, created); err != nil {
		// An unexpected fault aborts the whole pass: the transaction is
		// gone, so the freshly created order is terminated rather than
		// left resting in an unknown state.
		if cancelErr := e.db.SetOrderStatus(ctx, e.db.Pool, created.ID, models.StatusCancelled); cancelErr != nil {
			return nil, errors.Join(err, cancelErr)
		}
		return nil, err
	}
	return created, nil
}

// checkAvailable is the admission control for new orders: the funds a
// user can pledge are their balance minus what their other open orders
// on the same side have already committed. A market buy has no price
// yet, so it reserves qty*1 here; the real check happens per fill
// inside the matching pass.
func (e *Engine) checkAvailable(ctx context.Context, order *models.Order) error {
	if order.Direction == models.Sell {
		balance, err := e.db.GetBalance(ctx, e.db.Pool, order.UserID, order.Ticker)
		if err != nil {
			return err
		}
		committed, err := e.db.CommittedSellQty(ctx, e.db.Pool, order.UserID, order.Ticker)
		if err != nil {
			return err
		}
		if balance-committed < order.Qty {
			return models.ErrInsufficientFunds
		}
		return nil
	}

	balance, err := e.db.GetBalance(ctx, e.db.Pool, order.UserID, models.CashTicker)
	if err != nil {
		return err
	}
	committed, err := e.db.CommittedBuyCash(ctx, e.db.Pool, order.UserID)
	if err != nil {
		return err
	}

	required := order.Qty
	if order.Kind == models.KindLimit {
		required = order.Qty * order.Price
	}
	if balance-committed < required {
		return models.ErrInsufficientFunds
	}
	return nil
}

// match runs one matching pass for the aggressor as a single
// transaction. All reads of resting orders are taken at loop entry and
// locked until commit.
func (e *Engine) match(ctx context.Context, aggressor *models.Order) error {
	tx, err := e.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-check the aggressor under lock: a cancel may have won the race
	// between order creation and this pass.
	var status models.OrderStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 FOR UPDATE",
		aggressor.ID).Scan(&status)
	if err != nil {
		return fmt.Errorf("failed to lock aggressor: %w", err)
	}
	if status != models.StatusNew {
		aggressor.Status = status
		return nil
	}

	var limitPrice *int64
	if aggressor.Kind == models.KindLimit {
		limitPrice = &aggressor.Price
	}

	resting, err := e.db.OppositeOrders(ctx, tx, aggressor.Ticker, aggressor.Direction, limitPrice)
	if err != nil {
		return err
	}

	budget := cashBudget{}
	if aggressor.Kind == models.KindMarket && aggressor.Direction == models.Buy {
		cash, err := e.db.GetBalance(ctx, tx, aggressor.UserID, models.CashTicker)
		if err != nil {
			return err
		}
		committed, err := e.db.CommittedBuyCash(ctx, tx, aggressor.UserID)
		if err != nil {
			return err
		}
		budget = cashBudget{limited: true, amount: cash - committed}
	}

	fills := planFills(aggressor, resting, budget)

	if len(fills) > 0 {
		if err := e.db.LockBalances(ctx, tx, balanceKeys(aggressor, fills)); err != nil {
			return err
		}
	}

	// Settle fills in plan order. A withdraw that comes up short stops
	// the pass: the failed fill and everything after it is unwound,
	// fills settled before it stay applied.
	applied := fills
	for i, f := range fills {
		if err := e.settleFill(ctx, tx, aggressor, f); err != nil {
			if !errors.Is(err, models.ErrInsufficientFunds) {
				return err
			}
			for _, unapplied := range fills[i:] {
				unwindFill(aggressor, unapplied)
			}
			applied = fills[:i]
			break
		}
	}

	switch {
	case aggressor.Filled == aggressor.Qty:
		aggressor.Status = models.StatusExecuted
	case aggressor.Kind == models.KindMarket:
		// Market orders never rest: an unfilled remainder aborts the
		// pass, rolling back every fill, and terminates the order.
		if err := tx.Rollback(ctx); err != nil {
			return fmt.Errorf("failed to roll back market order: %w", err)
		}
		aggressor.Filled = 0
		aggressor.Status = models.StatusCancelled
		return e.db.SetOrderStatus(ctx, e.db.Pool, aggressor.ID, models.StatusCancelled)
	case aggressor.Filled > 0:
		aggressor.Status = models.StatusPartiallyExecuted
	}

	for _, f := range applied {
		if err := e.db.UpdateOrderExecution(ctx, tx, f.resting.ID, f.resting.Status, f.resting.Filled); err != nil {
			return err
		}
	}
	if aggressor.Status != models.StatusNew {
		if err := e.db.UpdateOrderExecution(ctx, tx, aggressor.ID, aggressor.Status, aggressor.Filled); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit matching pass: %w", err)
	}
	return nil
}

// settleFill applies one fill inside the matching transaction: the
// settlement record plus four balance mutations, wrapped in a savepoint
// so a short balance leaves no partial trace of this fill.
func (e *Engine) settleFill(ctx context.Context, tx pgx.Tx, aggressor *models.Order, f fill) error {
	buyerUser, sellerUser := aggressor.UserID, f.resting.UserID
	buyerOrder, sellerOrder := aggressor.ID, f.resting.ID
	if aggressor.Direction == models.Sell {
		buyerUser, sellerUser = sellerUser, buyerUser
		buyerOrder, sellerOrder = sellerOrder, buyerOrder
	}
	cost := f.qty * f.price

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	if _, err := e.db.CreateTransaction(ctx, sp, &models.Transaction{
		Ticker:        aggressor.Ticker,
		Amount:        f.qty,
		Price:         f.price,
		BuyerUserID:   buyerUser,
		SellerUserID:  sellerUser,
		BuyerOrderID:  buyerOrder,
		SellerOrderID: sellerOrder,
	}); err != nil {
		sp.Rollback(ctx)
		return err
	}

	if err := e.db.Withdraw(ctx, sp, buyerUser, models.CashTicker, cost); err != nil {
		sp.Rollback(ctx)
		return err
	}
	if err := e.db.Withdraw(ctx, sp, sellerUser, aggressor.Ticker, f.qty); err != nil {
		sp.Rollback(ctx)
		return err
	}
	if err := e.db.Deposit(ctx, sp, buyerUser, aggressor.Ticker, f.qty); err != nil {
		sp.Rollback(ctx)
		return err
	}
	if err := e.db.Deposit(ctx, sp, sellerUser, models.CashTicker, cost); err != nil {
		sp.Rollback(ctx)
		return err
	}

	return sp.Commit(ctx)
}

// balanceKeys lists every balance row a pass will touch: the cash and
// instrument balances of the aggressor's owner and of each matched
// counterparty.
func balanceKeys(aggressor *models.Order, fills []fill) []db.BalanceKey {
	seen := make(map[db.BalanceKey]bool)
	var keys []db.BalanceKey
	add := func(userID uuid.UUID, ticker string) {
		key := db.BalanceKey{UserID: userID, Ticker: ticker}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	add(aggressor.UserID, models.CashTicker)
	add(aggressor.UserID, aggressor.Ticker)
	for _, f := range fills {
		add(f.resting.UserID, models.CashTicker)
		add(f.resting.UserID, aggressor.Ticker)
	}
	return keys
}

// Cancel terminates an order that matching has not touched yet. Only
// NEW orders are cancellable; the underlying update is conditional, so
// racing against a concurrent fill yields exactly one winner.
func (e *Engine) Cancel(ctx context.Context, orderID, userID uuid.UUID) error {
	return e.db.CancelOrder(ctx, orderID, userID)
}

// OrderBook returns the aggregated depth of book for an instrument:
// the top depth bid and ask levels.
func (e *Engine) OrderBook(ctx context.Context, ticker string, depth int) (*models.OrderBook, error) {
	exists, err := e.db.InstrumentExists(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrInstrumentNotFound
	}

	bids, err := e.db.BookLevels(ctx, ticker, models.Buy, depth)
	if err != nil {
		return nil, err
	}
	asks, err := e.db.BookLevels(ctx, ticker, models.Sell, depth)
	if err != nil {
		return nil, err
	}

	if bids == nil {
		bids = []models.Level{}
	}
	if asks == nil {
		asks = []models.Level{}
	}
	return &models.OrderBook{BidLevels: bids, AskLevels: asks}, nil
}

// RecentTransactions returns the latest settlements on an instrument.
func (e *Engine) RecentTransactions(ctx context.Context, ticker string, limit int) ([]models.Transaction, error) {
	exists, err := e.db.InstrumentExists(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrInstrumentNotFound
	}
	return e.db.RecentTransactions(ctx, ticker, limit)
}

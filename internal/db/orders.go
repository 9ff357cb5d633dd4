package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const orderColumns = "id, user_id, ticker, direction, status, qty, filled, price, created_at"

// scanOrder reads one order row. A NULL price marks a market order.
func scanOrder(row pgx.Row) (*models.Order, error) {
	order := &models.Order{}
	var price *int64
	err := row.Scan(&order.ID, &order.UserID, &order.Ticker, &order.Direction,
		&order.Status, &order.Qty, &order.Filled, &price, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if price != nil {
		order.Kind = models.KindLimit
		order.Price = *price
	} else {
		order.Kind = models.KindMarket
	}
	return order, nil
}

// CreateOrder inserts a new order with status NEW and nothing filled
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	var price *int64
	if order.Kind == models.KindLimit {
		price = &order.Price
	}

	row := db.Pool.QueryRow(ctx, `
		INSERT INTO orders (user_id, ticker, direction, qty, price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+orderColumns,
		order.UserID, order.Ticker, order.Direction, order.Qty, price)

	created, err := scanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// GetOrder retrieves one order owned by the given user
func (db *DB) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		orderID, userID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// OppositeOrders returns the resting orders a new order can cross:
// open or partially executed priced orders on the other side of the
// book, best price first (ascending sell prices for a BUY aggressor,
// descending buy prices for a SELL aggressor), earliest creation time
// as the tie-break. For a limit aggressor only orders priced
// at-or-better than limitPrice are returned; a nil limitPrice (market
// aggressor) returns every eligible resting order.
//
// Rows are locked FOR UPDATE: the matching pass mutates this snapshot
// without re-reading it, so a concurrent cancel must block until the
// pass commits (and then observe the new status).
func (db *DB) OppositeOrders(ctx context.Context, q Querier, ticker string, aggressor models.Direction, limitPrice *int64) ([]models.Order, error) {
	query := `
		SELECT ` + orderColumns + ` FROM orders
		WHERE ticker = $1 AND direction = $2
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		  AND price IS NOT NULL`

	args := []any{ticker, aggressor.Opposite()}
	if limitPrice != nil {
		if aggressor == models.Buy {
			query += " AND price <= $3"
		} else {
			query += " AND price >= $3"
		}
		args = append(args, *limitPrice)
	}

	if aggressor == models.Buy {
		query += " ORDER BY price ASC, created_at ASC"
	} else {
		query += " ORDER BY price DESC, created_at ASC"
	}
	query += " FOR UPDATE"

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get opposite orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// UpdateOrderExecution persists the filled quantity and status of an
// order touched by a matching pass.
func (db *DB) UpdateOrderExecution(ctx context.Context, q Querier, orderID uuid.UUID, status models.OrderStatus, filled int64) error {
	_, err := q.Exec(ctx,
		"UPDATE orders SET status = $2, filled = $3 WHERE id = $1",
		orderID, status, filled)
	if err != nil {
		return fmt.Errorf("failed to update order execution: %w", err)
	}
	return nil
}

// SetOrderStatus overwrites only the status of an order.
func (db *DB) SetOrderStatus(ctx context.Context, q Querier, orderID uuid.UUID, status models.OrderStatus) error {
	_, err := q.Exec(ctx,
		"UPDATE orders SET status = $2 WHERE id = $1", orderID, status)
	if err != nil {
		return fmt.Errorf("failed to set order status: %w", err)
	}
	return nil
}

// CancelOrder cancels an order if it belongs to the user and has not
// been touched by matching. The status flip is conditional on the order
// still being NEW, so a cancel racing a concurrent fill resolves to
// exactly one winner: whichever transaction commits first.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ErrOrderNotFound
		}
		return fmt.Errorf("failed to get order: %w", err)
	}

	tag, err := tx.Exec(ctx,
		"UPDATE orders SET status = 'CANCELLED' WHERE id = $1 AND user_id = $2 AND status = 'NEW'",
		orderID, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotCancellable
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CommittedSellQty sums the unfilled quantity the user's open SELL
// orders on the ticker have already pledged.
func (db *DB) CommittedSellQty(ctx context.Context, q Querier, userID uuid.UUID, ticker string) (int64, error) {
	var committed int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(qty - filled), 0) FROM orders
		WHERE user_id = $1 AND ticker = $2 AND direction = 'SELL'
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED')
	`, userID, ticker).Scan(&committed)
	if err != nil {
		return 0, fmt.Errorf("failed to sum committed sell qty: %w", err)
	}
	return committed, nil
}

// CommittedBuyCash sums the cash the user's open BUY limit orders have
// already pledged across all instruments. Market buys carry no price
// and are excluded.
func (db *DB) CommittedBuyCash(ctx context.Context, q Querier, userID uuid.UUID) (int64, error) {
	var committed int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM((qty - filled) * price), 0) FROM orders
		WHERE user_id = $1 AND direction = 'BUY' AND price IS NOT NULL
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED')
	`, userID).Scan(&committed)
	if err != nil {
		return 0, fmt.Errorf("failed to sum committed buy cash: %w", err)
	}
	return committed, nil
}

// BookLevels aggregates the open quantity of eligible priced orders per
// price level. Bids come back sorted by descending price, asks by
// ascending price, at most limit levels.
func (db *DB) BookLevels(ctx context.Context, ticker string, direction models.Direction, limit int) ([]models.Level, error) {
	order := "ASC"
	if direction == models.Buy {
		order = "DESC"
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT price, SUM(qty) - SUM(filled) FROM orders
		WHERE ticker = $1 AND direction = $2
		  AND status IN ('NEW', 'PARTIALLY_EXECUTED')
		  AND price IS NOT NULL
		GROUP BY price
		ORDER BY price `+order+`
		LIMIT $3
	`, ticker, direction, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get book levels: %w", err)
	}
	defer rows.Close()

	var levels []models.Level
	for rows.Next() {
		var level models.Level
		if err := rows.Scan(&level.Price, &level.Qty); err != nil {
			return nil, fmt.Errorf("failed to scan level: %w", err)
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

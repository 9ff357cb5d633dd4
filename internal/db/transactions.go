package db

import (
	"context"
	"fmt"

	"github.com/avolokita/tochka-exchange/internal/models"
)

// CreateTransaction inserts the settlement record of one fill
func (db *DB) CreateTransaction(ctx context.Context, q Querier, t *models.Transaction) (*models.Transaction, error) {
	created := &models.Transaction{}
	err := q.QueryRow(ctx, `
		INSERT INTO transactions (ticker, amount, price, buyer_user_id, seller_user_id, buyer_order_id, seller_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, ticker, amount, price, buyer_user_id, seller_user_id, buyer_order_id, seller_order_id, executed_at
	`, t.Ticker, t.Amount, t.Price, t.BuyerUserID, t.SellerUserID, t.BuyerOrderID, t.SellerOrderID).Scan(
		&created.ID, &created.Ticker, &created.Amount, &created.Price,
		&created.BuyerUserID, &created.SellerUserID,
		&created.BuyerOrderID, &created.SellerOrderID, &created.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return created, nil
}

// RecentTransactions retrieves the latest settlements on the ticker,
// newest first.
func (db *DB) RecentTransactions(ctx context.Context, ticker string, limit int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, ticker, amount, price, buyer_user_id, seller_user_id, buyer_order_id, seller_order_id, executed_at
		FROM transactions
		WHERE ticker = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.Transaction
	for rows.Next() {
		var t models.Transaction
		err := rows.Scan(&t.ID, &t.Ticker, &t.Amount, &t.Price,
			&t.BuyerUserID, &t.SellerUserID, &t.BuyerOrderID, &t.SellerOrderID, &t.ExecutedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

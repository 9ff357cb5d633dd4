package db

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Deposit credits amount to the (user, ticker) balance, creating the
// row on first credit.
func (db *DB) Deposit(ctx context.Context, q Querier, userID uuid.UUID, ticker string, amount int64) error {
	_, err := q.Exec(ctx, `
		INSERT INTO balances (user_id, ticker, amount) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, ticker) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
	`, userID, ticker, amount)
	if err != nil {
		return fmt.Errorf("failed to deposit: %w", err)
	}
	return nil
}

// Withdraw debits amount from the (user, ticker) balance. The update is
// conditional on amount being covered: when the balance is short the
// statement affects zero rows and ErrInsufficientFunds is returned,
// leaving the balance untouched.
func (db *DB) Withdraw(ctx context.Context, q Querier, userID uuid.UUID, ticker string, amount int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE balances SET amount = amount - $3
		WHERE user_id = $1 AND ticker = $2 AND amount >= $3
	`, userID, ticker, amount)
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInsufficientFunds
	}
	return nil
}

// GetBalance returns the amount held; a missing row reads as zero.
func (db *DB) GetBalance(ctx context.Context, q Querier, userID uuid.UUID, ticker string) (int64, error) {
	var amount int64
	err := q.QueryRow(ctx,
		"SELECT amount FROM balances WHERE user_id = $1 AND ticker = $2",
		userID, ticker).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return amount, nil
}

// GetUserBalances retrieves all balances of a user keyed by ticker
func (db *DB) GetUserBalances(ctx context.Context, userID uuid.UUID) (map[string]int64, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT ticker, amount FROM balances WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var ticker string
		var amount int64
		if err := rows.Scan(&ticker, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances[ticker] = amount
	}
	return balances, rows.Err()
}

// BalanceKey identifies one balance row.
type BalanceKey struct {
	UserID uuid.UUID
	Ticker string
}

// LockBalances takes row-level locks on every listed balance inside the
// given transaction, creating missing rows first so there is always a
// row to lock. Keys are locked in (user_id, ticker) order; every
// concurrent match acquires its locks in the same order, which rules
// out deadlock between overlapping account pairs.
func (db *DB) LockBalances(ctx context.Context, tx pgx.Tx, keys []BalanceKey) error {
	sorted := make([]BalanceKey, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID.String() != sorted[j].UserID.String() {
			return sorted[i].UserID.String() < sorted[j].UserID.String()
		}
		return sorted[i].Ticker < sorted[j].Ticker
	})

	for _, key := range sorted {
		_, err := tx.Exec(ctx, `
			INSERT INTO balances (user_id, ticker, amount) VALUES ($1, $2, 0)
			ON CONFLICT (user_id, ticker) DO NOTHING
		`, key.UserID, key.Ticker)
		if err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}

		var amount int64
		err = tx.QueryRow(ctx,
			"SELECT amount FROM balances WHERE user_id = $1 AND ticker = $2 FOR UPDATE",
			key.UserID, key.Ticker).Scan(&amount)
		if err != nil {
			return fmt.Errorf("failed to lock balance row: %w", err)
		}
	}
	return nil
}

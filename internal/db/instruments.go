package db

import (
	"context"
	"fmt"

	"github.com/avolokita/tochka-exchange/internal/models"
)

// CreateInstrument inserts a new instrument, failing if the ticker is
// already taken.
func (db *DB) CreateInstrument(ctx context.Context, ticker, name string) error {
	tag, err := db.Pool.Exec(ctx,
		"INSERT INTO instruments (ticker, name) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		ticker, name)
	if err != nil {
		return fmt.Errorf("failed to create instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInstrumentExists
	}
	return nil
}

// ListInstruments retrieves all instruments
func (db *DB) ListInstruments(ctx context.Context) ([]models.Instrument, error) {
	rows, err := db.Pool.Query(ctx, "SELECT ticker, name FROM instruments ORDER BY ticker")
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var instruments []models.Instrument
	for rows.Next() {
		var in models.Instrument
		if err := rows.Scan(&in.Ticker, &in.Name); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		instruments = append(instruments, in)
	}
	return instruments, rows.Err()
}

// InstrumentExists reports whether the ticker is a known instrument
func (db *DB) InstrumentExists(ctx context.Context, ticker string) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM instruments WHERE ticker = $1)", ticker).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check instrument existence: %w", err)
	}
	return exists, nil
}

// DeleteInstrument removes an instrument; dependent balances, orders,
// and transactions are removed by cascade.
func (db *DB) DeleteInstrument(ctx context.Context, ticker string) error {
	tag, err := db.Pool.Exec(ctx, "DELETE FROM instruments WHERE ticker = $1", ticker)
	if err != nil {
		return fmt.Errorf("failed to delete instrument: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInstrumentNotFound
	}
	return nil
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, name string, role models.UserRole, apiKey string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (name, role, api_key) VALUES ($1, $2, $3) RETURNING id, name, role, api_key",
		name, role, apiKey).Scan(&user.ID, &user.Name, &user.Role, &user.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByAPIKey retrieves the user owning the given API key
func (db *DB) GetUserByAPIKey(ctx context.Context, apiKey string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, name, role, api_key FROM users WHERE api_key = $1",
		apiKey).Scan(&user.ID, &user.Name, &user.Role, &user.APIKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UserExists reports whether a user with the given id exists
func (db *DB) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

// DeleteUser removes a user; dependent balances, orders, and
// transactions are removed by cascade. Returns the deleted user.
func (db *DB) DeleteUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"DELETE FROM users WHERE id = $1 RETURNING id, name, role, api_key",
		userID).Scan(&user.ID, &user.Name, &user.Role, &user.APIKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to delete user: %w", err)
	}
	return user, nil
}

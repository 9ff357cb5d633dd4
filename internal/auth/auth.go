package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avolokita/tochka-exchange/internal/db"
	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthService issues and verifies API keys.
//
// A key is a signed token minted once at registration and presented on
// every request as "Authorization: TOKEN <key>". The signature check
// rejects malformed or forged keys without touching the database; the
// users table stays authoritative, so deleting a user revokes the key.
type AuthService struct {
	DB     *db.DB
	secret []byte
}

// NewAuthService creates a new auth service
func NewAuthService(db *db.DB, secret string) *AuthService {
	return &AuthService{DB: db, secret: []byte(secret)}
}

// Register creates a new user with a freshly minted API key
func (s *AuthService) Register(ctx context.Context, name string) (*models.User, error) {
	if len(name) < 3 {
		return nil, models.Validation("name must be at least 3 characters")
	}

	apiKey, err := s.mintKey(name)
	if err != nil {
		return nil, fmt.Errorf("failed to mint api key: %w", err)
	}

	user, err := s.DB.CreateUser(ctx, name, models.RoleUser, apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// mintKey signs a unique API key for a new user.
func (s *AuthService) mintKey(name string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"jti":  uuid.NewString(),
		"name": name,
		"iat":  time.Now().Unix(),
	})
	return token.SignedString(s.secret)
}

// Authenticate resolves an Authorization header value to a user.
// Accepts the "TOKEN <key>" scheme (and "Bearer" as an alias).
func (s *AuthService) Authenticate(ctx context.Context, authorization string) (*models.User, error) {
	scheme, key, found := strings.Cut(authorization, " ")
	if !found {
		return nil, models.ErrInvalidToken
	}
	switch strings.ToLower(scheme) {
	case "token", "bearer":
	default:
		return nil, models.ErrInvalidToken
	}

	token, err := jwt.Parse(key, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, models.ErrInvalidToken
	}

	user, err := s.DB.GetUserByAPIKey(ctx, key)
	if err != nil {
		return nil, models.ErrInvalidToken
	}
	return user, nil
}

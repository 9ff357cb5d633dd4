package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/avolokita/tochka-exchange/internal/db"
	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		os.Exit(m.Run())
	}

	var err error
	testDB, err = db.NewDB(context.Background(), connString)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close(context.Background())

	migration, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to read migration: %v\n", err)
		os.Exit(1)
	}
	_, err = testDB.Pool.Exec(context.Background(), string(migration))
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		fmt.Fprintf(os.Stderr, "Unable to apply migration: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("DATABASE_URL not set")
	}
	_, err := testDB.Pool.Exec(context.Background(),
		"TRUNCATE TABLE users, instruments, balances, orders, transactions CASCADE")
	require.NoError(t, err)
}

func TestRegister_NameTooShort(t *testing.T) {
	service := NewAuthService(nil, "test-secret")

	_, err := service.Register(context.Background(), "ab")
	var validationErr *models.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestAuthenticate_RejectsBadHeaders(t *testing.T) {
	service := NewAuthService(nil, "test-secret")
	ctx := context.Background()

	tests := []struct {
		name   string
		header string
	}{
		{"Empty", ""},
		{"NoScheme", "justakeynospace"},
		{"WrongScheme", "Basic dXNlcjpwYXNz"},
		{"GarbageToken", "TOKEN not-a-real-key"},
		{"EmptyToken", "TOKEN "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.Authenticate(ctx, tt.header)
			assert.ErrorIs(t, err, models.ErrInvalidToken)
		})
	}
}

func TestAuthenticate_RejectsForeignSignature(t *testing.T) {
	service := NewAuthService(nil, "test-secret")

	// Well-formed token signed with a different secret.
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"name": "mallory"})
	key, err := forged.SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = service.Authenticate(context.Background(), "TOKEN "+key)
	assert.ErrorIs(t, err, models.ErrInvalidToken)
}

func TestAuthenticate_RejectsUnsignedToken(t *testing.T) {
	service := NewAuthService(nil, "test-secret")

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"name": "mallory"})
	key, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.Authenticate(context.Background(), "TOKEN "+key)
	assert.ErrorIs(t, err, models.ErrInvalidToken)
}

func TestRegisterAuthenticate_Roundtrip(t *testing.T) {
	requireDB(t)
	service := NewAuthService(testDB, "test-secret")
	ctx := context.Background()

	user, err := service.Register(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, user.Role)
	assert.NotEmpty(t, user.APIKey)

	got, err := service.Authenticate(ctx, "TOKEN "+user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	// Scheme is case-insensitive and Bearer works as an alias.
	got, err = service.Authenticate(ctx, "token "+user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	got, err = service.Authenticate(ctx, "Bearer "+user.APIKey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestAuthenticate_RevokedAfterUserDeleted(t *testing.T) {
	requireDB(t)
	service := NewAuthService(testDB, "test-secret")
	ctx := context.Background()

	user, err := service.Register(ctx, "alice")
	require.NoError(t, err)

	_, err = testDB.DeleteUser(ctx, user.ID)
	require.NoError(t, err)

	_, err = service.Authenticate(ctx, "TOKEN "+user.APIKey)
	assert.ErrorIs(t, err, models.ErrInvalidToken)
}

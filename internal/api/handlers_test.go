package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/avolokita/tochka-exchange/internal/auth"
	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withUser injects an authenticated user the way AuthMiddleware does,
// so validation paths can be exercised without a database.
func withUser(r *http.Request, user *models.User) *http.Request {
	ctx := context.WithValue(r.Context(), userContextKey, user)
	return r.WithContext(ctx)
}

func testUser() *models.User {
	return &models.User{ID: uuid.New(), Name: "alice", Role: models.RoleUser}
}

func decodeDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Detail
}

func TestPlaceOrder_Validation(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"MalformedBody", `{not json`, "invalid request body"},
		{"LowercaseTicker", `{"ticker":"aaa","direction":"BUY","qty":1}`, "ticker must match ^[A-Z]{2,10}$"},
		{"TickerTooShort", `{"ticker":"A","direction":"BUY","qty":1}`, "ticker must match ^[A-Z]{2,10}$"},
		{"TickerTooLong", `{"ticker":"ABCDEFGHIJK","direction":"BUY","qty":1}`, "ticker must match ^[A-Z]{2,10}$"},
		{"BadDirection", `{"ticker":"AAA","direction":"HOLD","qty":1}`, "direction must be BUY or SELL"},
		{"ZeroQty", `{"ticker":"AAA","direction":"BUY","qty":0}`, "qty must be at least 1"},
		{"NegativeQty", `{"ticker":"AAA","direction":"SELL","qty":-5}`, "qty must be at least 1"},
		{"ZeroPrice", `{"ticker":"AAA","direction":"BUY","qty":1,"price":0}`, "price must be positive"},
		{"NegativePrice", `{"ticker":"AAA","direction":"BUY","qty":1,"price":-10}`, "price must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/order", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.PlaceOrder(rec, withUser(req, testUser()))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.detail, decodeDetail(t, rec))
		})
	}
}

func TestRegister_Validation(t *testing.T) {
	h := NewHandler(nil, nil, auth.NewAuthService(nil, "test-secret"))

	t.Run("MalformedBody", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/register", strings.NewReader(`{`))
		rec := httptest.NewRecorder()

		h.Register(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("NameTooShort", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/register", strings.NewReader(`{"name":"ab"}`))
		rec := httptest.NewRecorder()

		h.Register(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "name must be at least 3 characters", decodeDetail(t, rec))
	})
}

func TestAuthMiddleware(t *testing.T) {
	h := NewHandler(nil, nil, auth.NewAuthService(nil, "test-secret"))
	router := h.Routes()

	t.Run("MissingHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/balance", nil)
		req.Header.Set("Authorization", "TOKEN not-a-key")
		rec := httptest.NewRecorder()

		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestAdminMiddleware(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	})
	wrapped := h.AdminMiddleware(next)

	t.Run("RegularUser", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/instrument", nil)
		rec := httptest.NewRecorder()

		wrapped.ServeHTTP(rec, withUser(req, testUser()))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.False(t, nextCalled)
	})

	t.Run("Admin", func(t *testing.T) {
		admin := &models.User{ID: uuid.New(), Name: "root", Role: models.RoleAdmin}
		req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/instrument", nil)
		rec := httptest.NewRecorder()

		wrapped.ServeHTTP(rec, withUser(req, admin))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, nextCalled)
	})
}

func TestOrderLookup_InvalidID(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	// Without a route context the order_id param is empty, which must
	// fail parsing rather than hit storage.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/order/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	h.GetOrder(rec, withUser(req, testUser()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/order/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	h.CancelOrder(rec, withUser(req, testUser()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateInstrument_Validation(t *testing.T) {
	h := NewHandler(nil, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"MalformedBody", `not json`},
		{"BadTicker", `{"ticker":"x","name":"X Coin"}`},
		{"MissingName", `{"ticker":"XX"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/instrument", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			h.CreateInstrument(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"Validation", models.Validation("bad input"), http.StatusBadRequest},
		{"InvalidToken", models.ErrInvalidToken, http.StatusForbidden},
		{"UserNotFound", models.ErrUserNotFound, http.StatusNotFound},
		{"InstrumentNotFound", models.ErrInstrumentNotFound, http.StatusNotFound},
		{"OrderNotFound", models.ErrOrderNotFound, http.StatusNotFound},
		{"InstrumentExists", models.ErrInstrumentExists, http.StatusConflict},
		{"InsufficientFunds", models.ErrInsufficientFunds, http.StatusConflict},
		{"NotCancellable", models.ErrNotCancellable, http.StatusConflict},
		{"Unknown", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteDomainError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestViewOrder(t *testing.T) {
	order := &models.Order{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Ticker:    "AAA",
		Direction: models.Buy,
		Kind:      models.KindLimit,
		Qty:       10,
		Filled:    3,
		Price:     50,
		Status:    models.StatusPartiallyExecuted,
	}

	view := viewOrder(order)
	assert.Equal(t, order.ID, view.ID)
	require.NotNil(t, view.Body.Price)
	assert.Equal(t, int64(50), *view.Body.Price)

	// Market orders expose no price at all.
	order.Kind = models.KindMarket
	order.Price = 0
	view = viewOrder(order)
	assert.Nil(t, view.Body.Price)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/avolokita/tochka-exchange/internal/auth"
	"github.com/avolokita/tochka-exchange/internal/db"
	"github.com/avolokita/tochka-exchange/internal/exchange"
	"github.com/avolokita/tochka-exchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var tickerPattern = regexp.MustCompile(`^[A-Z]{2,10}$`)

type contextKey int

const userContextKey contextKey = iota

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *exchange.Engine
	AuthService *auth.AuthService
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, engine *exchange.Engine, authService *auth.AuthService) *Handler {
	return &Handler{DB: db, Engine: engine, AuthService: authService}
}

// Routes mounts every endpoint under /api/v1.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Post("/public/register", h.Register)
		r.Get("/public/instrument", h.ListInstruments)
		r.Get("/public/orderbook/{ticker}", h.GetOrderBook)
		r.Get("/public/transactions/{ticker}", h.GetTransactions)

		// Authenticated endpoints
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)
			r.Get("/balance", h.GetBalance)
			r.Post("/order", h.PlaceOrder)
			r.Get("/order", h.GetUserOrders)
			r.Get("/order/{order_id}", h.GetOrder)
			r.Delete("/order/{order_id}", h.CancelOrder)
		})

		// Admin endpoints
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware, h.AdminMiddleware)
			r.Post("/admin/instrument", h.CreateInstrument)
			r.Delete("/admin/instrument/{ticker}", h.DeleteInstrument)
			r.Delete("/admin/user/{user_id}", h.DeleteUser)
			r.Post("/admin/balance/deposit", h.AdminDeposit)
			r.Post("/admin/balance/withdraw", h.AdminWithdraw)
		})
	})

	return r
}

// AuthMiddleware resolves the Authorization header to a user and adds
// it to the request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			WriteError(w, http.StatusUnauthorized, "authorization required")
			return
		}

		user, err := h.AuthService.Authenticate(r.Context(), header)
		if err != nil {
			WriteError(w, http.StatusForbidden, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware rejects non-admin users.
func (h *Handler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := userFrom(r)
		if !ok || user.Role != models.RoleAdmin {
			WriteError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) (*models.User, bool) {
	user, ok := r.Context().Value(userContextKey).(*models.User)
	return user, ok
}

// Register handles user registration and returns the new user with a
// fresh API key.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Name)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, user)
}

// GetBalance returns every balance of the caller keyed by ticker.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	balances, err := h.DB.GetUserBalances(r.Context(), user.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, balances)
}

// orderBody is the client-supplied part of an order.
type orderBody struct {
	Ticker    string           `json:"ticker"`
	Direction models.Direction `json:"direction"`
	Qty       int64            `json:"qty"`
	Price     *int64           `json:"price,omitempty"`
}

// orderView is the public representation of an order.
type orderView struct {
	ID        uuid.UUID          `json:"id"`
	Status    models.OrderStatus `json:"status"`
	UserID    uuid.UUID          `json:"user_id"`
	Timestamp time.Time          `json:"timestamp"`
	Filled    int64              `json:"filled"`
	Body      orderBody          `json:"body"`
}

func viewOrder(order *models.Order) orderView {
	body := orderBody{
		Ticker:    order.Ticker,
		Direction: order.Direction,
		Qty:       order.Qty,
	}
	if order.Kind == models.KindLimit {
		price := order.Price
		body.Price = &price
	}
	return orderView{
		ID:        order.ID,
		Status:    order.Status,
		UserID:    order.UserID,
		Timestamp: order.CreatedAt,
		Filled:    order.Filled,
		Body:      body,
	}
}

// PlaceOrder validates a new order and hands it to the matching
// engine. A present price makes it a limit order; absent means market.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)

	var req orderBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !tickerPattern.MatchString(req.Ticker) {
		WriteError(w, http.StatusBadRequest, "ticker must match ^[A-Z]{2,10}$")
		return
	}
	if req.Direction != models.Buy && req.Direction != models.Sell {
		WriteError(w, http.StatusBadRequest, "direction must be BUY or SELL")
		return
	}
	if req.Qty < 1 {
		WriteError(w, http.StatusBadRequest, "qty must be at least 1")
		return
	}
	if req.Price != nil && *req.Price <= 0 {
		WriteError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	order := &models.Order{
		UserID:    user.ID,
		Ticker:    req.Ticker,
		Direction: req.Direction,
		Kind:      models.KindMarket,
		Qty:       req.Qty,
	}
	if req.Price != nil {
		order.Kind = models.KindLimit
		order.Price = *req.Price
	}

	placed, err := h.Engine.SubmitAndMatch(r.Context(), order)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"order_id": placed.ID,
	})
}

// GetUserOrders retrieves the caller's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	orders, err := h.DB.GetUserOrders(r.Context(), user.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, viewOrder(&orders[i]))
	}
	WriteJSON(w, http.StatusOK, views)
}

// GetOrder retrieves one of the caller's orders
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := h.DB.GetOrder(r.Context(), orderID, user.ID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOrder(order))
}

// CancelOrder cancels one of the caller's NEW orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r)
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	if err := h.Engine.Cancel(r.Context(), orderID, user.ID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetOrderBook returns aggregated depth-of-book levels for a ticker
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if !tickerPattern.MatchString(ticker) {
		WriteError(w, http.StatusBadRequest, "ticker must match ^[A-Z]{2,10}$")
		return
	}

	depth := queryInt(r, "limit", 10)
	book, err := h.Engine.OrderBook(r.Context(), ticker, depth)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, book)
}

// GetTransactions returns the latest settlements on a ticker
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if !tickerPattern.MatchString(ticker) {
		WriteError(w, http.StatusBadRequest, "ticker must match ^[A-Z]{2,10}$")
		return
	}

	limit := queryInt(r, "limit", 10)
	transactions, err := h.Engine.RecentTransactions(r.Context(), ticker, limit)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	WriteJSON(w, http.StatusOK, transactions)
}

// CreateInstrument registers a new tradable instrument
func (h *Handler) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req models.Instrument
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !tickerPattern.MatchString(req.Ticker) {
		WriteError(w, http.StatusBadRequest, "ticker must match ^[A-Z]{2,10}$")
		return
	}
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.DB.CreateInstrument(r.Context(), req.Ticker, req.Name); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListInstruments returns every known instrument
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.DB.ListInstruments(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if instruments == nil {
		instruments = []models.Instrument{}
	}
	WriteJSON(w, http.StatusOK, instruments)
}

// DeleteInstrument removes an instrument and everything depending on it
func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	if !tickerPattern.MatchString(ticker) {
		WriteError(w, http.StatusBadRequest, "ticker must match ^[A-Z]{2,10}$")
		return
	}

	if err := h.DB.DeleteInstrument(r.Context(), ticker); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteUser removes a user and everything depending on them
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "user_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	deleted, err := h.DB.DeleteUser(r.Context(), userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, deleted)
}

type balanceChangeRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

// validateBalanceChange checks the shared preconditions of the admin
// deposit and withdraw endpoints.
func (h *Handler) validateBalanceChange(r *http.Request, req *balanceChangeRequest) error {
	if !tickerPattern.MatchString(req.Ticker) {
		return models.Validation("ticker must match ^[A-Z]{2,10}$")
	}
	if req.Amount < 1 {
		return models.Validation("amount must be at least 1")
	}

	exists, err := h.DB.UserExists(r.Context(), req.UserID)
	if err != nil {
		return err
	}
	if !exists {
		return models.ErrUserNotFound
	}

	exists, err = h.DB.InstrumentExists(r.Context(), req.Ticker)
	if err != nil {
		return err
	}
	if !exists {
		return models.ErrInstrumentNotFound
	}
	return nil
}

// AdminDeposit credits a user's balance
func (h *Handler) AdminDeposit(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validateBalanceChange(r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.DB.Deposit(r.Context(), h.DB.Pool, req.UserID, req.Ticker, req.Amount); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// AdminWithdraw debits a user's balance; fails when funds are short
func (h *Handler) AdminWithdraw(w http.ResponseWriter, r *http.Request) {
	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validateBalanceChange(r, &req); err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.DB.Withdraw(r.Context(), h.DB.Pool, req.UserID, req.Ticker, req.Amount); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return defaultVal
	}
	return n
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole separates regular traders from administrators.
type UserRole string

const (
	RoleUser  UserRole = "USER"
	RoleAdmin UserRole = "ADMIN"
)

// CashTicker is the instrument every trade settles against.
const CashTicker = "RUB"

// User represents a registered account
type User struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Role   UserRole  `json:"role"`
	APIKey string    `json:"api_key"`
}

// Instrument is a tradable asset identified by its ticker
type Instrument struct {
	Ticker string `json:"ticker"`
	Name   string `json:"name"`
}

// Balance is the amount of one instrument held by one user
type Balance struct {
	UserID uuid.UUID
	Ticker string
	Amount int64
}

// Direction indicates whether an order buys or sells the instrument.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Opposite returns the other side of the book.
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// OrderKind distinguishes limit orders from market orders.
type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindMarket OrderKind = "MARKET"
)

// OrderStatus represents the lifecycle state of an order.
// NEW and PARTIALLY_EXECUTED orders rest on the book; EXECUTED and
// CANCELLED are terminal.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Open reports whether an order in this status is still eligible for
// matching.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyExecuted
}

// Order represents a buy or sell instruction.
// Price is meaningful only when Kind is KindLimit; market orders carry
// no price and never rest on the book.
type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Ticker    string
	Direction Direction
	Kind      OrderKind
	Status    OrderStatus
	Qty       int64
	Filled    int64
	Price     int64     // limit price, unset for market orders
	CreatedAt time.Time // used for time priority
}

// Remaining is the quantity still open for matching.
func (o *Order) Remaining() int64 {
	return o.Qty - o.Filled
}

// Transaction is the settlement record of a single fill. Rows are
// append-only and immutable.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	Ticker        string    `json:"ticker"`
	Amount        int64     `json:"amount"`
	Price         int64     `json:"price"`
	BuyerUserID   uuid.UUID `json:"-"`
	SellerUserID  uuid.UUID `json:"-"`
	BuyerOrderID  uuid.UUID `json:"-"`
	SellerOrderID uuid.UUID `json:"-"`
	ExecutedAt    time.Time `json:"timestamp"`
}

// Level is one aggregated price level of the order book.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// OrderBook is the public depth-of-book view: bids sorted by
// descending price, asks by ascending price.
type OrderBook struct {
	BidLevels []Level `json:"bid_levels"`
	AskLevels []Level `json:"ask_levels"`
}

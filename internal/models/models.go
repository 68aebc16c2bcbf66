package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Direction is the side of a standing offer
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == Buy || d == Sell
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderActive    OrderStatus = "active"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderActive, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// Order represents a standing buy or sell offer
type Order struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Type          Direction       `json:"order_type"`
	Crypto        string          `json:"cryptocurrency"`
	Fiat          string          `json:"fiat_currency"`
	Amount        decimal.Decimal `json:"amount"` // remaining tradable amount
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	TotalValue    decimal.Decimal `json:"total_value"`
	PaymentMethod string          `json:"payment_method"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TradeStatus is a state of the escrow state machine
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeEscrowed  TradeStatus = "escrowed"
	TradeCompleted TradeStatus = "completed"
	TradeDisputed  TradeStatus = "disputed"
	TradeCancelled TradeStatus = "cancelled"
)

// Valid reports whether s is a known trade status
func (s TradeStatus) Valid() bool {
	switch s {
	case TradePending, TradeEscrowed, TradeCompleted, TradeDisputed, TradeCancelled:
		return true
	}
	return false
}

// Trade represents one execution against an order
type Trade struct {
	ID               int64           `json:"id"`
	OrderID          int64           `json:"order_id"`
	BuyerID          int64           `json:"buyer_id"`
	SellerID         int64           `json:"seller_id"`
	Amount           decimal.Decimal `json:"amount"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	TotalValue       decimal.Decimal `json:"total_value"`
	Status           TradeStatus     `json:"status"`
	EscrowAddress    string          `json:"escrow_address"`
	PaymentConfirmed bool            `json:"payment_confirmed"`
	CryptoReleased   bool            `json:"crypto_released"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or the seller
func (t *Trade) IsParty(userID int64) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// OrderFilter scopes order listings. Zero values mean "any".
type OrderFilter struct {
	ActiveOnly bool
	Type       Direction
	Crypto     string
	Fiat       string
	UserID     int64
}

// TradeFilter scopes trade listings. Zero values mean "any".
type TradeFilter struct {
	UserID int64 // buyer or seller
	Status TradeStatus
	// OrderID restricts to trades against one order
	OrderID int64
}

// TradeEvent is an input to the trade state machine
type TradeEvent string

const (
	EventCreate         TradeEvent = "create"
	EventConfirmPayment TradeEvent = "confirm_payment"
	EventReleaseFunds   TradeEvent = "release_crypto"
	EventDispute        TradeEvent = "dispute"
	EventCancel         TradeEvent = "cancel"
)

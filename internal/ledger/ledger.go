// Package ledger owns order records and their remaining tradable amount.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// Ledger manages orders
type Ledger struct {
	store db.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a ledger backed by store
func New(store db.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateOrderParams describes a new standing offer
type CreateOrderParams struct {
	Owner         int64
	Direction     models.Direction
	CryptoSymbol  string
	FiatSymbol    string
	Amount        decimal.Decimal
	UnitPrice     decimal.Decimal
	PaymentMethod string
}

func (p *CreateOrderParams) normalize() {
	p.Direction = models.Direction(strings.ToLower(strings.TrimSpace(string(p.Direction))))
	p.CryptoSymbol = strings.ToUpper(strings.TrimSpace(p.CryptoSymbol))
	p.FiatSymbol = strings.ToUpper(strings.TrimSpace(p.FiatSymbol))
	p.PaymentMethod = strings.TrimSpace(p.PaymentMethod)
}

func (p CreateOrderParams) validate() error {
	switch {
	case p.Owner == 0:
		return apperr.Validation("missing field: user_id")
	case p.Direction == "":
		return apperr.Validation("missing field: order_type")
	case !p.Direction.Valid():
		return apperr.Validation("order_type must be 'buy' or 'sell'")
	case p.CryptoSymbol == "":
		return apperr.Validation("missing field: cryptocurrency")
	case p.FiatSymbol == "":
		return apperr.Validation("missing field: fiat_currency")
	case p.PaymentMethod == "":
		return apperr.Validation("missing field: payment_method")
	case !p.Amount.IsPositive():
		return apperr.Validation("amount must be positive")
	case !p.UnitPrice.IsPositive():
		return apperr.Validation("price_per_unit must be positive")
	}
	if err := CheckQuantity("amount", p.Amount); err != nil {
		return err
	}
	return CheckQuantity("price_per_unit", p.UnitPrice)
}

// Create posts a new active order
func (l *Ledger) Create(ctx context.Context, p CreateOrderParams) (*models.Order, error) {
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	total, err := TotalValue(p.Amount, p.UnitPrice)
	if err != nil {
		return nil, err
	}

	var created *models.Order
	err = l.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		exists, err := tx.UserExists(ctx, p.Owner)
		if err != nil {
			return apperr.Persistence("check user", err)
		}
		if !exists {
			return apperr.NotFound("user not found")
		}

		now := l.now()
		created, err = tx.InsertOrder(ctx, &models.Order{
			UserID:        p.Owner,
			Type:          p.Direction,
			Crypto:        p.CryptoSymbol,
			Fiat:          p.FiatSymbol,
			Amount:        p.Amount,
			PricePerUnit:  p.UnitPrice,
			TotalValue:    total,
			PaymentMethod: p.PaymentMethod,
			Status:        models.OrderActive,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return apperr.Persistence("insert order", err)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("order transaction", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(created.Type)).Inc()
	l.log.Info("order created",
		zap.Int64("order_id", created.ID),
		zap.Int64("user_id", created.UserID),
		zap.String("type", string(created.Type)),
		zap.String("pair", created.Crypto+"/"+created.Fiat),
		zap.String("amount", created.Amount.String()))
	return created, nil
}

// Debit reserves amount from an active order inside the caller's
// transaction. The order row is locked for the rest of tx.
func (l *Ledger) Debit(ctx context.Context, tx db.Tx, orderID int64, amount decimal.Decimal) (*models.Order, error) {
	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderActive {
		return nil, apperr.Validation("order is not active")
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	if amount.GreaterThan(order.Amount) {
		return nil, apperr.Validation("trade amount exceeds order amount")
	}

	order.Amount = order.Amount.Sub(amount)
	if !order.Amount.IsPositive() {
		order.Status = models.OrderCompleted
	}
	order.UpdatedAt = l.now()

	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, apperr.Persistence("update order", err)
	}
	return order, nil
}

// Credit returns amount to an order inside the caller's transaction. A
// completed order becomes active again; a cancelled one stays cancelled.
func (l *Ledger) Credit(ctx context.Context, tx db.Tx, orderID int64, amount decimal.Decimal) (*models.Order, error) {
	if !amount.IsPositive() {
		return nil, apperr.Validation("amount must be positive")
	}
	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	order.Amount = order.Amount.Add(amount)
	if order.Status == models.OrderCompleted {
		order.Status = models.OrderActive
	}
	order.UpdatedAt = l.now()

	if err := tx.UpdateOrder(ctx, order); err != nil {
		return nil, apperr.Persistence("update order", err)
	}
	return order, nil
}

// OrderUpdate is an administrative correction. Nil fields are left alone.
type OrderUpdate struct {
	Status    *models.OrderStatus
	Amount    *decimal.Decimal
	UnitPrice *decimal.Decimal
}

// Update applies an administrative correction. Cancelled orders are frozen,
// and an order left active must keep a positive amount.
func (l *Ledger) Update(ctx context.Context, orderID int64, u OrderUpdate) (*models.Order, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, apperr.Validation("invalid status %q", string(*u.Status))
	}
	if u.Amount != nil {
		if u.Amount.IsNegative() {
			return nil, apperr.Validation("amount must not be negative")
		}
		if err := CheckQuantity("amount", *u.Amount); err != nil {
			return nil, err
		}
	}
	if u.UnitPrice != nil {
		if !u.UnitPrice.IsPositive() {
			return nil, apperr.Validation("price_per_unit must be positive")
		}
		if err := CheckQuantity("price_per_unit", *u.UnitPrice); err != nil {
			return nil, err
		}
	}

	var updated *models.Order
	err := l.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderCancelled {
			return apperr.InvalidState("cancelled orders cannot be edited")
		}

		if u.Status != nil {
			order.Status = *u.Status
		}
		if u.Amount != nil {
			order.Amount = *u.Amount
		}
		if u.UnitPrice != nil {
			order.PricePerUnit = *u.UnitPrice
		}
		if u.Amount != nil || u.UnitPrice != nil {
			if order.TotalValue, err = TotalValue(order.Amount, order.PricePerUnit); err != nil {
				return err
			}
		}
		if order.Status == models.OrderActive && !order.Amount.IsPositive() {
			return apperr.Validation("an active order must have a positive amount")
		}
		order.UpdatedAt = l.now()

		if err := tx.UpdateOrder(ctx, order); err != nil {
			return apperr.Persistence("update order", err)
		}
		updated = order
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("order transaction", err)
	}
	return updated, nil
}

// Cancel soft-cancels an order. Cancelling twice is a no-op.
func (l *Ledger) Cancel(ctx context.Context, orderID int64) (*models.Order, error) {
	var (
		cancelled *models.Order
		changed   bool
	)
	err := l.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		order, err := lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		cancelled = order
		if order.Status == models.OrderCancelled {
			return nil
		}

		order.Status = models.OrderCancelled
		order.UpdatedAt = l.now()
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return apperr.Persistence("update order", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("order transaction", err)
	}

	if changed {
		metrics.OrdersCancelled.Inc()
		l.log.Info("order cancelled", zap.Int64("order_id", orderID))
	}
	return cancelled, nil
}

// Get retrieves an order by id
func (l *Ledger) Get(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := l.store.GetOrder(ctx, orderID, false)
	if err != nil {
		return nil, notFoundOr(err, "order not found", "get order")
	}
	return order, nil
}

// List retrieves orders matching filter, newest first. Symbols and direction
// are matched case-insensitively.
func (l *Ledger) List(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	f.Type = models.Direction(strings.ToLower(string(f.Type)))
	f.Crypto = strings.ToUpper(f.Crypto)
	f.Fiat = strings.ToUpper(f.Fiat)

	orders, err := l.store.ListOrders(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list orders", err)
	}
	return orders, nil
}

// ListByUser retrieves every order owned by userID, newest first
func (l *Ledger) ListByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	exists, err := l.store.UserExists(ctx, userID)
	if err != nil {
		return nil, apperr.Persistence("check user", err)
	}
	if !exists {
		return nil, apperr.NotFound("user not found")
	}
	return l.List(ctx, models.OrderFilter{UserID: userID})
}

func lockOrder(ctx context.Context, tx db.Tx, orderID int64) (*models.Order, error) {
	order, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return nil, notFoundOr(err, "order not found", "get order")
	}
	return order, nil
}

func notFoundOr(err error, msg, op string) error {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound("%s", msg)
	}
	return apperr.Persistence(op, err)
}

// Package trading creates trades against orders and drives them through the
// escrow state machine:
//
//	pending -> escrowed -> completed
//	pending|escrowed -> disputed
//	pending -> cancelled (amount returned to the order)
//
// The order amount is reserved when the trade is created, so an order's
// remaining amount always reflects outstanding commitments.
package trading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/metrics"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/policy"
)

// Engine runs the trade lifecycle
type Engine struct {
	store     db.Store
	ledger    *ledger.Ledger
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine. publisher may be nil.
func NewEngine(store db.Store, l *ledger.Ledger, publisher events.Publisher, log *zap.Logger) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Engine{
		store:     store,
		ledger:    l,
		publisher: publisher,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// NewEscrowAddress returns an opaque escrow token
func NewEscrowAddress() string {
	return "escrow_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CreateTradeParams describes a trade request against an order
type CreateTradeParams struct {
	OrderID     int64
	RequesterID int64
	Amount      decimal.Decimal
}

// CreateTrade reserves amount on the order and opens a pending trade. The
// order owner takes the side of the order and the requester the other one.
func (e *Engine) CreateTrade(ctx context.Context, p CreateTradeParams) (*models.Trade, error) {
	start := time.Now()
	switch {
	case p.OrderID == 0:
		return nil, e.reject(models.EventCreate, apperr.Validation("missing field: order_id"))
	case p.RequesterID == 0:
		return nil, e.reject(models.EventCreate, apperr.Validation("missing field: buyer_id"))
	case !p.Amount.IsPositive():
		return nil, e.reject(models.EventCreate, apperr.Validation("amount must be positive"))
	}
	if err := ledger.CheckQuantity("amount", p.Amount); err != nil {
		return nil, e.reject(models.EventCreate, err)
	}

	var (
		trade *models.Trade
		order *models.Order
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		current, err := tx.GetOrder(ctx, p.OrderID, true)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.NotFound("order not found")
			}
			return apperr.Persistence("get order", err)
		}
		if current.Status != models.OrderActive {
			return apperr.Validation("order is not active")
		}

		exists, err := tx.UserExists(ctx, p.RequesterID)
		if err != nil {
			return apperr.Persistence("check user", err)
		}
		if !exists {
			return apperr.NotFound("buyer not found")
		}
		if p.RequesterID == current.UserID {
			return apperr.Validation("cannot trade against your own order")
		}

		order, err = e.ledger.Debit(ctx, tx, p.OrderID, p.Amount)
		if err != nil {
			return err
		}

		buyer, seller := p.RequesterID, order.UserID
		if order.Type == models.Buy {
			buyer, seller = order.UserID, p.RequesterID
		}

		total, err := ledger.TotalValue(p.Amount, order.PricePerUnit)
		if err != nil {
			return err
		}

		now := e.now()
		trade, err = tx.InsertTrade(ctx, &models.Trade{
			OrderID:       order.ID,
			BuyerID:       buyer,
			SellerID:      seller,
			Amount:        p.Amount,
			PricePerUnit:  order.PricePerUnit,
			TotalValue:    total,
			Status:        models.TradePending,
			EscrowAddress: NewEscrowAddress(),
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return apperr.Persistence("insert trade", err)
		}
		return nil
	})
	if err != nil {
		return nil, e.reject(models.EventCreate, apperr.Persistence("trade transaction", err))
	}

	e.observe(models.EventCreate, trade, start)
	e.log.Info("trade created",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("order_id", trade.OrderID),
		zap.Int64("buyer_id", trade.BuyerID),
		zap.Int64("seller_id", trade.SellerID),
		zap.String("amount", trade.Amount.String()),
		zap.String("order_remaining", order.Amount.String()))
	e.publish(ctx, events.TradeCreated, trade, order)
	return trade, nil
}

// ConfirmPayment is fired by the buyer once fiat has been sent
func (e *Engine) ConfirmPayment(ctx context.Context, tradeID, userID int64) (*models.Trade, error) {
	return e.fire(ctx, models.EventConfirmPayment, tradeID, userID)
}

// ReleaseFunds is fired by the seller once fiat has been received
func (e *Engine) ReleaseFunds(ctx context.Context, tradeID, userID int64) (*models.Trade, error) {
	return e.fire(ctx, models.EventReleaseFunds, tradeID, userID)
}

// Dispute hands the trade over to manual resolution
func (e *Engine) Dispute(ctx context.Context, tradeID, userID int64) (*models.Trade, error) {
	return e.fire(ctx, models.EventDispute, tradeID, userID)
}

// CancelTrade cancels a pending trade and returns its amount to the order
func (e *Engine) CancelTrade(ctx context.Context, tradeID, userID int64) (*models.Trade, error) {
	return e.fire(ctx, models.EventCancel, tradeID, userID)
}

// fire applies ev to a trade under a row lock. The actor is checked before
// the state so a stranger learns nothing about the trade's status.
func (e *Engine) fire(ctx context.Context, ev models.TradeEvent, tradeID, userID int64) (*models.Trade, error) {
	start := time.Now()
	var (
		trade *models.Trade
		order *models.Order
	)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		current, err := tx.GetTrade(ctx, tradeID, true)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return apperr.NotFound("trade not found")
			}
			return apperr.Persistence("get trade", err)
		}

		if err := policy.Authorize(ev, current, userID); err != nil {
			return err
		}
		next, err := Next(current.Status, ev)
		if err != nil {
			return err
		}

		if ev == models.EventCancel {
			order, err = e.ledger.Credit(ctx, tx, current.OrderID, current.Amount)
			if err != nil {
				return err
			}
		}

		if apply := transitions[ev].apply; apply != nil {
			apply(current)
		}
		current.Status = next
		current.UpdatedAt = e.now()
		if err := tx.UpdateTrade(ctx, current); err != nil {
			return apperr.Persistence("update trade", err)
		}
		trade = current
		return nil
	})
	if err != nil {
		err = e.reject(ev, apperr.Persistence("trade transaction", err))
		e.log.Debug("trade transition rejected",
			zap.Int64("trade_id", tradeID),
			zap.Int64("user_id", userID),
			zap.String("event", string(ev)),
			zap.Error(err))
		return nil, err
	}

	e.observe(ev, trade, start)
	e.log.Info("trade transitioned",
		zap.Int64("trade_id", trade.ID),
		zap.Int64("user_id", userID),
		zap.String("event", string(ev)),
		zap.String("status", string(trade.Status)))
	e.publish(ctx, events.ForTradeStatus(trade.Status), trade, order)
	return trade, nil
}

// Get retrieves a trade by id
func (e *Engine) Get(ctx context.Context, tradeID int64) (*models.Trade, error) {
	trade, err := e.store.GetTrade(ctx, tradeID, false)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, apperr.NotFound("trade not found")
		}
		return nil, apperr.Persistence("get trade", err)
	}
	return trade, nil
}

// List retrieves trades matching filter, newest first
func (e *Engine) List(ctx context.Context, f models.TradeFilter) ([]models.Trade, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.Validation("invalid status %q", string(f.Status))
	}
	trades, err := e.store.ListTrades(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list trades", err)
	}
	return trades, nil
}

func (e *Engine) reject(ev models.TradeEvent, err error) error {
	metrics.TradeRejections.WithLabelValues(string(ev), apperr.From(err).Kind.String()).Inc()
	return err
}

func (e *Engine) observe(ev models.TradeEvent, t *models.Trade, start time.Time) {
	metrics.TradeTransitions.WithLabelValues(string(ev), string(t.Status)).Inc()
	metrics.TradeLatency.WithLabelValues(string(ev)).Observe(time.Since(start).Seconds())
}

// publish is best effort; the state change is already committed
func (e *Engine) publish(ctx context.Context, typ events.Type, t *models.Trade, o *models.Order) {
	ev := events.Event{Type: typ, Trade: t, Order: o, At: e.now()}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.log.Warn("failed to publish event", zap.String("type", string(typ)), zap.Error(err))
	}
}

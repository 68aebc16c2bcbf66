package api

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/book"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/ledger"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type createOrderRequest struct {
	UserID        int64            `json:"user_id" validate:"required"`
	OrderType     string           `json:"order_type" validate:"required"`
	Crypto        string           `json:"cryptocurrency" validate:"required"`
	Fiat          string           `json:"fiat_currency" validate:"required"`
	Amount        *decimal.Decimal `json:"amount" validate:"required"`
	PricePerUnit  *decimal.Decimal `json:"price_per_unit" validate:"required"`
	PaymentMethod string           `json:"payment_method" validate:"required"`
}

type updateOrderRequest struct {
	Status       *models.OrderStatus `json:"status"`
	Amount       *decimal.Decimal    `json:"amount"`
	PricePerUnit *decimal.Decimal    `json:"price_per_unit"`
}

// ListOrders handles GET /orders: active orders, optionally filtered
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := h.ledger.List(r.Context(), models.OrderFilter{
		ActiveOnly: true,
		Type:       models.Direction(q.Get("type")),
		Crypto:     q.Get("crypto"),
		Fiat:       q.Get("fiat"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.actingUser(r, &req.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.check(req); err != nil {
		h.fail(w, r, err)
		return
	}

	order, err := h.ledger.Create(r.Context(), ledger.CreateOrderParams{
		Owner:         req.UserID,
		Direction:     models.Direction(req.OrderType),
		CryptoSymbol:  req.Crypto,
		FiatSymbol:    req.Fiat,
		Amount:        *req.Amount,
		UnitPrice:     *req.PricePerUnit,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.publish(r.Context(), events.Event{Type: events.OrderChanged, Order: order, At: time.Now().UTC()})
	h.writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, order)
}

// ownOrder refuses the request when an authenticated user is not the owner
func (h *Handler) ownOrder(r *http.Request, orderID int64) error {
	userID, ok := userFromContext(r.Context())
	if !ok {
		return nil
	}
	order, err := h.ledger.Get(r.Context(), orderID)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return apperr.Authorization("only the order owner can modify it")
	}
	return nil
}

// UpdateOrder handles PUT /orders/{id}
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req updateOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.ownOrder(r, id); err != nil {
		h.fail(w, r, err)
		return
	}

	order, err := h.ledger.Update(r.Context(), id, ledger.OrderUpdate{
		Status:    req.Status,
		Amount:    req.Amount,
		UnitPrice: req.PricePerUnit,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.publish(r.Context(), events.Event{Type: events.OrderChanged, Order: order, At: time.Now().UTC()})
	h.writeJSON(w, http.StatusOK, order)
}

// CancelOrder handles DELETE /orders/{id}
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.ownOrder(r, id); err != nil {
		h.fail(w, r, err)
		return
	}

	order, err := h.ledger.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.publish(r.Context(), events.Event{Type: events.OrderChanged, Order: order, At: time.Now().UTC()})
	h.writeJSON(w, http.StatusOK, order)
}

// GetUserOrders handles GET /users/{id}/orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	orders, err := h.ledger.ListByUser(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orders)
}

// GetOrderBook handles GET /orderbook?crypto=&fiat=
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	crypto, fiat := r.URL.Query().Get("crypto"), r.URL.Query().Get("fiat")
	if crypto == "" {
		crypto = "BTC"
	}
	if fiat == "" {
		fiat = "USD"
	}

	b, err := book.Load(r.Context(), h.store, crypto, fiat)
	if err != nil {
		h.fail(w, r, apperr.Persistence("load order book", err))
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

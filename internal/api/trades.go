package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/models"
	"github.com/xtrntr/p2pexchange/internal/trading"
)

type createTradeRequest struct {
	OrderID int64            `json:"order_id" validate:"required"`
	BuyerID int64            `json:"buyer_id" validate:"required"`
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
}

type transitionRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

// ListTrades handles GET /trades?user_id=&status=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.TradeFilter{Status: models.TradeStatus(q.Get("status"))}
	if raw := q.Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, r, apperr.Validation("invalid user_id"))
			return
		}
		filter.UserID = id
	}

	trades, err := h.engine.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trades)
}

// CreateTrade handles POST /trades. buyer_id is the requester; the engine
// decides who actually buys from the order's direction.
func (h *Handler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.actingUser(r, &req.BuyerID); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.check(req); err != nil {
		h.fail(w, r, err)
		return
	}

	trade, err := h.engine.CreateTrade(r.Context(), trading.CreateTradeParams{
		OrderID:     req.OrderID,
		RequesterID: req.BuyerID,
		Amount:      *req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, trade)
}

// GetTrade handles GET /trades/{id}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	trade, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trade)
}

type transitionFunc func(ctx context.Context, tradeID, userID int64) (*models.Trade, error)

// transition adapts one engine event to POST /trades/{id}/<action>
func (h *Handler) transition(fire transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			h.fail(w, r, err)
			return
		}
		var req transitionRequest
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

		trade, err := fire(r.Context(), id, req.UserID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, trade)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) MarketOverview(w http.ResponseWriter, r *http.Request) {
	markets, err := h.markets.Overview(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, markets)
}

func (h *Handler) MarketStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.markets.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) MarketTrending(w http.ResponseWriter, r *http.Request) {
	trending, err := h.markets.Trending(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, trending)
}

func (h *Handler) MarketPrice(w http.ResponseWriter, r *http.Request) {
	price, err := h.markets.Price(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, price)
}

package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Routes builds the HTTP router. ws serves /ws and may be nil.
func (h *Handler) Routes(ws http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	// Enable CORS; credentials only for an explicit origin list
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: !slices.Contains(h.corsOrigins, "*"),
		MaxAge:           300,
	}))

	if ws != nil {
		r.Handle("/ws", ws)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Get("/orders", h.ListOrders)
	r.Get("/orders/{id}", h.GetOrder)
	r.Get("/users/{id}/orders", h.GetUserOrders)
	r.Get("/orderbook", h.GetOrderBook)
	r.Get("/trades", h.ListTrades)
	r.Get("/trades/{id}", h.GetTrade)

	r.Route("/markets", func(r chi.Router) {
		r.Get("/overview", h.MarketOverview)
		r.Get("/stats", h.MarketStats)
		r.Get("/trending", h.MarketTrending)
		r.Get("/price/{symbol}", h.MarketPrice)
	})

	// Mutations, behind JWT when authentication is required
	r.Group(func(r chi.Router) {
		if h.authRequired {
			r.Use(h.JWTAuthMiddleware)
		}
		r.Post("/orders", h.CreateOrder)
		r.Put("/orders/{id}", h.UpdateOrder)
		r.Delete("/orders/{id}", h.CancelOrder)

		r.Post("/trades", h.CreateTrade)
		r.Post("/trades/{id}/confirm-payment", h.transition(h.engine.ConfirmPayment))
		r.Post("/trades/{id}/release-crypto", h.transition(h.engine.ReleaseFunds))
		r.Post("/trades/{id}/dispute", h.transition(h.engine.Dispute))
		r.Post("/trades/{id}/cancel", h.transition(h.engine.CancelTrade))
	})

	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

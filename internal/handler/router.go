package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ordersmith/shopcore/internal/metrics"
	custommiddleware "github.com/ordersmith/shopcore/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter(m *metrics.Metrics) *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if m != nil {
		r.Use(custommiddleware.Metrics(m))
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	// Webhook шлюза аутентифицируется подписью тела, а не общим токеном.
	r.Post("/api/payments/ipn", h.PaymentNotification)

	r.Group(func(r chi.Router) {
		r.Use(h.tokenAuth.Middleware)

		r.Post("/api/users", h.EnsureUser)
		r.Get("/api/users/{userID}", h.GetProfile)
		r.Put("/api/users/{userID}/city", h.SetCity)

		r.Get("/api/catalog", h.GetCatalog)
		r.Get("/api/quote", h.QuotePrice)

		r.Post("/api/purchase", h.Purchase)
		r.Post("/api/topup", h.CreateTopup)
		r.Post("/api/promo", h.RedeemPromo)

		r.Post("/api/admin/stock", h.AddStock)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

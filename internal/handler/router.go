package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/examhub/order-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/user/orders", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/", h.Checkout)
		r.Get("/", h.GetOrders)

		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/cancel", h.CancelOrder)
		r.Post("/{orderID}/complete", h.CompleteOrder)
		r.Get("/{orderID}/invoice", h.GetInvoice)
	})

	r.Post("/api/payments/webhook", h.PaymentWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

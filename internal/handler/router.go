package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/coursepay-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платёжного ядра.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		// Вебхук аутентифицируется подписью тела, не cookie.
		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/coupons/validate", h.ValidateCoupon)
			r.Post("/coupons/discount", h.CalculateDiscount)

			r.Post("/enrollments", h.Enroll)

			r.Post("/donations", h.Donate)
			r.Post("/donations/{id}/cancel", h.CancelDonation)

			r.Get("/user/rewards", h.GetRewards)

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin)

				r.Post("/coupons", h.CreateCoupon)
				r.Post("/coupons/{code}/deactivate", h.DeactivateCoupon)
				r.Post("/payments/{id}/refund", h.RefundPayment)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

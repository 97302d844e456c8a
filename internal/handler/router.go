package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmakarov/bookstore-system/internal/apierr"
	custommiddleware "github.com/dmakarov/bookstore-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware книжного магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/user", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.Middleware)

				r.Post("/cart", h.AddCartItem)
				r.Get("/cart", h.GetCart)
				r.Delete("/cart/{bookID}", h.RemoveCartItem)

				r.Post("/orders", h.PlaceOrder)
				r.Get("/orders", h.GetOrders)
				r.Get("/orders/{orderID}", h.GetOrderDetail)
				r.Delete("/orders/{orderID}", h.CancelOrder)

				r.Get("/coupons", h.GetUserCoupons)
			})
		})

		r.Get("/books", h.ListBooks)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.authMiddleware.RequireAdmin)

			r.Post("/books", h.CreateBook)

			r.Post("/coupons", h.CreateCoupon)
			r.Get("/coupons", h.ListCoupons)
			r.Patch("/coupons/refresh", h.RefreshCoupons)
			r.Post("/coupons/{couponID}/assign", h.AssignCoupon)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, http.StatusNotFound, apierr.CodeNotFound, "route not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, http.StatusMethodNotAllowed, apierr.CodeMethodNotAllowed, "method not allowed")
	})

	return r
}

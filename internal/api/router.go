/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, adminJWKSURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Webhook-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The payment network authenticates with its own shared token, checked
	// inside the authorization engine.
	r.Post("/webhooks/transfers", h.TransferWebhookHandler)

	// Payment code generation for checkout flows.
	r.Post("/payment-codes", h.CreatePaymentCodeHandler)
	r.Get("/payment-codes/key/{key}", h.ClassifyKeyHandler)

	// Group routes that require admin authentication.
	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(adminJWKSURL))

		r.Get("/reviews", h.ListReviewsHandler)
		r.Post("/reviews/{kind}/{id}/approve", h.ApproveReviewHandler)
		r.Post("/reviews/{kind}/{id}/reject", h.RejectReviewHandler)
	})

	return r
}

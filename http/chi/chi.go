// Package chi adapts the payment handlers to a chi router.
package chi

import (
	"github.com/go-chi/chi/v5"

	x402http "github.com/quarrylabs/quarry-pay/http"
)

// Mount registers the payment routes on the given chi router.
func Mount(r chi.Router, h *x402http.Handler) {
	r.Post("/query", h.Query)
	r.Post("/verify", h.VerifyPayment)
}

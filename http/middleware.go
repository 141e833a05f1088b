package http

import (
	"errors"
	"fmt"
	nethttp "net/http"

	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
)

// Request headers a paying client submits to pass a payment gate.
const (
	HeaderPaymentChallenge  = "X-402-Payment-Challenge"
	HeaderPaymentSettlement = "X-402-Payment-Settlement"
)

// GateTerms are the fixed payment terms protecting one route.
type GateTerms struct {
	Amount      string
	Currency    x402.Currency
	Recipient   string
	Description string
}

// PaymentGate wraps a handler behind a flat-price payment wall. A request
// without payment headers is answered 402 with a fresh challenge; a request
// carrying a challenge id and settlement reference is verified and, when the
// settlement holds, passed through to next.
//
// Use Handler.Query for per-query pricing; the gate suits fixed-price
// resources such as downloads or premium endpoints.
func PaymentGate(builder *x402.Builder, verifier *x402.Verifier, terms GateTerms, logger *zap.Logger) func(nethttp.Handler) nethttp.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next nethttp.Handler) nethttp.Handler {
		return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			challengeID := r.Header.Get(HeaderPaymentChallenge)
			settlement := r.Header.Get(HeaderPaymentSettlement)

			if challengeID == "" || settlement == "" {
				ch, err := builder.CreatePaymentRequest(r.Context(), x402.CreateRequest{
					Amount:      terms.Amount,
					ResourceID:  r.Method + " " + r.URL.Path,
					Description: terms.Description,
					Recipient:   terms.Recipient,
					Currency:    terms.Currency,
				})
				if err != nil {
					logger.Error("creating gate challenge", zap.Error(err), zap.String("path", r.URL.Path))
					writeError(w, nethttp.StatusInternalServerError, "challenge_failed", "could not create payment challenge")
					return
				}
				message := fmt.Sprintf("Payment of %s %s required for %s", ch.Amount, ch.Currency, r.URL.Path)
				WriteChallenge(w, ch, message, nil)
				return
			}

			if err := verifier.VerifyPayment(r.Context(), challengeID, settlement); err != nil {
				var vErr *x402.VerificationError
				if !errors.As(err, &vErr) {
					logger.Error("gate verification error", zap.Error(err))
					writeError(w, nethttp.StatusInternalServerError, "verification_failed", "could not verify payment")
					return
				}
				writeJSON(w, nethttp.StatusPaymentRequired, VerifyResponse{
					Success:   false,
					Verified:  false,
					Message:   vErr.Message,
					Code:      string(vErr.Code),
					Retriable: vErr.Retriable,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Package http exposes the payment flow over HTTP: a quote endpoint that
// answers 402 with a payment challenge, and a verify endpoint that checks a
// settlement and releases the paid query result. The handlers are plain
// net/http; the gin and chi subpackages adapt them to routers.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"

	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
	"github.com/quarrylabs/quarry-pay/pricing"
)

// Challenge response headers. Values mirror the JSON payment payload so
// header-only clients can pay without parsing the body.
const (
	HeaderVersion     = "X-402-Version"
	HeaderProtocol    = "X-402-Protocol"
	HeaderChallenge   = "X-402-Challenge"
	HeaderRecipient   = "X-402-Recipient"
	HeaderAmount      = "X-402-Amount"
	HeaderCurrency    = "X-402-Currency"
	HeaderDescription = "X-402-Description"
	HeaderExpires     = "X-402-Expires"
)

// ChallengeResponse is the 402 body.
type ChallengeResponse struct {
	Error   string                  `json:"error"`
	Message string                  `json:"message"`
	Payment *x402.PaymentChallenge `json:"payment"`
	Quote   *pricing.Quote          `json:"quote,omitempty"`
}

// QueryRequest asks to run a priced query against a dataset.
type QueryRequest struct {
	DatasetSlug string `json:"dataset_slug"`
	SQLQuery    string `json:"sql_query"`
}

// VerifyRequest claims a settlement satisfies a challenge.
type VerifyRequest struct {
	ChallengeID         string `json:"challenge_id"`
	SettlementReference string `json:"settlement_reference"`
	PayerWallet         string `json:"payer_wallet,omitempty"`
}

// VerifyResponse reports the verification outcome. Result is present only
// when the challenge carried query annotations and the query succeeded.
type VerifyResponse struct {
	Success   bool             `json:"success"`
	Verified  bool             `json:"verified"`
	Message   string           `json:"message"`
	Code      string           `json:"code,omitempty"`
	Retriable bool             `json:"retriable,omitempty"`
	Result    *pricing.Result  `json:"result,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handler serves the payment flow.
type Handler struct {
	builder  *x402.Builder
	verifier *x402.Verifier
	provider *pricing.Service
	store    x402.ChallengeStore
	logger   *zap.Logger
	metrics  *Metrics
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics enables request metrics.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler. provider may be nil when the service only
// verifies payments for resources fulfilled elsewhere.
func NewHandler(builder *x402.Builder, verifier *x402.Verifier, provider *pricing.Service, store x402.ChallengeStore, opts ...HandlerOption) *Handler {
	h := &Handler{
		builder:  builder,
		verifier: verifier,
		provider: provider,
		store:    store,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// WriteChallenge writes the full 402 response for a challenge: status, the
// X-402 header set and the JSON envelope.
func WriteChallenge(w nethttp.ResponseWriter, ch *x402.PaymentChallenge, message string, quote *pricing.Quote) {
	header := w.Header()
	header.Set(HeaderVersion, x402.ProtocolVersion)
	header.Set(HeaderProtocol, x402.ProtocolName)
	header.Set(HeaderChallenge, ch.ChallengeID)
	header.Set(HeaderRecipient, ch.Recipient)
	header.Set(HeaderAmount, ch.Amount)
	header.Set(HeaderCurrency, string(ch.Currency))
	header.Set(HeaderDescription, ch.Description)
	header.Set(HeaderExpires, strconv.FormatInt(ch.ExpiresAt, 10))
	writeJSON(w, nethttp.StatusPaymentRequired, ChallengeResponse{
		Error:   "payment_required",
		Message: message,
		Payment: ch,
		Quote:   quote,
	})
}

// Query prices a dataset query and answers 402 with the challenge that,
// once paid and verified, releases the result.
func (h *Handler) Query(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nethttp.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.DatasetSlug == "" || req.SQLQuery == "" {
		writeError(w, nethttp.StatusBadRequest, "invalid_request", "dataset_slug and sql_query are required")
		return
	}
	if h.provider == nil {
		writeError(w, nethttp.StatusNotImplemented, "not_configured", "query pricing is not configured on this instance")
		return
	}

	quote, err := h.provider.Quote(r.Context(), req.DatasetSlug, req.SQLQuery)
	if err != nil {
		if errors.Is(err, pricing.ErrDatasetNotFound) {
			writeError(w, nethttp.StatusNotFound, "dataset_not_found", err.Error())
			return
		}
		h.logger.Error("quoting query", zap.Error(err), zap.String("dataset", req.DatasetSlug))
		writeError(w, nethttp.StatusInternalServerError, "quote_failed", "could not price the query")
		return
	}

	ch, err := h.builder.CreatePaymentRequest(r.Context(), x402.CreateRequest{
		Amount:      quote.Amount,
		ResourceID:  quote.ResourceID,
		Description: quote.Description,
		Recipient:   quote.PublisherWallet,
		Currency:    quote.Currency,
	})
	if err != nil {
		h.logger.Error("creating challenge", zap.Error(err), zap.String("dataset", req.DatasetSlug))
		writeError(w, nethttp.StatusInternalServerError, "challenge_failed", "could not create payment challenge")
		return
	}

	// Annotate the stored challenge so verification can execute the exact
	// query that was priced.
	err = h.store.Merge(r.Context(), ch.ChallengeID, func(c *x402.PaymentChallenge) {
		c.DatasetSlug = req.DatasetSlug
		c.SQLQuery = req.SQLQuery
	})
	if err != nil {
		h.logger.Error("annotating challenge", zap.Error(err), zap.String("challenge_id", ch.ChallengeID))
		writeError(w, nethttp.StatusInternalServerError, "challenge_failed", "could not create payment challenge")
		return
	}
	ch.DatasetSlug = req.DatasetSlug
	ch.SQLQuery = req.SQLQuery

	if h.metrics != nil {
		h.metrics.ChallengesIssued.WithLabelValues(string(ch.Currency)).Inc()
	}
	message := fmt.Sprintf("Payment of %s %s required to query dataset %s",
		ch.Amount, ch.Currency, req.DatasetSlug)
	WriteChallenge(w, ch, message, quote)
}

// VerifyPayment checks a claimed settlement against its challenge. On
// success it executes the annotated query and returns the result with 200;
// any verification failure answers 402 with the failure classification.
func (h *Handler) VerifyPayment(w nethttp.ResponseWriter, r *nethttp.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nethttp.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.ChallengeID == "" || req.SettlementReference == "" {
		writeError(w, nethttp.StatusBadRequest, "invalid_request", "challenge_id and settlement_reference are required")
		return
	}

	// Successful verification consumes the challenge, so the annotations and
	// terms must be captured before verifying.
	var annotated *x402.PaymentChallenge
	if ch, err := h.store.Get(r.Context(), req.ChallengeID); err == nil {
		annotated = ch
	}

	if err := h.verifier.VerifyPayment(r.Context(), req.ChallengeID, req.SettlementReference); err != nil {
		var vErr *x402.VerificationError
		if !errors.As(err, &vErr) {
			h.logger.Error("verification error", zap.Error(err))
			writeError(w, nethttp.StatusInternalServerError, "verification_failed", "could not verify payment")
			return
		}
		if h.metrics != nil {
			h.metrics.Verifications.WithLabelValues(string(vErr.Code)).Inc()
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

	if h.metrics != nil {
		h.metrics.Verifications.WithLabelValues("VERIFIED").Inc()
	}

	resp := VerifyResponse{Success: true, Verified: true, Message: "Payment verified"}
	if h.provider != nil && annotated != nil && annotated.DatasetSlug != "" && annotated.SQLQuery != "" {
		result, err := h.provider.Fulfill(r.Context(), pricing.FulfillRequest{
			DatasetSlug:         annotated.DatasetSlug,
			SQL:                 annotated.SQLQuery,
			PayerWallet:         req.PayerWallet,
			SettlementReference: req.SettlementReference,
			CostPaid:            annotated.Amount,
		})
		if err != nil {
			// The payment is consumed; the client must not be asked to pay
			// again for a backend fault.
			h.logger.Error("fulfilling paid query", zap.Error(err),
				zap.String("challenge_id", req.ChallengeID),
				zap.String("dataset", annotated.DatasetSlug))
			writeJSON(w, nethttp.StatusInternalServerError, VerifyResponse{
				Success:  false,
				Verified: true,
				Message:  "payment verified but query execution failed; contact support",
			})
			return
		}
		resp.Result = result
	}
	writeJSON(w, nethttp.StatusOK, resp)
}

func writeJSON(w nethttp.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w nethttp.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

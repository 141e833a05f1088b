package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	x402 "github.com/quarrylabs/quarry-pay"
	"github.com/quarrylabs/quarry-pay/pricing"
	"github.com/quarrylabs/quarry-pay/store"
)

const (
	publisherWallet = "GsbwXfJraMomNxBcjYLcG3mxkBUiyWXAB32fGbSMQRdW"
	platformWallet  = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	payerWallet     = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	usdcMint        = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

type fakeLedger struct {
	settlements map[string]*x402.Settlement
}

func (f *fakeLedger) Settlement(_ context.Context, ref string) (*x402.Settlement, error) {
	s, ok := f.settlements[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrSettlementNotFound, ref)
	}
	return s, nil
}

func (f *fakeLedger) DeriveTokenAccount(owner, mint string) (string, error) {
	return "ata:" + owner + ":" + mint, nil
}

func (f *fakeLedger) LatestReference(context.Context) (string, error) {
	return "test-blockhash", nil
}

type stubExecutor struct{ result *pricing.Result }

func (s stubExecutor) Execute(context.Context, string, string, int) (*pricing.Result, error) {
	return s.result, nil
}

type fixture struct {
	handler *Handler
	store   *store.Memory
	ledger  *fakeLedger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory(time.Hour)
	t.Cleanup(mem.Close)

	ledger := &fakeLedger{settlements: make(map[string]*x402.Settlement)}
	catalog := pricing.MapCatalog{
		"weather-daily": {
			Slug:            "weather-daily",
			Name:            "Daily Weather",
			PublisherWallet: publisherWallet,
			PricePerRow:     0.001,
			Currency:        x402.CurrencySOL,
		},
	}
	provider := pricing.NewService(catalog, pricing.FixedEstimator(1000), stubExecutor{
		result: &pricing.Result{
			Columns:      []string{"day", "temp"},
			Rows:         [][]any{{"2026-01-01", 3.5}},
			TotalRows:    1,
			ReturnedRows: 1,
		},
	}, nil, nil)

	builder := x402.NewBuilder(mem, ledger, usdcMint,
		x402.WithFallbackRecipient(platformWallet))
	verifier := x402.NewVerifier(mem, ledger)
	return &fixture{
		handler: NewHandler(builder, verifier, provider, mem),
		store:   mem,
		ledger:  ledger,
	}
}

func postJSON(t *testing.T, handler nethttp.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(nethttp.MethodPost, "/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) ChallengeResponse {
	t.Helper()
	var resp ChallengeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding 402 body: %v", err)
	}
	return resp
}

func TestQueryAnswersPaymentRequired(t *testing.T) {
	f := newFixture(t)
	w := postJSON(t, f.handler.Query, QueryRequest{
		DatasetSlug: "weather-daily",
		SQLQuery:    "SELECT * FROM weather",
	})

	if w.Code != nethttp.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}

	h := w.Header()
	if got := h.Get(HeaderVersion); got != x402.ProtocolVersion {
		t.Errorf("%s = %q, want %q", HeaderVersion, got, x402.ProtocolVersion)
	}
	if got := h.Get(HeaderProtocol); got != x402.ProtocolName {
		t.Errorf("%s = %q, want %q", HeaderProtocol, got, x402.ProtocolName)
	}
	if h.Get(HeaderChallenge) == "" {
		t.Errorf("%s header missing", HeaderChallenge)
	}
	if got := h.Get(HeaderRecipient); got != publisherWallet {
		t.Errorf("%s = %q, want publisher wallet", HeaderRecipient, got)
	}
	// 1000 rows at 0.001 SOL.
	if got := h.Get(HeaderAmount); got != "1" {
		t.Errorf("%s = %q, want \"1\"", HeaderAmount, got)
	}
	if got := h.Get(HeaderCurrency); got != "SOL" {
		t.Errorf("%s = %q, want SOL", HeaderCurrency, got)
	}
	if _, err := strconv.ParseInt(h.Get(HeaderExpires), 10, 64); err != nil {
		t.Errorf("%s = %q is not a unix timestamp", HeaderExpires, h.Get(HeaderExpires))
	}

	resp := decodeChallenge(t, w)
	if resp.Error != "payment_required" {
		t.Errorf("body error = %q, want payment_required", resp.Error)
	}
	if resp.Payment == nil {
		t.Fatal("body payment missing")
	}
	if resp.Payment.ChallengeID != h.Get(HeaderChallenge) {
		t.Error("body challenge id disagrees with header")
	}
	if resp.Payment.DatasetSlug != "weather-daily" || resp.Payment.SQLQuery != "SELECT * FROM weather" {
		t.Errorf("challenge annotations = %q / %q", resp.Payment.DatasetSlug, resp.Payment.SQLQuery)
	}
	if resp.Quote == nil || resp.Quote.EstimatedRows != 1000 {
		t.Errorf("quote = %+v", resp.Quote)
	}

	// The stored challenge must carry the annotations too.
	stored, err := f.store.Get(context.Background(), resp.Payment.ChallengeID)
	if err != nil {
		t.Fatalf("stored challenge: %v", err)
	}
	if stored.DatasetSlug != "weather-daily" || stored.SQLQuery != "SELECT * FROM weather" {
		t.Errorf("stored annotations = %q / %q", stored.DatasetSlug, stored.SQLQuery)
	}
}

func TestQueryUnknownDataset(t *testing.T) {
	f := newFixture(t)
	w := postJSON(t, f.handler.Query, QueryRequest{DatasetSlug: "nope", SQLQuery: "SELECT 1"})
	if w.Code != nethttp.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestQueryRejectsBadRequests(t *testing.T) {
	f := newFixture(t)

	w := postJSON(t, f.handler.Query, QueryRequest{DatasetSlug: "weather-daily"})
	if w.Code != nethttp.StatusBadRequest {
		t.Errorf("missing sql status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest(nethttp.MethodPost, "/", strings.NewReader("{not json"))
	w2 := httptest.NewRecorder()
	f.handler.Query(w2, req)
	if w2.Code != nethttp.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w2.Code)
	}
}

// payFor seeds the fake ledger with a settlement that credits the
// challenge's recipient in full.
func payFor(f *fixture, ch *x402.PaymentChallenge, ref string) {
	f.ledger.settlements[ref] = &x402.Settlement{
		Reference:    ref,
		Accounts:     []string{payerWallet, ch.Recipient},
		PreBalances:  []uint64{10_000_000_000, 500},
		PostBalances: []uint64{10_000_000_000 - ch.AmountLamports, 500 + ch.AmountLamports},
	}
}

func TestVerifyPaymentReleasesResult(t *testing.T) {
	f := newFixture(t)
	challenge := decodeChallenge(t, postJSON(t, f.handler.Query, QueryRequest{
		DatasetSlug: "weather-daily",
		SQLQuery:    "SELECT * FROM weather",
	})).Payment
	payFor(f, challenge, "sig1")

	w := postJSON(t, f.handler.VerifyPayment, VerifyRequest{
		ChallengeID:         challenge.ChallengeID,
		SettlementReference: "sig1",
		PayerWallet:         payerWallet,
	})
	if w.Code != nethttp.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", w.Code, w.Body.String())
	}

	var resp VerifyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || !resp.Verified {
		t.Errorf("response = %+v, want success and verified", resp)
	}
	if resp.Result == nil || resp.Result.ReturnedRows != 1 {
		t.Errorf("result = %+v, want the released query rows", resp.Result)
	}

	// The challenge is consumed; paying again must fail.
	w2 := postJSON(t, f.handler.VerifyPayment, VerifyRequest{
		ChallengeID:         challenge.ChallengeID,
		SettlementReference: "sig1",
	})
	if w2.Code != nethttp.StatusPaymentRequired {
		t.Fatalf("replay status = %d, want 402", w2.Code)
	}
	var replay VerifyResponse
	if err := json.NewDecoder(w2.Body).Decode(&replay); err != nil {
		t.Fatal(err)
	}
	if replay.Verified || replay.Code != string(x402.FailureChallengeNotFound) {
		t.Errorf("replay response = %+v", replay)
	}
}

func TestVerifyPaymentFailureStaysPaymentRequired(t *testing.T) {
	f := newFixture(t)
	challenge := decodeChallenge(t, postJSON(t, f.handler.Query, QueryRequest{
		DatasetSlug: "weather-daily",
		SQLQuery:    "SELECT * FROM weather",
	})).Payment

	// No settlement seeded: the ledger does not know the reference yet.
	w := postJSON(t, f.handler.VerifyPayment, VerifyRequest{
		ChallengeID:         challenge.ChallengeID,
		SettlementReference: "pending-sig",
	})
	if w.Code != nethttp.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}

	var resp VerifyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Verified {
		t.Errorf("response = %+v, want failure", resp)
	}
	if resp.Code != string(x402.FailureSettlementNotFound) || !resp.Retriable {
		t.Errorf("code = %q retriable = %v, want retriable SETTLEMENT_NOT_FOUND", resp.Code, resp.Retriable)
	}

	// A retriable failure keeps the challenge alive.
	if _, err := f.store.Get(context.Background(), challenge.ChallengeID); err != nil {
		t.Error("challenge was consumed by a retriable failure")
	}
}

func TestVerifyPaymentRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	w := postJSON(t, f.handler.VerifyPayment, VerifyRequest{ChallengeID: "only-id"})
	if w.Code != nethttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPaymentGate(t *testing.T) {
	f := newFixture(t)
	builder := x402.NewBuilder(f.store, f.ledger, usdcMint,
		x402.WithFallbackRecipient(platformWallet))
	verifier := x402.NewVerifier(f.store, f.ledger)

	gate := PaymentGate(builder, verifier, GateTerms{
		Amount:      "0.01",
		Currency:    x402.CurrencySOL,
		Recipient:   platformWallet,
		Description: "premium export",
	}, nil)

	served := false
	protected := gate(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		served = true
		w.WriteHeader(nethttp.StatusOK)
	}))

	// First request: no payment headers, expect a challenge.
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/export", nil))
	if w.Code != nethttp.StatusPaymentRequired {
		t.Fatalf("unpaid status = %d, want 402", w.Code)
	}
	if served {
		t.Fatal("handler ran without payment")
	}
	challenge := decodeChallenge(t, w).Payment

	// Pay and retry with the payment headers.
	payFor(f, challenge, "gate-sig")
	req := httptest.NewRequest(nethttp.MethodGet, "/export", nil)
	req.Header.Set(HeaderPaymentChallenge, challenge.ChallengeID)
	req.Header.Set(HeaderPaymentSettlement, "gate-sig")
	w2 := httptest.NewRecorder()
	protected.ServeHTTP(w2, req)

	if w2.Code != nethttp.StatusOK {
		t.Fatalf("paid status = %d, want 200; body %s", w2.Code, w2.Body.String())
	}
	if !served {
		t.Fatal("handler did not run after a verified payment")
	}
}

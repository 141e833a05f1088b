// Package pricing is the resource-provider boundary: it prices a dataset
// query before a challenge is built and executes the paid query after
// verification, recording a usage receipt.
package pricing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
)

// DefaultPricePerRow applies when a dataset has no price configured.
const DefaultPricePerRow = 0.001

// DefaultQueryRowLimit caps how many rows a paid query returns.
const DefaultQueryRowLimit = 10000

// ErrDatasetNotFound indicates the catalog has no dataset with that slug.
var ErrDatasetNotFound = errors.New("pricing: dataset not found")

// Dataset is the catalog metadata needed to price a query.
type Dataset struct {
	Slug            string
	Name            string
	PublisherWallet string
	PricePerRow     float64
	Currency        x402.Currency
}

// Catalog looks up dataset metadata.
type Catalog interface {
	Dataset(ctx context.Context, slug string) (*Dataset, error)
}

// RowEstimator predicts how many rows a query will return, for pricing.
type RowEstimator interface {
	EstimateRows(ctx context.Context, slug, sql string) (int64, error)
}

// Result is the outcome of an executed query.
type Result struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	TotalRows    int64    `json:"total_rows"`
	ReturnedRows int      `json:"returned_rows"`
}

// QueryExecutor runs a paid query against the dataset backend.
type QueryExecutor interface {
	Execute(ctx context.Context, slug, sql string, limit int) (*Result, error)
}

// UsageReceipt is the proof-of-purchase record handed to the reputation
// layer after a paid query. Its downstream handling is external.
type UsageReceipt struct {
	PayerWallet         string
	DatasetSlug         string
	SettlementReference string
	RowsAccessed        int
	CostPaid            string
	CreatedAt           time.Time
}

// ReceiptRecorder records usage receipts.
type ReceiptRecorder interface {
	RecordUsage(ctx context.Context, receipt UsageReceipt) error
}

// NoopRecorder discards receipts. Used when the reputation layer is not
// deployed.
type NoopRecorder struct{}

// RecordUsage implements ReceiptRecorder.
func (NoopRecorder) RecordUsage(context.Context, UsageReceipt) error { return nil }

// Quote is the priced terms for one query against one dataset.
type Quote struct {
	ResourceID      string        `json:"resource_id"`
	DatasetSlug     string        `json:"dataset_slug"`
	DatasetName     string        `json:"dataset_name"`
	Amount          string        `json:"amount"`
	Currency        x402.Currency `json:"currency"`
	EstimatedRows   int64         `json:"estimated_rows"`
	PricePerRow     float64       `json:"price_per_row"`
	PublisherWallet string        `json:"-"`
	Description     string        `json:"description"`
}

// FulfillRequest identifies the paid query to execute.
type FulfillRequest struct {
	DatasetSlug         string
	SQL                 string
	PayerWallet         string
	SettlementReference string
	CostPaid            string
}

// Service composes the catalog, estimator, executor and receipt recorder
// into the provider boundary consumed by the HTTP layer.
type Service struct {
	catalog   Catalog
	estimator RowEstimator
	executor  QueryExecutor
	receipts  ReceiptRecorder
	logger    *zap.Logger
	rowLimit  int
}

// NewService creates a Service. A nil recorder defaults to NoopRecorder.
func NewService(catalog Catalog, estimator RowEstimator, executor QueryExecutor, receipts ReceiptRecorder, logger *zap.Logger) *Service {
	if receipts == nil {
		receipts = NoopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		catalog:   catalog,
		estimator: estimator,
		executor:  executor,
		receipts:  receipts,
		logger:    logger,
		rowLimit:  DefaultQueryRowLimit,
	}
}

// Quote prices a query: estimated rows times the dataset's per-row price.
// A LIMIT clause in the query caps the estimate.
func (s *Service) Quote(ctx context.Context, slug, sql string) (*Quote, error) {
	ds, err := s.catalog.Dataset(ctx, slug)
	if err != nil {
		return nil, err
	}

	rows, err := s.estimator.EstimateRows(ctx, slug, sql)
	if err != nil {
		return nil, fmt.Errorf("estimate rows: %w", err)
	}
	if limit, ok := ParseLimit(sql); ok && limit < rows {
		rows = limit
	}
	if rows < 1 {
		rows = 1
	}

	pricePerRow := ds.PricePerRow
	if pricePerRow <= 0 {
		pricePerRow = DefaultPricePerRow
	}
	currency := ds.Currency
	if !currency.Valid() {
		currency = x402.CurrencySOL
	}

	amount := FormatCost(float64(rows)*pricePerRow, currency)
	q := &Quote{
		ResourceID:      ResourceID(slug, sql),
		DatasetSlug:     slug,
		DatasetName:     ds.Name,
		Amount:          amount,
		Currency:        currency,
		EstimatedRows:   rows,
		PricePerRow:     pricePerRow,
		PublisherWallet: ds.PublisherWallet,
		Description:     fmt.Sprintf("Query %s (%d rows)", ds.Name, rows),
	}
	s.logger.Info("query quoted",
		zap.String("dataset", slug),
		zap.Int64("estimated_rows", rows),
		zap.Float64("price_per_row", pricePerRow),
		zap.String("amount", amount),
		zap.String("currency", string(currency)),
	)
	return q, nil
}

// Fulfill executes the paid query and records a usage receipt. Receipt
// failure is logged but never fails the query the client already paid for.
func (s *Service) Fulfill(ctx context.Context, req FulfillRequest) (*Result, error) {
	if s.executor == nil {
		return nil, errors.New("pricing: no query executor configured")
	}
	result, err := s.executor.Execute(ctx, req.DatasetSlug, req.SQL, s.rowLimit)
	if err != nil {
		return nil, fmt.Errorf("execute paid query: %w", err)
	}

	if req.PayerWallet == "" {
		s.logger.Warn("skipping usage receipt, no payer wallet provided",
			zap.String("dataset", req.DatasetSlug))
		return result, nil
	}
	receipt := UsageReceipt{
		PayerWallet:         req.PayerWallet,
		DatasetSlug:         req.DatasetSlug,
		SettlementReference: req.SettlementReference,
		RowsAccessed:        result.ReturnedRows,
		CostPaid:            req.CostPaid,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.receipts.RecordUsage(ctx, receipt); err != nil {
		s.logger.Error("recording usage receipt", zap.Error(err),
			zap.String("dataset", req.DatasetSlug),
			zap.String("payer", req.PayerWallet))
	}
	return result, nil
}

// ResourceID builds the opaque purchase identifier: dataset slug plus a
// short fingerprint of the query text.
func ResourceID(slug, sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return slug + ":" + hex.EncodeToString(sum[:])[:12]
}

// FormatCost renders a float cost as a decimal string at the currency's
// precision, with trailing zeros trimmed.
func FormatCost(cost float64, currency x402.Currency) string {
	s := strconv.FormatFloat(cost, 'f', currency.Decimals(), 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return "0"
	}
	return s
}

// ParseLimit extracts a trailing LIMIT clause from a query, if present.
func ParseLimit(sql string) (int64, bool) {
	fields := strings.Fields(strings.ToLower(sql))
	for i := len(fields) - 2; i >= 0; i-- {
		if fields[i] == "limit" {
			n, err := strconv.ParseInt(strings.TrimSuffix(fields[i+1], ";"), 10, 64)
			if err != nil || n < 0 {
				return 0, false
			}
			return n, true
		}
	}
	return 0, false
}

// MapCatalog is an in-memory Catalog for tests and single-node setups.
type MapCatalog map[string]*Dataset

// Dataset implements Catalog.
func (m MapCatalog) Dataset(_ context.Context, slug string) (*Dataset, error) {
	ds, ok := m[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, slug)
	}
	cp := *ds
	return &cp, nil
}

// FixedEstimator always predicts the same row count.
type FixedEstimator int64

// EstimateRows implements RowEstimator.
func (f FixedEstimator) EstimateRows(context.Context, string, string) (int64, error) {
	return int64(f), nil
}

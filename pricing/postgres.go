package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
)

// PostgresCatalog reads dataset metadata from the datasets table.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog creates a PostgresCatalog over the given pool.
func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

// Migrate creates the catalog and receipt tables if they do not exist.
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS datasets (
			slug             TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			publisher_wallet TEXT NOT NULL DEFAULT '',
			price_per_row    DOUBLE PRECISION NOT NULL DEFAULT 0,
			currency         TEXT NOT NULL DEFAULT 'SOL'
		);
		CREATE TABLE IF NOT EXISTS usage_receipts (
			id                   BIGSERIAL PRIMARY KEY,
			payer_wallet         TEXT NOT NULL,
			dataset_slug         TEXT NOT NULL,
			settlement_reference TEXT NOT NULL,
			rows_accessed        INTEGER NOT NULL,
			cost_paid            TEXT NOT NULL,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("migrate pricing tables: %w", err)
	}
	return nil
}

// Dataset implements Catalog.
func (c *PostgresCatalog) Dataset(ctx context.Context, slug string) (*Dataset, error) {
	ds := Dataset{Slug: slug}
	var currency string
	err := c.pool.QueryRow(ctx, `
		SELECT name, publisher_wallet, price_per_row, currency
		FROM datasets WHERE slug = $1`, slug,
	).Scan(&ds.Name, &ds.PublisherWallet, &ds.PricePerRow, &currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", slug, err)
	}
	ds.Currency = x402.Currency(currency)
	return &ds, nil
}

// PostgresEstimator predicts row counts from the query planner via EXPLAIN.
type PostgresEstimator struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresEstimator creates a PostgresEstimator.
func NewPostgresEstimator(pool *pgxpool.Pool, logger *zap.Logger) *PostgresEstimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresEstimator{pool: pool, logger: logger}
}

// EstimateRows implements RowEstimator using planner cardinality. The
// estimate only feeds pricing, so planner error is acceptable.
func (e *PostgresEstimator) EstimateRows(ctx context.Context, slug, sql string) (int64, error) {
	var raw []byte
	if err := e.pool.QueryRow(ctx, "EXPLAIN (FORMAT JSON) "+sql).Scan(&raw); err != nil {
		return 0, fmt.Errorf("explain query: %w", err)
	}

	var plans []struct {
		Plan struct {
			PlanRows int64 `json:"Plan Rows"`
		} `json:"Plan"`
	}
	if err := json.Unmarshal(raw, &plans); err != nil {
		return 0, fmt.Errorf("parse query plan: %w", err)
	}
	if len(plans) == 0 {
		return 0, errors.New("empty query plan")
	}
	rows := plans[0].Plan.PlanRows
	e.logger.Debug("estimated query cardinality",
		zap.String("dataset", slug), zap.Int64("rows", rows))
	return rows, nil
}

// PostgresExecutor runs paid queries against the dataset warehouse. The
// pool it wraps must connect with a read-only role; the SQL comes from
// the paying client and is executed as-is.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

// NewPostgresExecutor creates a PostgresExecutor.
func NewPostgresExecutor(pool *pgxpool.Pool) *PostgresExecutor {
	return &PostgresExecutor{pool: pool}
}

// Execute implements QueryExecutor.
func (e *PostgresExecutor) Execute(ctx context.Context, slug, sql string, limit int) (*Result, error) {
	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query dataset %s: %w", slug, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := &Result{Columns: columns, Rows: make([][]any, 0)}
	for rows.Next() {
		result.TotalRows++
		if len(result.Rows) >= limit {
			continue
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read dataset row: %w", err)
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query dataset %s: %w", slug, err)
	}
	result.ReturnedRows = len(result.Rows)
	return result, nil
}

// PostgresRecorder persists usage receipts.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder creates a PostgresRecorder.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// RecordUsage implements ReceiptRecorder.
func (r *PostgresRecorder) RecordUsage(ctx context.Context, receipt UsageReceipt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO usage_receipts
			(payer_wallet, dataset_slug, settlement_reference, rows_accessed, cost_paid, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		receipt.PayerWallet, receipt.DatasetSlug, receipt.SettlementReference,
		receipt.RowsAccessed, receipt.CostPaid, receipt.CreatedAt)
	if err != nil {
		return fmt.Errorf("record usage receipt: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
)

// Postgres is a ChallengeStore backed by a shared Postgres database, for
// deployments where challenge creation and verification land on different
// process instances. Postgres read-after-write consistency per row gives the
// visibility guarantee the protocol needs, and DELETE's row count gives the
// atomic check-and-delete.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// NewPostgres creates a Postgres store over the given pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, logger: logger, now: time.Now}
}

// Migrate creates the challenges table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS x402_challenges (
			challenge_id TEXT PRIMARY KEY,
			payload      JSONB NOT NULL,
			expires_at   BIGINT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate challenges table: %w", err)
	}
	return nil
}

// Put implements x402.ChallengeStore.
func (p *Postgres) Put(ctx context.Context, ch *x402.PaymentChallenge) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO x402_challenges (challenge_id, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (challenge_id) DO UPDATE
		SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`,
		ch.ChallengeID, payload, ch.ExpiresAt)
	if err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// Get implements x402.ChallengeStore.
func (p *Postgres) Get(ctx context.Context, id string) (*x402.PaymentChallenge, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM x402_challenges WHERE challenge_id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, x402.ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	var ch x402.PaymentChallenge
	if err := json.Unmarshal(payload, &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &ch, nil
}

// Has implements x402.ChallengeStore.
func (p *Postgres) Has(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM x402_challenges WHERE challenge_id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has challenge: %w", err)
	}
	return exists, nil
}

// Delete implements x402.ChallengeStore. The row count of a single DELETE is
// the atomic check-and-delete: concurrent deleters race on the row and
// exactly one sees it.
func (p *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM x402_challenges WHERE challenge_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete challenge: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Keys implements x402.ChallengeStore.
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT challenge_id FROM x402_challenges`)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan challenge id: %w", err)
		}
		keys = append(keys, id)
	}
	return keys, rows.Err()
}

// Merge implements x402.ChallengeStore. The row is locked for the duration
// of the mutation so concurrent merges serialize instead of losing updates.
func (p *Postgres) Merge(ctx context.Context, id string, apply func(*x402.PaymentChallenge)) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT payload FROM x402_challenges WHERE challenge_id = $1 FOR UPDATE`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return x402.ErrChallengeNotFound
	}
	if err != nil {
		return fmt.Errorf("lock challenge: %w", err)
	}

	var ch x402.PaymentChallenge
	if err := json.Unmarshal(payload, &ch); err != nil {
		return fmt.Errorf("unmarshal challenge: %w", err)
	}
	apply(&ch)
	updated, err := json.Marshal(&ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE x402_challenges SET payload = $2, expires_at = $3 WHERE challenge_id = $1`,
		id, updated, ch.ExpiresAt); err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	return tx.Commit(ctx)
}

// Sweep removes all challenges past their expiry and returns how many rows
// were removed. Run it from a periodic ticker.
func (p *Postgres) Sweep(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM x402_challenges WHERE expires_at < $1`, p.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep challenges: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

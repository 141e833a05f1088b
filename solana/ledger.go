// Package solana implements the x402 Ledger boundary over a Solana RPC node.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	x402 "github.com/quarrylabs/quarry-pay"
	"github.com/quarrylabs/quarry-pay/retry"
)

// USDC mint addresses per cluster.
const (
	USDCMintMainnet = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCMintDevnet  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// USDCMintForEndpoint selects the USDC mint matching the RPC endpoint's
// cluster.
func USDCMintForEndpoint(endpoint string) string {
	if strings.Contains(strings.ToLower(endpoint), "devnet") {
		return USDCMintDevnet
	}
	return USDCMintMainnet
}

// Client is the read-only Solana ledger client. It implements x402.Ledger.
type Client struct {
	rpc    *rpc.Client
	logger *zap.Logger
	retry  retry.Config
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithRetryConfig overrides the transient-error retry policy for RPC calls.
func WithRetryConfig(cfg retry.Config) ClientOption {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a Client for the given RPC endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		rpc:    rpc.New(endpoint),
		logger: zap.NewNop(),
		retry:  retry.DefaultConfig,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Settlement implements x402.Ledger. A reference unknown to the cluster maps
// to x402.ErrSettlementNotFound so the verifier treats it as retriable;
// transport errors are retried here with backoff before surfacing.
func (c *Client) Settlement(ctx context.Context, reference string) (*x402.Settlement, error) {
	sig, err := solana.SignatureFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed reference %q", x402.ErrSettlementNotFound, reference)
	}

	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &rpc.MaxSupportedTransactionVersion0,
	}
	out, err := retry.WithRetry(ctx, c.retry, isTransient, func() (*rpc.GetTransactionResult, error) {
		return c.rpc.GetTransaction(ctx, sig, opts)
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", x402.ErrSettlementNotFound, reference)
		}
		return nil, fmt.Errorf("fetch settlement %s: %w", reference, err)
	}
	if out == nil || out.Meta == nil {
		// No metadata means the transaction has not been confirmed yet.
		return nil, fmt.Errorf("%w: %s not confirmed", x402.ErrSettlementNotFound, reference)
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", reference, err)
	}

	settlement := &x402.Settlement{
		Reference:    reference,
		Accounts:     make([]string, len(tx.Message.AccountKeys)),
		PreBalances:  out.Meta.PreBalances,
		PostBalances: out.Meta.PostBalances,
	}
	for i, key := range tx.Message.AccountKeys {
		settlement.Accounts[i] = key.String()
	}
	if out.Meta.Err != nil {
		settlement.Failed = true
		settlement.FailureDetail = fmt.Sprintf("%v", out.Meta.Err)
	}

	settlement.PreTokenBalances, err = mapTokenBalances(out.Meta.PreTokenBalances)
	if err != nil {
		return nil, fmt.Errorf("settlement %s pre token balances: %w", reference, err)
	}
	settlement.PostTokenBalances, err = mapTokenBalances(out.Meta.PostTokenBalances)
	if err != nil {
		return nil, fmt.Errorf("settlement %s post token balances: %w", reference, err)
	}

	c.logger.Debug("settlement fetched",
		zap.String("reference", reference),
		zap.Int("accounts", len(settlement.Accounts)),
		zap.Bool("failed", settlement.Failed),
	)
	return settlement, nil
}

// DeriveTokenAccount implements x402.Ledger using the associated token
// account derivation.
func (c *Client) DeriveTokenAccount(owner, mint string) (string, error) {
	ownerKey, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("invalid owner address %q: %w", owner, err)
	}
	mintKey, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint address %q: %w", mint, err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerKey, mintKey)
	if err != nil {
		return "", fmt.Errorf("derive token account: %w", err)
	}
	return ata.String(), nil
}

// LatestReference implements x402.Ledger. Clients building a settlement need
// a recent blockhash as its reference point.
func (c *Client) LatestReference(ctx context.Context) (string, error) {
	out, err := retry.WithRetry(ctx, c.retry, isTransient, func() (*rpc.GetLatestBlockhashResult, error) {
		return c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	})
	if err != nil {
		return "", fmt.Errorf("fetch latest blockhash: %w", err)
	}
	return out.Value.Blockhash.String(), nil
}

// mapTokenBalances converts RPC token balance snapshots to the ledger model.
func mapTokenBalances(in []rpc.TokenBalance) ([]x402.TokenBalance, error) {
	out := make([]x402.TokenBalance, 0, len(in))
	for _, tb := range in {
		if tb.UiTokenAmount == nil {
			continue
		}
		amount, err := strconv.ParseUint(tb.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse token amount %q: %w", tb.UiTokenAmount.Amount, err)
		}
		balance := x402.TokenBalance{
			AccountIndex: int(tb.AccountIndex),
			Mint:         tb.Mint.String(),
			Amount:       amount,
		}
		if tb.Owner != nil {
			balance.Owner = tb.Owner.String()
		}
		out = append(out, balance)
	}
	return out, nil
}

// isTransient reports whether an RPC error is worth retrying. A missing
// transaction is a protocol-level outcome, not a transport fault.
func isTransient(err error) bool {
	return !errors.Is(err, rpc.ErrNotFound)
}

// Package treasury implements the custody collaborator: it holds an
// organization's collateral in the token bank, releases proposal
// liquidity, takes recovered collateral back after resolution, and
// executes approved actions through an injected call executor.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/bps"
	"github.com/quorumlabs/futarchyd/internal/domain"
)

// CallExecutor performs a proposal action's raw call. The EVM adapter in
// internal/platform/evm is the production implementation; tests inject
// fakes.
type CallExecutor interface {
	Call(ctx context.Context, to common.Address, payload []byte, value *big.Int) ([]byte, error)
}

// Treasury implements domain.Treasury on top of the token bank.
type Treasury struct {
	bank     domain.TokenBank
	registry domain.Registry
	account  common.Address // treasury holdings
	engine   common.Address // engine escrow receiving proposal liquidity
	exec     CallExecutor
	logger   *slog.Logger
}

// New creates a Treasury holding collateral at account and exchanging
// liquidity with the engine escrow.
func New(bank domain.TokenBank, registry domain.Registry, account, engine common.Address, exec CallExecutor, logger *slog.Logger) *Treasury {
	return &Treasury{
		bank:     bank,
		registry: registry,
		account:  account,
		engine:   engine,
		exec:     exec,
		logger:   logger.With(slog.String("component", "treasury")),
	}
}

// Account returns the treasury's bank account.
func (t *Treasury) Account() common.Address { return t.account }

// WithdrawLiquidity releases fractionBps of the treasury's base and quote
// holdings to the engine escrow and returns the released amounts.
func (t *Treasury) WithdrawLiquidity(ctx context.Context, orgID string, fractionBps int64) (*big.Int, *big.Int, error) {
	cfg, err := t.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return nil, nil, fmt.Errorf("treasury: withdraw liquidity: %w", err)
	}

	release := func(tok common.Hash) (*big.Int, error) {
		bal, err := t.bank.BalanceOf(ctx, tok, t.account)
		if err != nil {
			return nil, err
		}
		amount := bps.Apply(bal, fractionBps)
		if amount.Sign() == 0 {
			return amount, nil
		}
		if err := t.bank.Transfer(ctx, tok, t.account, t.engine, amount); err != nil {
			return nil, err
		}
		return amount, nil
	}

	base, err := release(cfg.BaseToken)
	if err != nil {
		return nil, nil, fmt.Errorf("treasury: withdraw base: %w", err)
	}
	quote, err := release(cfg.QuoteToken)
	if err != nil {
		// Put the base leg back so a half-withdrawal is never observable.
		_ = t.bank.Transfer(ctx, cfg.BaseToken, t.engine, t.account, base)
		return nil, nil, fmt.Errorf("treasury: withdraw quote: %w", err)
	}

	t.logger.Info("liquidity withdrawn",
		slog.String("org_id", orgID),
		slog.Int64("fraction_bps", fractionBps),
		slog.String("base", base.String()),
		slog.String("quote", quote.String()),
	)
	return base, quote, nil
}

// ReturnLiquidity moves recovered collateral from the engine escrow back
// into the treasury.
func (t *Treasury) ReturnLiquidity(ctx context.Context, orgID string, base, quote *big.Int) error {
	cfg, err := t.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return fmt.Errorf("treasury: return liquidity: %w", err)
	}

	if bps.IsPositive(base) {
		if err := t.bank.Transfer(ctx, cfg.BaseToken, t.engine, t.account, base); err != nil {
			return fmt.Errorf("treasury: return base: %w", err)
		}
	}
	if bps.IsPositive(quote) {
		if err := t.bank.Transfer(ctx, cfg.QuoteToken, t.engine, t.account, quote); err != nil {
			return fmt.Errorf("treasury: return quote: %w", err)
		}
	}

	t.logger.Info("liquidity returned",
		slog.String("org_id", orgID),
		slog.String("base", base.String()),
		slog.String("quote", quote.String()),
	)
	return nil
}

// Execute performs one approved action through the call executor. A
// failed call surfaces as ErrCollaborator so the engine leaves the action
// unexecuted.
func (t *Treasury) Execute(ctx context.Context, orgID string, action domain.Action) ([]byte, error) {
	if t.exec == nil {
		return nil, fmt.Errorf("treasury: execute: %w: no call executor configured", domain.ErrCollaborator)
	}

	result, err := t.exec.Call(ctx, action.Target, action.Payload, action.Value)
	if err != nil {
		return nil, fmt.Errorf("treasury: execute %s on %s: %w: %v", action.Type, action.Target.Hex(), domain.ErrCollaborator, err)
	}

	t.logger.Info("action executed",
		slog.String("org_id", orgID),
		slog.String("type", action.Type),
		slog.String("target", action.Target.Hex()),
	)
	return result, nil
}

// Compile-time interface check.
var _ domain.Treasury = (*Treasury)(nil)

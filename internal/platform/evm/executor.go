// Package evm submits approved proposal actions as signed transactions to an
// EVM JSON-RPC endpoint. It is the production treasury.CallExecutor.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quorumlabs/futarchyd/internal/crypto"
	"github.com/quorumlabs/futarchyd/internal/treasury"

	ethereum "github.com/ethereum/go-ethereum"
)

// Config holds the executor's connection and submission settings.
type Config struct {
	RPCURL string
	// GasLimitCap bounds estimated gas; 0 means no cap.
	GasLimitCap uint64
	// ReceiptTimeout bounds how long Call waits for a transaction to be
	// mined before giving up. Zero falls back to 2 minutes.
	ReceiptTimeout time.Duration
	// PollInterval is the receipt polling cadence. Zero falls back to 2s.
	PollInterval time.Duration
}

// Executor signs and submits action calls, then waits for the receipt so the
// engine only marks an action executed once it is mined successfully.
type Executor struct {
	client *ethclient.Client
	signer *crypto.Signer
	cfg    Config
	logger *slog.Logger
}

// NewExecutor dials the RPC endpoint and verifies its chain ID matches the
// signer's, so misconfigured deployments fail at startup instead of at the
// first execution.
func NewExecutor(ctx context.Context, cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Executor, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	if chainID.Cmp(signer.ChainID()) != 0 {
		client.Close()
		return nil, fmt.Errorf("evm: chain id mismatch: node %s, signer %s", chainID, signer.ChainID())
	}

	if cfg.ReceiptTimeout == 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &Executor{
		client: client,
		signer: signer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evm_executor")),
	}, nil
}

// Close releases the RPC connection.
func (e *Executor) Close() {
	e.client.Close()
}

// Call submits a signed transaction carrying the action payload and waits for
// it to be mined. The returned bytes are the result of a read-only simulation
// of the same call, since transaction receipts carry no return data.
func (e *Executor) Call(ctx context.Context, to common.Address, payload []byte, value *big.Int) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := e.signer.Address()

	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("evm: nonce: %w", err)
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  payload,
	}

	// Simulate first. A reverting action should fail here with the revert
	// reason rather than burn gas on chain.
	result, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: simulate call to %s: %w", to.Hex(), err)
	}

	gasLimit, err := e.client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("evm: estimate gas: %w", err)
	}
	if e.cfg.GasLimitCap > 0 && gasLimit > e.cfg.GasLimitCap {
		return nil, fmt.Errorf("evm: gas estimate %d exceeds cap %d", gasLimit, e.cfg.GasLimitCap)
	}

	tipCap, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest tip cap: %w", err)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: latest header: %w", err)
	}
	// feeCap = 2*baseFee + tip leaves headroom for base-fee growth while
	// the transaction is pending.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tipCap,
	)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      payload,
	})

	signed, err := e.signer.SignTx(tx)
	if err != nil {
		return nil, fmt.Errorf("evm: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("evm: send tx: %w", err)
	}

	e.logger.InfoContext(ctx, "transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
	)

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("evm: tx %s reverted on chain", signed.Hash().Hex())
	}

	e.logger.InfoContext(ctx, "transaction mined",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("block", receipt.BlockNumber.Uint64()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return result, nil
}

// waitMined polls for the transaction receipt until the timeout elapses.
func (e *Executor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			e.logger.WarnContext(ctx, "receipt poll failed",
				slog.String("tx", hash.Hex()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("evm: waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Compile-time interface check.
var _ treasury.CallExecutor = (*Executor)(nil)

// Package token provides the in-process fungible instrument bank backing
// collateral and conditional claims. Balances are exact big integers.
// Mint and burn are reachable only through the domain.TokenBank handle the
// engine holds, which keeps claim issuance under the engine's control.
package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// instrument is the per-token ledger: holder balances plus total supply.
type instrument struct {
	symbol   string
	balances map[common.Address]*big.Int
	supply   *big.Int
}

func (ins *instrument) credit(to common.Address, amount *big.Int) {
	bal, ok := ins.balances[to]
	if !ok {
		bal = new(big.Int)
		ins.balances[to] = bal
	}
	bal.Add(bal, amount)
}

func (ins *instrument) debit(from common.Address, amount *big.Int) error {
	bal := ins.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("token: debit %s from %s: %w", ins.symbol, from.Hex(), domain.ErrConservation)
	}
	bal.Sub(bal, amount)
	return nil
}

// Bank implements domain.TokenBank in memory.
type Bank struct {
	mu          sync.Mutex
	instruments map[common.Hash]*instrument
}

// NewBank creates an empty Bank.
func NewBank() *Bank {
	return &Bank{instruments: make(map[common.Hash]*instrument)}
}

// InstrumentID derives a deterministic token id from its scope and symbol.
func InstrumentID(orgID, symbol string) common.Hash {
	return common.BytesToHash(crypto.Keccak256([]byte(orgID), []byte(symbol)))
}

// CreateInstrument registers a new token id. Creating the same id twice
// returns domain.ErrAlreadyExists.
func (b *Bank) CreateInstrument(id common.Hash, symbol string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.instruments[id]; ok {
		return fmt.Errorf("token: create %s: %w", symbol, domain.ErrAlreadyExists)
	}
	b.instruments[id] = &instrument{
		symbol:   symbol,
		balances: make(map[common.Address]*big.Int),
		supply:   new(big.Int),
	}
	return nil
}

func (b *Bank) get(id common.Hash) (*instrument, error) {
	ins, ok := b.instruments[id]
	if !ok {
		return nil, fmt.Errorf("token: instrument %s: %w", id.Hex(), domain.ErrNotFound)
	}
	return ins, nil
}

func checkAmount(op string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("token: %s: %w: negative amount", op, domain.ErrConservation)
	}
	return nil
}

// Mint creates amount units of the given token for to.
func (b *Bank) Mint(_ context.Context, id common.Hash, to common.Address, amount *big.Int) error {
	if err := checkAmount("mint", amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ins, err := b.get(id)
	if err != nil {
		return err
	}
	ins.credit(to, amount)
	ins.supply.Add(ins.supply, amount)
	return nil
}

// Burn destroys amount units of the given token held by from. Burning more
// than the holder's balance is a conservation violation.
func (b *Bank) Burn(_ context.Context, id common.Hash, from common.Address, amount *big.Int) error {
	if err := checkAmount("burn", amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ins, err := b.get(id)
	if err != nil {
		return err
	}
	if err := ins.debit(from, amount); err != nil {
		return err
	}
	ins.supply.Sub(ins.supply, amount)
	return nil
}

// Transfer moves amount units from one holder to another.
func (b *Bank) Transfer(_ context.Context, id common.Hash, from, to common.Address, amount *big.Int) error {
	if err := checkAmount("transfer", amount); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ins, err := b.get(id)
	if err != nil {
		return err
	}
	if err := ins.debit(from, amount); err != nil {
		return err
	}
	ins.credit(to, amount)
	return nil
}

// BalanceOf returns holder's balance of the given token.
func (b *Bank) BalanceOf(_ context.Context, id common.Hash, holder common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins, err := b.get(id)
	if err != nil {
		return nil, err
	}
	bal := ins.balances[holder]
	if bal == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// TotalSupply returns the outstanding supply of the given token.
func (b *Bank) TotalSupply(_ context.Context, id common.Hash) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ins, err := b.get(id)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(ins.supply), nil
}

// Compile-time interface check.
var _ domain.TokenBank = (*Bank)(nil)

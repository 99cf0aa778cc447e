// Package ledger holds the engine's financial bookkeeping: per-proposal
// stake balances and the conditional-claim conservation accounts. Both
// ledgers move value through the token bank and keep an exact in-memory
// index; the engine serializes all access.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

type proposalKey struct {
	orgID string
	id    uint64
}

// stakeBook indexes one proposal's stakers: a balance map for O(1)
// membership plus an insertion-ordered list for deterministic iteration.
type stakeBook struct {
	balances map[common.Address]*big.Int
	order    []common.Address
	total    *big.Int
}

// StakeLedger tracks staker balances during the staking phase. Staked
// collateral is escrowed at the engine account until refund.
type StakeLedger struct {
	bank   domain.TokenBank
	escrow common.Address
	books  map[proposalKey]*stakeBook
}

// NewStakeLedger creates a StakeLedger escrowing stakes at the given
// engine account.
func NewStakeLedger(bank domain.TokenBank, escrow common.Address) *StakeLedger {
	return &StakeLedger{
		bank:   bank,
		escrow: escrow,
		books:  make(map[proposalKey]*stakeBook),
	}
}

func (l *StakeLedger) book(orgID string, id uint64) *stakeBook {
	k := proposalKey{orgID, id}
	bk, ok := l.books[k]
	if !ok {
		bk = &stakeBook{
			balances: make(map[common.Address]*big.Int),
			total:    new(big.Int),
		}
		l.books[k] = bk
	}
	return bk
}

// Stake escrows amount of the staking collateral from staker and records
// the entry.
func (l *StakeLedger) Stake(ctx context.Context, orgID string, id uint64, collateral common.Hash, staker common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: stake: %w: amount must be positive", domain.ErrThresholdNotMet)
	}
	if err := l.bank.Transfer(ctx, collateral, staker, l.escrow, amount); err != nil {
		return fmt.Errorf("ledger: stake escrow: %w", err)
	}

	bk := l.book(orgID, id)
	bal, ok := bk.balances[staker]
	if !ok {
		bal = new(big.Int)
		bk.balances[staker] = bal
		bk.order = append(bk.order, staker)
	}
	bal.Add(bal, amount)
	bk.total.Add(bk.total, amount)
	return nil
}

// Unstake returns amount of escrowed collateral to staker. It fails with
// ErrInsufficientStake when amount exceeds the staker's recorded balance.
func (l *StakeLedger) Unstake(ctx context.Context, orgID string, id uint64, collateral common.Hash, staker common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: unstake: %w: amount must be positive", domain.ErrInsufficientStake)
	}

	bk := l.book(orgID, id)
	bal := bk.balances[staker]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("ledger: unstake %s: %w", staker.Hex(), domain.ErrInsufficientStake)
	}
	if err := l.bank.Transfer(ctx, collateral, l.escrow, staker, amount); err != nil {
		return fmt.Errorf("ledger: unstake refund: %w", err)
	}
	bal.Sub(bal, amount)
	bk.total.Sub(bk.total, amount)
	return nil
}

// RefundAll returns every staker's full balance and zeroes the book. It is
// called only from within an activate or cancel transition, which makes it
// atomic with respect to the surrounding state change.
func (l *StakeLedger) RefundAll(ctx context.Context, orgID string, id uint64, collateral common.Hash) error {
	bk := l.book(orgID, id)
	for _, staker := range bk.order {
		bal := bk.balances[staker]
		if bal.Sign() == 0 {
			continue
		}
		if err := l.bank.Transfer(ctx, collateral, l.escrow, staker, bal); err != nil {
			return fmt.Errorf("ledger: refund %s: %w", staker.Hex(), err)
		}
		bk.total.Sub(bk.total, bal)
		bal.SetInt64(0)
	}
	return nil
}

// Restore re-escrows previously refunded entries. It is the compensation
// step for RefundAll when a later part of an activation fails.
func (l *StakeLedger) Restore(ctx context.Context, orgID string, id uint64, collateral common.Hash, entries []domain.StakeEntry) error {
	for _, e := range entries {
		if e.Amount.Sign() == 0 {
			continue
		}
		if err := l.Stake(ctx, orgID, id, collateral, e.Staker, e.Amount); err != nil {
			return fmt.Errorf("ledger: restore %s: %w", e.Staker.Hex(), err)
		}
	}
	return nil
}

// BalanceOf returns staker's recorded stake on the proposal.
func (l *StakeLedger) BalanceOf(orgID string, id uint64, staker common.Address) *big.Int {
	bk, ok := l.books[proposalKey{orgID, id}]
	if !ok {
		return new(big.Int)
	}
	bal := bk.balances[staker]
	if bal == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(bal)
}

// Total returns the sum of all recorded stakes on the proposal.
func (l *StakeLedger) Total(orgID string, id uint64) *big.Int {
	bk, ok := l.books[proposalKey{orgID, id}]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(bk.total)
}

// Entries returns the proposal's stake book in insertion order, for
// persistence snapshots.
func (l *StakeLedger) Entries(orgID string, id uint64) []domain.StakeEntry {
	bk, ok := l.books[proposalKey{orgID, id}]
	if !ok {
		return nil
	}
	out := make([]domain.StakeEntry, 0, len(bk.order))
	for _, staker := range bk.order {
		out = append(out, domain.StakeEntry{
			OrgID:      orgID,
			ProposalID: id,
			Staker:     staker,
			Amount:     new(big.Int).Set(bk.balances[staker]),
		})
	}
	return out
}

package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/token"
)

// InstrumentCreator is the narrow bank surface the claim ledger needs
// beyond domain.TokenBank: registering the four claim instruments at
// issuance time.
type InstrumentCreator interface {
	CreateInstrument(id common.Hash, symbol string) error
}

// sideTotals tracks outstanding pass and fail claims for one collateral
// kind. The conservation identity keeps both equal until redemption, after
// which only the winning side may shrink.
type sideTotals struct {
	pass *big.Int
	fail *big.Int
}

type claimBook struct {
	claims domain.ConditionalTokenSet
	totals map[domain.CollateralKind]*sideTotals
}

// ClaimLedger enforces the collateral-conservation identity across
// split, merge and redeem: one unit of locked collateral always
// corresponds to exactly one pass-claim plus one fail-claim.
type ClaimLedger struct {
	bank    domain.TokenBank
	creator InstrumentCreator
	escrow  common.Address
	books   map[proposalKey]*claimBook
}

// NewClaimLedger creates a ClaimLedger escrowing locked collateral at the
// given engine account.
func NewClaimLedger(bank domain.TokenBank, creator InstrumentCreator, escrow common.Address) *ClaimLedger {
	return &ClaimLedger{
		bank:    bank,
		creator: creator,
		escrow:  escrow,
		books:   make(map[proposalKey]*claimBook),
	}
}

// Issue registers the four conditional claim instruments for a proposal
// and returns the set. Issue is part of the activation sequence.
func (l *ClaimLedger) Issue(orgID string, id uint64) (domain.ConditionalTokenSet, error) {
	set := domain.ConditionalTokenSet{
		PassBase:  token.InstrumentID(orgID, fmt.Sprintf("P%d:PASS:BASE", id)),
		FailBase:  token.InstrumentID(orgID, fmt.Sprintf("P%d:FAIL:BASE", id)),
		PassQuote: token.InstrumentID(orgID, fmt.Sprintf("P%d:PASS:QUOTE", id)),
		FailQuote: token.InstrumentID(orgID, fmt.Sprintf("P%d:FAIL:QUOTE", id)),
	}
	instruments := []struct {
		id     common.Hash
		symbol string
	}{
		{set.PassBase, fmt.Sprintf("%s-p%d-pass-base", orgID, id)},
		{set.FailBase, fmt.Sprintf("%s-p%d-fail-base", orgID, id)},
		{set.PassQuote, fmt.Sprintf("%s-p%d-pass-quote", orgID, id)},
		{set.FailQuote, fmt.Sprintf("%s-p%d-fail-quote", orgID, id)},
	}
	for _, ins := range instruments {
		if err := l.creator.CreateInstrument(ins.id, ins.symbol); err != nil {
			return domain.ConditionalTokenSet{}, fmt.Errorf("ledger: issue claims: %w", err)
		}
	}

	l.books[proposalKey{orgID, id}] = &claimBook{
		claims: set,
		totals: map[domain.CollateralKind]*sideTotals{
			domain.CollateralBase:  {pass: new(big.Int), fail: new(big.Int)},
			domain.CollateralQuote: {pass: new(big.Int), fail: new(big.Int)},
		},
	}
	return set, nil
}

// Retire removes the proposal's claim book. It is the compensation step
// for Issue when a later part of activation fails.
func (l *ClaimLedger) Retire(orgID string, id uint64) {
	delete(l.books, proposalKey{orgID, id})
}

func (l *ClaimLedger) book(orgID string, id uint64) (*claimBook, error) {
	bk, ok := l.books[proposalKey{orgID, id}]
	if !ok {
		return nil, fmt.Errorf("ledger: claims for proposal %d: %w", id, domain.ErrNotFound)
	}
	return bk, nil
}

// Split locks amount of the chosen collateral from caller and mints
// amount of each matching pass/fail claim to caller.
func (l *ClaimLedger) Split(ctx context.Context, orgID string, id uint64, collateral common.Hash, kind domain.CollateralKind, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: split: %w: amount must be positive", domain.ErrConservation)
	}
	bk, err := l.book(orgID, id)
	if err != nil {
		return err
	}

	if err := l.bank.Transfer(ctx, collateral, caller, l.escrow, amount); err != nil {
		return fmt.Errorf("ledger: split lock collateral: %w", err)
	}

	passID, failID := bk.claims.ClaimPair(kind)
	if err := l.bank.Mint(ctx, passID, caller, amount); err != nil {
		return fmt.Errorf("ledger: split mint pass: %w", err)
	}
	if err := l.bank.Mint(ctx, failID, caller, amount); err != nil {
		return fmt.Errorf("ledger: split mint fail: %w", err)
	}

	tot := bk.totals[kind]
	tot.pass.Add(tot.pass, amount)
	tot.fail.Add(tot.fail, amount)
	return nil
}

// Merge burns amount of each matching pass/fail claim from caller and
// releases amount of the locked collateral back to caller.
func (l *ClaimLedger) Merge(ctx context.Context, orgID string, id uint64, collateral common.Hash, kind domain.CollateralKind, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("ledger: merge: %w: amount must be positive", domain.ErrConservation)
	}
	bk, err := l.book(orgID, id)
	if err != nil {
		return err
	}

	passID, failID := bk.claims.ClaimPair(kind)
	if err := l.bank.Burn(ctx, passID, caller, amount); err != nil {
		return fmt.Errorf("ledger: merge burn pass: %w", err)
	}
	if err := l.bank.Burn(ctx, failID, caller, amount); err != nil {
		return fmt.Errorf("ledger: merge burn fail: %w", err)
	}
	if err := l.bank.Transfer(ctx, collateral, l.escrow, caller, amount); err != nil {
		return fmt.Errorf("ledger: merge release collateral: %w", err)
	}

	tot := bk.totals[kind]
	tot.pass.Sub(tot.pass, amount)
	tot.fail.Sub(tot.fail, amount)
	return nil
}

// Redeem burns the caller's full balance of the winning side's claims for
// both collateral kinds and releases the locked collateral 1:1. Losing
// claims are left untouched and worthless. It fails with
// ErrNothingToRedeem when the caller holds none of the winning claims.
func (l *ClaimLedger) Redeem(ctx context.Context, orgID string, id uint64, baseToken, quoteToken common.Hash, outcome domain.Outcome, caller common.Address) (base, quote *big.Int, err error) {
	bk, err := l.book(orgID, id)
	if err != nil {
		return nil, nil, err
	}

	base, err = l.redeemKind(ctx, bk, domain.CollateralBase, baseToken, outcome, caller)
	if err != nil {
		return nil, nil, err
	}
	quote, err = l.redeemKind(ctx, bk, domain.CollateralQuote, quoteToken, outcome, caller)
	if err != nil {
		return nil, nil, err
	}

	if base.Sign() == 0 && quote.Sign() == 0 {
		return nil, nil, fmt.Errorf("ledger: redeem %s: %w", caller.Hex(), domain.ErrNothingToRedeem)
	}
	return base, quote, nil
}

func (l *ClaimLedger) redeemKind(ctx context.Context, bk *claimBook, kind domain.CollateralKind, collateral common.Hash, outcome domain.Outcome, caller common.Address) (*big.Int, error) {
	passID, failID := bk.claims.ClaimPair(kind)
	winID := passID
	if outcome == domain.OutcomeFail {
		winID = failID
	}

	bal, err := l.bank.BalanceOf(ctx, winID, caller)
	if err != nil {
		return nil, fmt.Errorf("ledger: redeem balance: %w", err)
	}
	if bal.Sign() == 0 {
		return new(big.Int), nil
	}

	if err := l.bank.Burn(ctx, winID, caller, bal); err != nil {
		return nil, fmt.Errorf("ledger: redeem burn: %w", err)
	}
	if err := l.bank.Transfer(ctx, collateral, l.escrow, caller, bal); err != nil {
		return nil, fmt.Errorf("ledger: redeem release collateral: %w", err)
	}

	tot := bk.totals[kind]
	if outcome == domain.OutcomeFail {
		tot.fail.Sub(tot.fail, bal)
	} else {
		tot.pass.Sub(tot.pass, bal)
	}
	return bal, nil
}

// Reinstate mints back winning-side claims burned by an earlier Redeem and
// locks the released collateral again. It is the compensation step when a
// later part of the enclosing operation fails.
func (l *ClaimLedger) Reinstate(ctx context.Context, orgID string, id uint64, baseToken, quoteToken common.Hash, outcome domain.Outcome, caller common.Address, base, quote *big.Int) error {
	bk, err := l.book(orgID, id)
	if err != nil {
		return err
	}
	if err := l.reinstateKind(ctx, bk, domain.CollateralBase, baseToken, outcome, caller, base); err != nil {
		return err
	}
	return l.reinstateKind(ctx, bk, domain.CollateralQuote, quoteToken, outcome, caller, quote)
}

func (l *ClaimLedger) reinstateKind(ctx context.Context, bk *claimBook, kind domain.CollateralKind, collateral common.Hash, outcome domain.Outcome, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}

	passID, failID := bk.claims.ClaimPair(kind)
	winID := passID
	if outcome == domain.OutcomeFail {
		winID = failID
	}

	if err := l.bank.Transfer(ctx, collateral, caller, l.escrow, amount); err != nil {
		return fmt.Errorf("ledger: reinstate lock collateral: %w", err)
	}
	if err := l.bank.Mint(ctx, winID, caller, amount); err != nil {
		return fmt.Errorf("ledger: reinstate mint: %w", err)
	}

	tot := bk.totals[kind]
	if outcome == domain.OutcomeFail {
		tot.fail.Add(tot.fail, amount)
	} else {
		tot.pass.Add(tot.pass, amount)
	}
	return nil
}

// Outstanding returns the outstanding pass and fail claim totals for one
// collateral kind.
func (l *ClaimLedger) Outstanding(orgID string, id uint64, kind domain.CollateralKind) (pass, fail *big.Int) {
	bk, ok := l.books[proposalKey{orgID, id}]
	if !ok {
		return new(big.Int), new(big.Int)
	}
	tot := bk.totals[kind]
	return new(big.Int).Set(tot.pass), new(big.Int).Set(tot.fail)
}

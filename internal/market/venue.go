// Package market implements the in-process automated-market-making venue
// behind domain.MarketVenue. Each proposal gets two constant-product pools
// (pass and fail), each feeding a rate-limited price observation that
// drives the TWAP oracle at resolution time.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quorumlabs/futarchyd/internal/bps"
	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/observer"
)

// PriceScale is the fixed-point scale for pool prices: a price of
// 1_000_000 means one base claim trades for exactly one quote claim.
const PriceScale = 1_000_000

var priceScale = big.NewInt(PriceScale)

// Side selects one of a proposal's two conditional markets.
type Side string

const (
	SidePass Side = "pass"
	SideFail Side = "fail"
)

type pairKey struct {
	orgID      string
	proposalID uint64
}

// pool is one constant-product market: base-claim reserves against
// quote-claim reserves with a bps swap fee accrued outside the reserves.
type pool struct {
	baseClaim  common.Hash
	quoteClaim common.Hash

	baseReserve  *big.Int
	quoteReserve *big.Int

	feeBps    int64
	feesBase  *big.Int
	feesQuote *big.Int

	obs *observer.Observation
}

// spot returns the pool price of one base claim in quote claims, scaled by
// PriceScale. An empty pool prices at zero.
func (p *pool) spot() *big.Int {
	if p.baseReserve.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(p.quoteReserve, priceScale)
	return out.Quo(out, p.baseReserve)
}

type pair struct {
	passID string
	failID string
	funder common.Address
	pass   *pool
	fail   *pool
	closed bool
}

// Venue implements domain.MarketVenue with in-process pools whose claim
// reserves live in the token bank under the venue account.
type Venue struct {
	mu      sync.Mutex
	bank    domain.TokenBank
	clock   domain.Clock
	account common.Address
	logger  *slog.Logger
	pairs   map[pairKey]*pair
}

// NewVenue creates a Venue holding reserves at the given bank account.
func NewVenue(bank domain.TokenBank, clock domain.Clock, account common.Address, logger *slog.Logger) *Venue {
	return &Venue{
		bank:    bank,
		clock:   clock,
		account: account,
		logger:  logger.With(slog.String("component", "market")),
		pairs:   make(map[pairKey]*pair),
	}
}

// Account returns the venue's bank account.
func (v *Venue) Account() common.Address { return v.account }

func marketID(orgID string, proposalID uint64, side Side) string {
	h := crypto.Keccak256([]byte(fmt.Sprintf("%s:%d:%s", orgID, proposalID, side)))
	return common.BytesToHash(h).Hex()
}

// InitializeMarkets opens the pass and fail pools for a proposal, pulling
// the claim liquidity from the funder account. Both pools start with the
// same reserves and therefore the same start price.
func (v *Venue) InitializeMarkets(ctx context.Context, p domain.InitMarketsParams) (string, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	k := pairKey{p.OrgID, p.ProposalID}
	if _, ok := v.pairs[k]; ok {
		return "", "", fmt.Errorf("market: initialize proposal %d: %w", p.ProposalID, domain.ErrAlreadyExists)
	}
	if !bps.IsPositive(p.BaseAmount) || !bps.IsPositive(p.QuoteAmount) {
		return "", "", fmt.Errorf("market: initialize proposal %d: %w: empty liquidity", p.ProposalID, domain.ErrCollaborator)
	}

	pull := []struct {
		claim  common.Hash
		amount *big.Int
	}{
		{p.Claims.PassBase, p.BaseAmount},
		{p.Claims.FailBase, p.BaseAmount},
		{p.Claims.PassQuote, p.QuoteAmount},
		{p.Claims.FailQuote, p.QuoteAmount},
	}
	for i, in := range pull {
		if err := v.bank.Transfer(ctx, in.claim, p.Funder, v.account, in.amount); err != nil {
			// Hand back whatever was already pulled.
			for j := 0; j < i; j++ {
				_ = v.bank.Transfer(ctx, pull[j].claim, v.account, p.Funder, pull[j].amount)
			}
			return "", "", fmt.Errorf("market: pull liquidity: %w", err)
		}
	}

	newPool := func(baseClaim, quoteClaim common.Hash) *pool {
		pl := &pool{
			baseClaim:    baseClaim,
			quoteClaim:   quoteClaim,
			baseReserve:  new(big.Int).Set(p.BaseAmount),
			quoteReserve: new(big.Int).Set(p.QuoteAmount),
			feeBps:       p.SwapFeeBps,
			feesBase:     new(big.Int),
			feesQuote:    new(big.Int),
			obs:          observer.New(p.RateLimitBps, p.RecordingStartAt),
		}
		start := p.StartPrice
		if !bps.IsPositive(start) {
			start = pl.spot()
		}
		pl.obs.Update(start, v.clock.Now())
		return pl
	}

	pr := &pair{
		passID: marketID(p.OrgID, p.ProposalID, SidePass),
		failID: marketID(p.OrgID, p.ProposalID, SideFail),
		funder: p.Funder,
		pass:   newPool(p.Claims.PassBase, p.Claims.PassQuote),
		fail:   newPool(p.Claims.FailBase, p.Claims.FailQuote),
	}
	v.pairs[k] = pr

	v.logger.Info("markets initialized",
		slog.String("org_id", p.OrgID),
		slog.Uint64("proposal_id", p.ProposalID),
		slog.String("pass_market", pr.passID),
		slog.String("fail_market", pr.failID),
	)
	return pr.passID, pr.failID, nil
}

func (v *Venue) pair(orgID string, proposalID uint64) (*pair, error) {
	pr, ok := v.pairs[pairKey{orgID, proposalID}]
	if !ok {
		return nil, fmt.Errorf("market: proposal %d: %w", proposalID, domain.ErrNotFound)
	}
	return pr, nil
}

// Swap trades amountIn of one claim for the other within a single pool.
// sellBase=true sells base claims for quote claims. The fee is taken from
// the input before pricing and accrues outside the reserves. The pool's
// observation is updated with the post-trade spot price.
func (v *Venue) Swap(ctx context.Context, orgID string, proposalID uint64, side Side, trader common.Address, sellBase bool, amountIn *big.Int) (*big.Int, error) {
	if !bps.IsPositive(amountIn) {
		return nil, fmt.Errorf("market: swap: %w: amount must be positive", domain.ErrConservation)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return nil, err
	}
	if pr.closed {
		return nil, fmt.Errorf("market: swap on closed market: %w", domain.ErrInvalidState)
	}

	pl := pr.pass
	if side == SideFail {
		pl = pr.fail
	}

	inClaim, outClaim := pl.baseClaim, pl.quoteClaim
	reserveIn, reserveOut := pl.baseReserve, pl.quoteReserve
	fees := pl.feesBase
	if !sellBase {
		inClaim, outClaim = pl.quoteClaim, pl.baseClaim
		reserveIn, reserveOut = pl.quoteReserve, pl.baseReserve
		fees = pl.feesQuote
	}

	fee := bps.Apply(amountIn, pl.feeBps)
	inAfterFee := new(big.Int).Sub(amountIn, fee)
	if inAfterFee.Sign() <= 0 {
		return nil, fmt.Errorf("market: swap: %w: amount below fee", domain.ErrConservation)
	}

	// out = reserveOut * inAfterFee / (reserveIn + inAfterFee)
	out := new(big.Int).Mul(reserveOut, inAfterFee)
	out.Quo(out, new(big.Int).Add(reserveIn, inAfterFee))
	if out.Sign() <= 0 {
		return nil, fmt.Errorf("market: swap: %w: output rounds to zero", domain.ErrConservation)
	}

	if err := v.bank.Transfer(ctx, inClaim, trader, v.account, amountIn); err != nil {
		return nil, fmt.Errorf("market: swap pull input: %w", err)
	}
	if err := v.bank.Transfer(ctx, outClaim, v.account, trader, out); err != nil {
		_ = v.bank.Transfer(ctx, inClaim, v.account, trader, amountIn)
		return nil, fmt.Errorf("market: swap pay output: %w", err)
	}

	reserveIn.Add(reserveIn, inAfterFee)
	reserveOut.Sub(reserveOut, out)
	fees.Add(fees, fee)

	pl.obs.Update(pl.spot(), v.clock.Now())
	return out, nil
}

// Poke feeds both pools' current spot prices into their observations. The
// recorder calls this on a ticker so quiet markets keep integrating time.
func (v *Venue) Poke(orgID string, proposalID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return err
	}
	if pr.closed {
		return fmt.Errorf("market: poke closed market: %w", domain.ErrInvalidState)
	}
	now := v.clock.Now()
	pr.pass.obs.Update(pr.pass.spot(), now)
	pr.fail.obs.Update(pr.fail.spot(), now)
	return nil
}

// CollectFees reports the swap fees accrued so far, as base-side and
// quote-side claim totals across both pools. The fee claims themselves are
// handed back together with the reserves by RemoveLiquidity.
func (v *Venue) CollectFees(ctx context.Context, orgID string, proposalID uint64) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return nil, nil, err
	}

	baseTotal := new(big.Int)
	quoteTotal := new(big.Int)
	for _, pl := range []*pool{pr.pass, pr.fail} {
		baseTotal.Add(baseTotal, pl.feesBase)
		quoteTotal.Add(quoteTotal, pl.feesQuote)
	}
	return baseTotal, quoteTotal, nil
}

// RemoveLiquidity closes both pools and returns every claim held as
// reserves or fees to the engine escrow recorded at initialization. It
// returns the base-side and quote-side claim totals handed back. The
// reserve and fee bookkeeping is left intact so RestoreLiquidity can put
// the pools back when a later part of the enclosing operation fails.
func (v *Venue) RemoveLiquidity(ctx context.Context, orgID string, proposalID uint64) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return nil, nil, err
	}
	if pr.closed {
		return nil, nil, fmt.Errorf("market: remove liquidity twice: %w", domain.ErrInvalidState)
	}

	baseTotal := new(big.Int)
	quoteTotal := new(big.Int)
	for _, pl := range []*pool{pr.pass, pr.fail} {
		baseOut := new(big.Int).Add(pl.baseReserve, pl.feesBase)
		quoteOut := new(big.Int).Add(pl.quoteReserve, pl.feesQuote)

		if err := v.bank.Transfer(ctx, pl.baseClaim, v.account, pr.funder, baseOut); err != nil {
			return nil, nil, fmt.Errorf("market: remove liquidity base: %w", err)
		}
		if err := v.bank.Transfer(ctx, pl.quoteClaim, v.account, pr.funder, quoteOut); err != nil {
			return nil, nil, fmt.Errorf("market: remove liquidity quote: %w", err)
		}

		baseTotal.Add(baseTotal, baseOut)
		quoteTotal.Add(quoteTotal, quoteOut)
	}
	pr.closed = true
	return baseTotal, quoteTotal, nil
}

// RestoreLiquidity reopens a pair closed by RemoveLiquidity, pulling the
// handed-back claims from the funder into the pools again. It is the
// compensation step when a later part of resolution fails.
func (v *Venue) RestoreLiquidity(ctx context.Context, orgID string, proposalID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return err
	}
	if !pr.closed {
		return fmt.Errorf("market: restore open market: %w", domain.ErrInvalidState)
	}

	for _, pl := range []*pool{pr.pass, pr.fail} {
		baseIn := new(big.Int).Add(pl.baseReserve, pl.feesBase)
		quoteIn := new(big.Int).Add(pl.quoteReserve, pl.feesQuote)

		if err := v.bank.Transfer(ctx, pl.baseClaim, pr.funder, v.account, baseIn); err != nil {
			return fmt.Errorf("market: restore liquidity base: %w", err)
		}
		if err := v.bank.Transfer(ctx, pl.quoteClaim, pr.funder, v.account, quoteIn); err != nil {
			return fmt.Errorf("market: restore liquidity quote: %w", err)
		}
	}
	pr.closed = false
	return nil
}

// TWAPs returns both markets' time-weighted average prices as of at.
func (v *Venue) TWAPs(_ context.Context, orgID string, proposalID uint64, at time.Time) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return nil, nil, err
	}
	return pr.pass.obs.TWAP(at), pr.fail.obs.TWAP(at), nil
}

// SpotPrices returns both markets' current pool prices.
func (v *Venue) SpotPrices(_ context.Context, orgID string, proposalID uint64) (*big.Int, *big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pr, err := v.pair(orgID, proposalID)
	if err != nil {
		return nil, nil, err
	}
	return pr.pass.spot(), pr.fail.spot(), nil
}

// Compile-time interface check.
var _ domain.MarketVenue = (*Venue)(nil)

package market

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/token"
)

var (
	escrow = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	venueA = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	trader = common.HexToAddress("0x00000000000000000000000000000000000000d4")
)

const orgID = "org-1"

// fakeClock is a manually advanced domain.Clock.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	venue  *Venue
	bank   *token.Bank
	clock  *fakeClock
	claims domain.ConditionalTokenSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bank := token.NewBank()
	claims := domain.ConditionalTokenSet{
		PassBase:  token.InstrumentID(orgID, "P1:PASS:BASE"),
		FailBase:  token.InstrumentID(orgID, "P1:FAIL:BASE"),
		PassQuote: token.InstrumentID(orgID, "P1:PASS:QUOTE"),
		FailQuote: token.InstrumentID(orgID, "P1:FAIL:QUOTE"),
	}
	for sym, id := range map[string]common.Hash{
		"pass-base": claims.PassBase, "fail-base": claims.FailBase,
		"pass-quote": claims.PassQuote, "fail-quote": claims.FailQuote,
	} {
		require.NoError(t, bank.CreateInstrument(id, sym))
	}
	// Engine escrow funds the pools; the trader holds quote claims to buy with.
	for _, id := range []common.Hash{claims.PassBase, claims.FailBase} {
		require.NoError(t, bank.Mint(ctx, id, escrow, big.NewInt(10_000)))
	}
	for _, id := range []common.Hash{claims.PassQuote, claims.FailQuote} {
		require.NoError(t, bank.Mint(ctx, id, escrow, big.NewInt(10_000)))
		require.NoError(t, bank.Mint(ctx, id, trader, big.NewInt(5_000)))
	}

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		venue:  NewVenue(bank, clock, venueA, logger),
		bank:   bank,
		clock:  clock,
		claims: claims,
	}
}

func (f *fixture) initMarkets(t *testing.T) {
	t.Helper()
	_, _, err := f.venue.InitializeMarkets(context.Background(), domain.InitMarketsParams{
		OrgID:            orgID,
		ProposalID:       1,
		Claims:           f.claims,
		Funder:           escrow,
		BaseAmount:       big.NewInt(10_000),
		QuoteAmount:      big.NewInt(10_000),
		RateLimitBps:     10_000,
		SwapFeeBps:       30,
		RecordingStartAt: f.clock.now,
	})
	require.NoError(t, err)
}

func TestInitializeMarkets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.initMarkets(t)

	passSpot, failSpot, err := f.venue.SpotPrices(ctx, orgID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(PriceScale), passSpot.Int64(), "equal reserves price at parity")
	assert.Equal(t, int64(PriceScale), failSpot.Int64())

	bal, _ := f.bank.BalanceOf(ctx, f.claims.PassBase, venueA)
	assert.Equal(t, int64(10_000), bal.Int64(), "reserves pulled into the venue account")

	_, _, err = f.venue.InitializeMarkets(ctx, domain.InitMarketsParams{OrgID: orgID, ProposalID: 1})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSwapMovesPriceAndChargesFee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.initMarkets(t)

	// Buying base claims with quote claims pushes the pass price up.
	out, err := f.venue.Swap(ctx, orgID, 1, SidePass, trader, false, big.NewInt(1_000))
	require.NoError(t, err)
	assert.Positive(t, out.Int64())

	passSpot, failSpot, err := f.venue.SpotPrices(ctx, orgID, 1)
	require.NoError(t, err)
	assert.Greater(t, passSpot.Int64(), int64(PriceScale))
	assert.Equal(t, int64(PriceScale), failSpot.Int64(), "fail pool untouched")

	baseFees, quoteFees, err := f.venue.CollectFees(ctx, orgID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), baseFees.Int64())
	assert.Equal(t, int64(3), quoteFees.Int64(), "30 bps of 1000")
}

func TestTWAPIntegratesOverTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.initMarkets(t)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.venue.Poke(orgID, 1))
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.venue.Poke(orgID, 1))

	passTwap, failTwap, err := f.venue.TWAPs(ctx, orgID, 1, f.clock.now)
	require.NoError(t, err)
	assert.Equal(t, int64(PriceScale), passTwap.Int64())
	assert.Equal(t, int64(PriceScale), failTwap.Int64())
}

func TestRemoveLiquidityClosesMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.initMarkets(t)

	base, quote, err := f.venue.RemoveLiquidity(ctx, orgID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000), base.Int64(), "both pools' base reserves")
	assert.Equal(t, int64(20_000), quote.Int64())

	bal, _ := f.bank.BalanceOf(ctx, f.claims.PassBase, escrow)
	assert.Equal(t, int64(10_000), bal.Int64(), "claims returned to the funder")

	_, err = f.venue.Swap(ctx, orgID, 1, SidePass, trader, false, big.NewInt(10))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, _, err = f.venue.RemoveLiquidity(ctx, orgID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUnknownProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _, err := f.venue.SpotPrices(ctx, orgID, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreLiquidityReopensMarket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.initMarkets(t)

	_, _, err := f.venue.RemoveLiquidity(ctx, orgID, 1)
	require.NoError(t, err)

	// Restore pulls the claims back and the market trades again.
	require.NoError(t, f.venue.RestoreLiquidity(ctx, orgID, 1))

	bal, _ := f.bank.BalanceOf(ctx, f.claims.PassBase, venueA)
	assert.Equal(t, int64(10_000), bal.Int64(), "reserves back at the venue account")

	f.clock.Advance(time.Second)
	_, err = f.venue.Swap(ctx, orgID, 1, SidePass, trader, false, big.NewInt(100))
	require.NoError(t, err)

	// Restoring an open market is rejected.
	err = f.venue.RestoreLiquidity(ctx, orgID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// A second teardown still works after the restore.
	_, _, err = f.venue.RemoveLiquidity(ctx, orgID, 1)
	require.NoError(t, err)
}

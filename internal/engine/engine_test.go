package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/executor"
	"github.com/quorumlabs/futarchyd/internal/ledger"
	"github.com/quorumlabs/futarchyd/internal/market"
	"github.com/quorumlabs/futarchyd/internal/registry"
	"github.com/quorumlabs/futarchyd/internal/token"
	"github.com/quorumlabs/futarchyd/internal/treasury"
)

const orgID = "org-1"

var (
	treasuryAcct = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	escrowAcct   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	venueAcct    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	ownerAddr    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	teamAddr     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	adminAddr    = common.HexToAddress("0x0000000000000000000000000000000000000003")
	aliceAddr    = common.HexToAddress("0x0000000000000000000000000000000000000004")
	strangerAddr = common.HexToAddress("0x0000000000000000000000000000000000000005")
	targetAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeCall struct {
	fail  bool
	calls int
}

func (f *fakeCall) Call(context.Context, common.Address, []byte, *big.Int) ([]byte, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("call reverted")
	}
	return []byte("ok"), nil
}

// brokenVenue fails market initialization so activation has to unwind.
type brokenVenue struct{ domain.MarketVenue }

func (brokenVenue) InitializeMarkets(context.Context, domain.InitMarketsParams) (string, string, error) {
	return "", "", errors.New("venue unavailable")
}

// flakyTreasury fails ReturnLiquidity a configured number of times so
// resolution has to unwind and stay retryable.
type flakyTreasury struct {
	domain.Treasury
	failures int
}

func (f *flakyTreasury) ReturnLiquidity(ctx context.Context, orgID string, base, quote *big.Int) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("treasury unavailable")
	}
	return f.Treasury.ReturnLiquidity(ctx, orgID, base, quote)
}

type fixture struct {
	eng   *Engine
	venue *market.Venue
	bank  *token.Bank
	clock *fakeClock
	call  *fakeCall

	baseToken  common.Hash
	quoteToken common.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	bank := token.NewBank()
	baseToken := token.InstrumentID(orgID, "GOV")
	quoteToken := token.InstrumentID(orgID, "USD")
	require.NoError(t, bank.CreateInstrument(baseToken, "GOV"))
	require.NoError(t, bank.CreateInstrument(quoteToken, "USD"))

	// Base supply 700k: treasury 500k, alice 100k, owner 50k, team 50k.
	require.NoError(t, bank.Mint(ctx, baseToken, treasuryAcct, big.NewInt(500_000)))
	require.NoError(t, bank.Mint(ctx, baseToken, aliceAddr, big.NewInt(100_000)))
	require.NoError(t, bank.Mint(ctx, baseToken, ownerAddr, big.NewInt(50_000)))
	require.NoError(t, bank.Mint(ctx, baseToken, teamAddr, big.NewInt(50_000)))
	require.NoError(t, bank.Mint(ctx, quoteToken, treasuryAcct, big.NewInt(500_000)))
	require.NoError(t, bank.Mint(ctx, quoteToken, aliceAddr, big.NewInt(100_000)))

	reg := registry.New(nil)
	require.NoError(t, reg.SetOrgConfig(ctx, domain.OrgConfig{
		OrgID:                orgID,
		BaseToken:            baseToken,
		QuoteToken:           quoteToken,
		TeamThresholdBps:     -300,
		NonTeamThresholdBps:  300,
		OwnerStakeBps:        100, // 1% of 700k = 7,000
		TeamStakeBps:         200, // 2% of 700k = 14,000
		DefaultStakeAbs:      big.NewInt(1_000),
		StakingDuration:      time.Hour,
		TradingDuration:      24 * time.Hour,
		MinCancellationDelay: 10 * time.Minute,
		RecordingDelay:       time.Hour,
		ObservationRateBps:   10_000,
		LiquidityFractionBps: 1_000, // 10%
		SwapFeeBps:           30,
		TreasuryFeeShareBps:  9_000,
	}))
	require.NoError(t, reg.SetOwner(ctx, orgID, ownerAddr))
	require.NoError(t, reg.AddTeamMember(ctx, orgID, teamAddr))
	require.NoError(t, reg.AddProtocolAdmin(ctx, adminAddr))

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	call := &fakeCall{}

	venue := market.NewVenue(bank, clock, venueAcct, logger)
	treas := treasury.New(bank, reg, treasuryAcct, escrowAcct, call, logger)
	stakes := ledger.NewStakeLedger(bank, escrowAcct)
	claims := ledger.NewClaimLedger(bank, bank, escrowAcct)
	actions := executor.New(treas, clock, logger)

	eng := New(reg, treas, venue, bank, clock, stakes, claims, actions, escrowAcct, Sinks{}, logger)
	return &fixture{
		eng:        eng,
		venue:      venue,
		bank:       bank,
		clock:      clock,
		call:       call,
		baseToken:  baseToken,
		quoteToken: quoteToken,
	}
}

func oneAction() []domain.Action {
	return []domain.Action{{
		Type:    "transfer",
		Target:  targetAddr,
		Payload: []byte{0x01},
		Value:   big.NewInt(0),
	}}
}

func (f *fixture) balance(t *testing.T, tok common.Hash, holder common.Address) int64 {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), tok, holder)
	require.NoError(t, err)
	return bal.Int64()
}

func TestFullLifecyclePassAndExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusStaking, p.Status)
	assert.True(t, p.TeamSponsored)

	// Team threshold is 2% of base supply.
	required, err := f.eng.RequiredStake(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(14_000), required.Int64())

	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(14_000)))
	assert.Equal(t, int64(86_000), f.balance(t, f.baseToken, aliceAddr), "stake escrowed")

	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusActive, p.Status)
	assert.Equal(t, int64(50_000), p.Reserves.Base.Int64(), "10% of treasury base")
	assert.Equal(t, int64(100_000), f.balance(t, f.baseToken, aliceAddr), "stake refunded at activation")
	assert.Equal(t, int64(450_000), f.balance(t, f.baseToken, treasuryAcct))
	assert.Equal(t, int64(50_000), f.balance(t, p.Claims.PassBase, venueAcct), "liquidity seeded into both pools")
	assert.Equal(t, int64(50_000), f.balance(t, p.Claims.FailBase, venueAcct))

	// Alice splits quote collateral and buys pass-base after recording starts.
	require.NoError(t, f.eng.Split(ctx, orgID, p.ID, domain.CollateralQuote, aliceAddr, big.NewInt(10_000)))
	assert.Equal(t, int64(90_000), f.balance(t, f.quoteToken, aliceAddr))
	assert.Equal(t, int64(10_000), f.balance(t, p.Claims.PassQuote, aliceAddr))
	assert.Equal(t, int64(10_000), f.balance(t, p.Claims.FailQuote, aliceAddr))

	f.clock.Advance(2 * time.Hour)
	bought, err := f.venue.Swap(ctx, orgID, p.ID, market.SidePass, aliceAddr, false, big.NewInt(10_000))
	require.NoError(t, err)
	assert.Positive(t, bought.Int64())

	f.clock.Advance(22 * time.Hour)
	outcome, err := f.eng.Resolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, outcome)

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusResolved, p.Status)
	require.NotNil(t, p.ResolvedAt)
	assert.Positive(t, p.PassTwap.Cmp(p.FailTwap), "buying pass claims lifted the pass TWAP")

	// The live slot stays occupied until execution completes.
	_, err = f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	assert.ErrorIs(t, err, domain.ErrProposalLive)

	result, err := f.eng.ExecuteAction(ctx, orgID, p.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, 1, f.call.calls)

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusExecuted, p.Status)

	// Terminal status is permanent but late redemption still works: alice
	// holds pass-base claims bought on the winning side.
	base, quote, err := f.eng.Redeem(ctx, orgID, p.ID, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, bought.Int64(), base.Int64())
	assert.Equal(t, int64(0), quote.Int64(), "alice spent her pass-quote claims in the swap")

	// Slot is free again.
	_, err = f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err)
}

func TestResolveFailReturnsAllLiquidity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Owner-sponsored proposal: positive threshold, so equal TWAPs fail.
	p, err := f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err)
	assert.False(t, p.TeamSponsored)

	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, ownerAddr, big.NewInt(7_000)))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	f.clock.Advance(24 * time.Hour)
	outcome, err := f.eng.Resolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeFail, outcome)

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusFailed, p.Status)
	assert.Equal(t, p.PassTwap.Int64(), p.FailTwap.Int64(), "no trades, both markets at parity")

	// Without trades every claim merges back 1:1.
	assert.Equal(t, int64(500_000), f.balance(t, f.baseToken, treasuryAcct))
	assert.Equal(t, int64(500_000), f.balance(t, f.quoteToken, treasuryAcct))

	// A failed proposal frees the slot.
	_, err = f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err)
}

func TestActivationIsAllOrNothing(t *testing.T) {
	ctx := context.Background()

	// Build the engine around a venue that fails initialization.
	f := newFixture(t)
	f.eng.venue = brokenVenue{f.venue}

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(14_000)))
	f.clock.Advance(time.Hour)

	err = f.eng.ActivateProposal(ctx, orgID, p.ID)
	require.ErrorIs(t, err, domain.ErrCollaborator)

	// Every step unwound: stakes re-escrowed, treasury untouched,
	// proposal still in Staking.
	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusStaking, p.Status)
	assert.Equal(t, int64(14_000), p.TotalStaked.Int64())

	staked, err := f.eng.StakeOf(ctx, orgID, p.ID, aliceAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(14_000), staked.Int64())
	assert.Equal(t, int64(86_000), f.balance(t, f.baseToken, aliceAddr))
	assert.Equal(t, int64(500_000), f.balance(t, f.baseToken, treasuryAcct))
	assert.Equal(t, int64(500_000), f.balance(t, f.quoteToken, treasuryAcct))

	// The same proposal activates cleanly once the venue recovers.
	f.eng.venue = f.venue
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))
	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusActive, p.Status)
}

func TestCancelRefundsStakes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(5_000)))

	// Too early.
	err = f.eng.CancelProposal(ctx, orgID, p.ID, adminAddr)
	assert.ErrorIs(t, err, domain.ErrTimingViolation)

	f.clock.Advance(10 * time.Minute)

	// Unauthorized caller.
	err = f.eng.CancelProposal(ctx, orgID, p.ID, strangerAddr)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.eng.CancelProposal(ctx, orgID, p.ID, adminAddr))

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusCancelled, p.Status)
	assert.Equal(t, int64(100_000), f.balance(t, f.baseToken, aliceAddr), "stake refunded")

	_, err = f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err, "cancelled proposal frees the slot")
}

func TestStateMachineRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Unauthorized proposer.
	_, err := f.eng.CreateProposal(ctx, orgID, strangerAddr, oneAction())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	// Empty action list.
	_, err = f.eng.CreateProposal(ctx, orgID, teamAddr, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)

	// Activation before the staking deadline.
	err = f.eng.ActivateProposal(ctx, orgID, p.ID)
	assert.ErrorIs(t, err, domain.ErrTimingViolation)

	// Activation below the threshold.
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(1_000)))
	f.clock.Advance(time.Hour)
	err = f.eng.ActivateProposal(ctx, orgID, p.ID)
	assert.ErrorIs(t, err, domain.ErrThresholdNotMet)

	// Resolve only applies to active proposals.
	_, err = f.eng.Resolve(ctx, orgID, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Unstaking more than staked.
	err = f.eng.Unstake(ctx, orgID, p.ID, aliceAddr, big.NewInt(2_000))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(13_000)))
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	// No staking, unstaking or cancelling once active.
	err = f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	err = f.eng.Unstake(ctx, orgID, p.ID, aliceAddr, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	err = f.eng.CancelProposal(ctx, orgID, p.ID, adminAddr)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Resolve before the trading window closes.
	_, err = f.eng.Resolve(ctx, orgID, p.ID)
	assert.ErrorIs(t, err, domain.ErrTimingViolation)

	// Execution and redemption need a resolved proposal.
	_, err = f.eng.ExecuteAction(ctx, orgID, p.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, _, err = f.eng.Redeem(ctx, orgID, p.ID, aliceAddr)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	// Unknown proposal.
	_, err = f.eng.GetProposal(ctx, orgID, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteActionDuplicateGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, []domain.Action{
		{Type: "a", Target: targetAddr, Value: big.NewInt(0)},
		{Type: "b", Target: targetAddr, Value: big.NewInt(0)},
	})
	require.NoError(t, err)
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(14_000)))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))
	f.clock.Advance(24 * time.Hour)

	outcome, err := f.eng.Resolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomePass, outcome, "team threshold is negative, parity passes")

	_, err = f.eng.ExecuteAction(ctx, orgID, p.ID, 1)
	require.NoError(t, err)
	_, err = f.eng.ExecuteAction(ctx, orgID, p.ID, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "double execution rejected")
	_, err = f.eng.ExecuteAction(ctx, orgID, p.ID, 5)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusResolved, p.Status, "one action still pending")

	_, err = f.eng.ExecuteAction(ctx, orgID, p.ID, 0)
	require.NoError(t, err)
	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusExecuted, p.Status)
}

func TestSplitMergeConservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(14_000)))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	p, err = f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)

	require.NoError(t, f.eng.Split(ctx, orgID, p.ID, domain.CollateralBase, aliceAddr, big.NewInt(100)))
	assert.Equal(t, int64(100), f.balance(t, p.Claims.PassBase, aliceAddr))
	assert.Equal(t, int64(100), f.balance(t, p.Claims.FailBase, aliceAddr))

	require.NoError(t, f.eng.Merge(ctx, orgID, p.ID, domain.CollateralBase, aliceAddr, big.NewInt(40)))
	assert.Equal(t, int64(60), f.balance(t, p.Claims.PassBase, aliceAddr))
	assert.Equal(t, int64(60), f.balance(t, p.Claims.FailBase, aliceAddr))
	assert.Equal(t, int64(99_940), f.balance(t, f.baseToken, aliceAddr), "100 locked, 40 released")

	// Merging more than the matched pair fails without side effects.
	err = f.eng.Merge(ctx, orgID, p.ID, domain.CollateralBase, aliceAddr, big.NewInt(61))
	assert.ErrorIs(t, err, domain.ErrConservation)
	assert.Equal(t, int64(60), f.balance(t, p.Claims.PassBase, aliceAddr))
}

func TestListProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.eng.CancelProposal(ctx, orgID, p.ID, adminAddr))

	p2, err := f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err)
	assert.Equal(t, p.ID+1, p2.ID, "ids are monotonic per organization")

	all, err := f.eng.ListProposals(ctx, orgID, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, p2.ID, all[0].ID, "newest first")

	staking, err := f.eng.ListProposals(ctx, orgID, domain.ListOpts{Status: domain.ProposalStatusStaking})
	require.NoError(t, err)
	require.Len(t, staking, 1)
	assert.Equal(t, p2.ID, staking[0].ID)

	live, ok := f.eng.LiveProposal(ctx, orgID)
	require.True(t, ok)
	assert.Equal(t, p2.ID, live.ID)
}

func TestReadinessChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, ownerAddr, oneAction())
	require.NoError(t, err)

	ok, reason, err := f.eng.CanActivate(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "staking window still open", reason)

	ok, reason, err = f.eng.CanCancel(ctx, orgID, p.ID, ownerAddr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "minimum cancellation delay not elapsed", reason)

	f.clock.Advance(time.Hour)

	// Deadline passed but the owner threshold (1% of supply) is unmet.
	ok, reason, err = f.eng.CanActivate(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "staked 0 of required 7000", reason)

	ok, _, err = f.eng.CanCancel(ctx, orgID, p.ID, ownerAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err = f.eng.CanCancel(ctx, orgID, p.ID, strangerAddr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "caller not authorized", reason)

	ok, reason, err = f.eng.CanResolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "proposal is staking", reason)

	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(7_000)))
	ok, reason, err = f.eng.CanActivate(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	ok, reason, err = f.eng.CanResolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "trading window still open", reason)

	ok, reason, err = f.eng.CanCancel(ctx, orgID, p.ID, ownerAddr)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "proposal is active", reason)

	f.clock.Advance(24 * time.Hour)
	ok, reason, err = f.eng.CanResolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	_, _, err = f.eng.CanActivate(ctx, orgID, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.eng.CreateProposal(ctx, orgID, teamAddr, oneAction())
	require.NoError(t, err)
	require.NoError(t, f.eng.Stake(ctx, orgID, p.ID, aliceAddr, big.NewInt(14_000)))
	f.clock.Advance(time.Hour)
	require.NoError(t, f.eng.ActivateProposal(ctx, orgID, p.ID))

	// Trade so resolution has both matched pairs and winning leftovers to
	// recover.
	require.NoError(t, f.eng.Split(ctx, orgID, p.ID, domain.CollateralQuote, aliceAddr, big.NewInt(10_000)))
	f.clock.Advance(2 * time.Hour)
	_, err = f.venue.Swap(ctx, orgID, p.ID, market.SidePass, aliceAddr, false, big.NewInt(10_000))
	require.NoError(t, err)
	f.clock.Advance(22 * time.Hour)

	treasuryBase := f.balance(t, f.baseToken, treasuryAcct)
	treasuryQuote := f.balance(t, f.quoteToken, treasuryAcct)

	flaky := &flakyTreasury{Treasury: f.eng.treasury, failures: 1}
	f.eng.treasury = flaky

	_, err = f.eng.Resolve(ctx, orgID, p.ID)
	require.ErrorIs(t, err, domain.ErrCollaborator)

	// Every step unwound: proposal still Active, treasury untouched, and
	// the markets are open and readable again.
	got, err := f.eng.GetProposal(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalStatusActive, got.Status)
	assert.Equal(t, domain.OutcomeNone, got.Outcome)
	assert.Equal(t, treasuryBase, f.balance(t, f.baseToken, treasuryAcct))
	assert.Equal(t, treasuryQuote, f.balance(t, f.quoteToken, treasuryAcct))

	_, _, _, _, err = f.eng.Prices(ctx, orgID, p.ID)
	require.NoError(t, err, "markets reopened after the failed resolve")

	// The retry succeeds once the treasury recovers, and the recovered
	// collateral flows back.
	outcome, err := f.eng.Resolve(ctx, orgID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePass, outcome)
	assert.Greater(t, f.balance(t, f.baseToken, treasuryAcct), treasuryBase)
}

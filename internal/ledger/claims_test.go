package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/token"
)

type claimFixture struct {
	ledger *ClaimLedger
	bank   *token.Bank
	base   common.Hash
	quote  common.Hash
	claims domain.ConditionalTokenSet
}

func newClaimFixture(t *testing.T) *claimFixture {
	t.Helper()
	ctx := context.Background()

	bank := token.NewBank()
	base := token.InstrumentID(orgID, "BASE")
	quote := token.InstrumentID(orgID, "QUOTE")
	require.NoError(t, bank.CreateInstrument(base, "BASE"))
	require.NoError(t, bank.CreateInstrument(quote, "QUOTE"))
	require.NoError(t, bank.Mint(ctx, base, alice, big.NewInt(1000)))
	require.NoError(t, bank.Mint(ctx, quote, alice, big.NewInt(1000)))
	require.NoError(t, bank.Mint(ctx, base, bob, big.NewInt(1000)))

	l := NewClaimLedger(bank, bank, escrow)
	claims, err := l.Issue(orgID, 7)
	require.NoError(t, err)

	return &claimFixture{ledger: l, bank: bank, base: base, quote: quote, claims: claims}
}

func (f *claimFixture) balance(t *testing.T, id common.Hash, holder common.Address) int64 {
	t.Helper()
	bal, err := f.bank.BalanceOf(context.Background(), id, holder)
	require.NoError(t, err)
	return bal.Int64()
}

func TestSplitMintsMatchedPair(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(100)))

	assert.Equal(t, int64(100), f.balance(t, f.claims.PassBase, alice))
	assert.Equal(t, int64(100), f.balance(t, f.claims.FailBase, alice))
	assert.Equal(t, int64(900), f.balance(t, f.base, alice))
	assert.Equal(t, int64(100), f.balance(t, f.base, escrow))

	pass, fail := f.ledger.Outstanding(orgID, 7, domain.CollateralBase)
	assert.Equal(t, int64(100), pass.Int64())
	assert.Equal(t, int64(100), fail.Int64())
}

func TestMergeReleasesCollateral(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(100)))
	require.NoError(t, f.ledger.Merge(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(40)))

	assert.Equal(t, int64(60), f.balance(t, f.claims.PassBase, alice))
	assert.Equal(t, int64(60), f.balance(t, f.claims.FailBase, alice))
	assert.Equal(t, int64(940), f.balance(t, f.base, alice))

	pass, fail := f.ledger.Outstanding(orgID, 7, domain.CollateralBase)
	assert.Equal(t, int64(60), pass.Int64())
	assert.Equal(t, int64(60), fail.Int64())
}

func TestMergeWithoutClaims(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	err := f.ledger.Merge(ctx, orgID, 7, f.base, domain.CollateralBase, bob, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrConservation)
}

func TestConservationHoldsThroughSplitMerge(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(100)))
	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, bob, big.NewInt(250)))
	require.NoError(t, f.ledger.Merge(ctx, orgID, 7, f.base, domain.CollateralBase, bob, big.NewInt(70)))
	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.quote, domain.CollateralQuote, alice, big.NewInt(30)))

	for _, kind := range []domain.CollateralKind{domain.CollateralBase, domain.CollateralQuote} {
		pass, fail := f.ledger.Outstanding(orgID, 7, kind)
		assert.Equal(t, 0, pass.Cmp(fail), "pass and fail move in lockstep for %s", kind)
	}

	// Locked collateral equals outstanding claims per kind.
	passBase, _ := f.ledger.Outstanding(orgID, 7, domain.CollateralBase)
	assert.Equal(t, passBase.Int64(), f.balance(t, f.base, escrow))
}

func TestRedeemBurnsOnlyWinningSide(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(100)))
	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.quote, domain.CollateralQuote, alice, big.NewInt(50)))

	base, quote, err := f.ledger.Redeem(ctx, orgID, 7, f.base, f.quote, domain.OutcomePass, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(100), base.Int64())
	assert.Equal(t, int64(50), quote.Int64())

	// Winning claims burned, losing claims untouched and worthless.
	assert.Equal(t, int64(0), f.balance(t, f.claims.PassBase, alice))
	assert.Equal(t, int64(100), f.balance(t, f.claims.FailBase, alice))
	assert.Equal(t, int64(0), f.balance(t, f.claims.PassQuote, alice))
	assert.Equal(t, int64(50), f.balance(t, f.claims.FailQuote, alice))

	// Divergence after redemption only ever reduces the winning side.
	pass, fail := f.ledger.Outstanding(orgID, 7, domain.CollateralBase)
	assert.Equal(t, int64(0), pass.Int64())
	assert.Equal(t, int64(100), fail.Int64())
}

func TestRedeemFailOutcome(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(80)))

	base, quote, err := f.ledger.Redeem(ctx, orgID, 7, f.base, f.quote, domain.OutcomeFail, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(80), base.Int64())
	assert.Equal(t, int64(0), quote.Int64())
	assert.Equal(t, int64(1000), f.balance(t, f.base, alice), "collateral fully restored")
}

func TestRedeemWithNothingToRedeem(t *testing.T) {
	ctx := context.Background()
	f := newClaimFixture(t)

	require.NoError(t, f.ledger.Split(ctx, orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(10)))

	_, _, err := f.ledger.Redeem(ctx, orgID, 7, f.base, f.quote, domain.OutcomePass, bob)
	assert.ErrorIs(t, err, domain.ErrNothingToRedeem)
}

func TestIssueThenRetire(t *testing.T) {
	f := newClaimFixture(t)
	f.ledger.Retire(orgID, 7)
	err := f.ledger.Split(context.Background(), orgID, 7, f.base, domain.CollateralBase, alice, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

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

var (
	escrow = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

const orgID = "org-1"

func newStakeFixture(t *testing.T) (*StakeLedger, *token.Bank, common.Hash) {
	t.Helper()
	ctx := context.Background()

	bank := token.NewBank()
	base := token.InstrumentID(orgID, "BASE")
	require.NoError(t, bank.CreateInstrument(base, "BASE"))
	for _, a := range []common.Address{alice, bob, carol} {
		require.NoError(t, bank.Mint(ctx, base, a, big.NewInt(1000)))
	}
	return NewStakeLedger(bank, escrow), bank, base
}

func TestStakeAndUnstake(t *testing.T) {
	ctx := context.Background()
	l, bank, base := newStakeFixture(t)

	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(100)))
	require.NoError(t, l.Stake(ctx, orgID, 1, base, bob, big.NewInt(50)))
	assert.Equal(t, int64(150), l.Total(orgID, 1).Int64())

	escrowBal, _ := bank.BalanceOf(ctx, base, escrow)
	assert.Equal(t, int64(150), escrowBal.Int64(), "escrow holds exactly the total staked")

	require.NoError(t, l.Unstake(ctx, orgID, 1, base, alice, big.NewInt(30)))
	assert.Equal(t, int64(70), l.BalanceOf(orgID, 1, alice).Int64())
	assert.Equal(t, int64(120), l.Total(orgID, 1).Int64())
}

func TestUnstakeBeyondBalance(t *testing.T) {
	ctx := context.Background()
	l, _, base := newStakeFixture(t)

	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(10)))
	err := l.Unstake(ctx, orgID, 1, base, alice, big.NewInt(11))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake)

	err = l.Unstake(ctx, orgID, 1, base, bob, big.NewInt(1))
	assert.ErrorIs(t, err, domain.ErrInsufficientStake, "never-staked account")
}

func TestSumOfEntriesEqualsTotal(t *testing.T) {
	ctx := context.Background()
	l, _, base := newStakeFixture(t)

	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(40)))
	require.NoError(t, l.Stake(ctx, orgID, 1, base, bob, big.NewInt(25)))
	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(35)))
	require.NoError(t, l.Unstake(ctx, orgID, 1, base, bob, big.NewInt(5)))

	sum := new(big.Int)
	for _, e := range l.Entries(orgID, 1) {
		sum.Add(sum, e.Amount)
	}
	assert.Equal(t, 0, sum.Cmp(l.Total(orgID, 1)))
}

func TestRefundAll(t *testing.T) {
	ctx := context.Background()
	l, bank, base := newStakeFixture(t)

	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(40)))
	require.NoError(t, l.Stake(ctx, orgID, 1, base, bob, big.NewInt(60)))
	require.NoError(t, l.Stake(ctx, orgID, 1, base, carol, big.NewInt(1)))
	require.NoError(t, l.Unstake(ctx, orgID, 1, base, carol, big.NewInt(1)))

	require.NoError(t, l.RefundAll(ctx, orgID, 1, base))

	assert.Equal(t, int64(0), l.Total(orgID, 1).Int64())
	for _, a := range []common.Address{alice, bob, carol} {
		assert.Equal(t, int64(0), l.BalanceOf(orgID, 1, a).Int64())
		bal, _ := bank.BalanceOf(ctx, base, a)
		assert.Equal(t, int64(1000), bal.Int64(), "full balance restored")
	}
	escrowBal, _ := bank.BalanceOf(ctx, base, escrow)
	assert.Equal(t, int64(0), escrowBal.Int64())
}

func TestBooksAreScopedPerProposal(t *testing.T) {
	ctx := context.Background()
	l, _, base := newStakeFixture(t)

	require.NoError(t, l.Stake(ctx, orgID, 1, base, alice, big.NewInt(10)))
	require.NoError(t, l.Stake(ctx, orgID, 2, base, alice, big.NewInt(20)))
	assert.Equal(t, int64(10), l.Total(orgID, 1).Int64())
	assert.Equal(t, int64(20), l.Total(orgID, 2).Int64())
}

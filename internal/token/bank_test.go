package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newTestBank(t *testing.T) (*Bank, common.Hash) {
	t.Helper()
	b := NewBank()
	id := InstrumentID("org-1", "BASE")
	require.NoError(t, b.CreateInstrument(id, "BASE"))
	return b, id
}

func TestMintBurnSupply(t *testing.T) {
	ctx := context.Background()
	b, id := newTestBank(t)

	require.NoError(t, b.Mint(ctx, id, alice, big.NewInt(100)))
	supply, err := b.TotalSupply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), supply.Int64())

	require.NoError(t, b.Burn(ctx, id, alice, big.NewInt(40)))
	bal, err := b.BalanceOf(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal.Int64())

	supply, err = b.TotalSupply(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(60), supply.Int64())
}

func TestBurnBeyondBalanceIsConservationViolation(t *testing.T) {
	ctx := context.Background()
	b, id := newTestBank(t)

	require.NoError(t, b.Mint(ctx, id, alice, big.NewInt(10)))
	err := b.Burn(ctx, id, alice, big.NewInt(11))
	assert.ErrorIs(t, err, domain.ErrConservation)
}

func TestTransferPreservesSupply(t *testing.T) {
	ctx := context.Background()
	b, id := newTestBank(t)

	require.NoError(t, b.Mint(ctx, id, alice, big.NewInt(100)))
	require.NoError(t, b.Transfer(ctx, id, alice, bob, big.NewInt(30)))

	aliceBal, _ := b.BalanceOf(ctx, id, alice)
	bobBal, _ := b.BalanceOf(ctx, id, bob)
	supply, _ := b.TotalSupply(ctx, id)
	assert.Equal(t, int64(70), aliceBal.Int64())
	assert.Equal(t, int64(30), bobBal.Int64())
	assert.Equal(t, int64(100), supply.Int64())

	err := b.Transfer(ctx, id, bob, alice, big.NewInt(31))
	assert.ErrorIs(t, err, domain.ErrConservation)
}

func TestUnknownInstrument(t *testing.T) {
	ctx := context.Background()
	b := NewBank()
	_, err := b.BalanceOf(ctx, InstrumentID("org-1", "X"), alice)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateInstrumentTwice(t *testing.T) {
	b, id := newTestBank(t)
	err := b.CreateInstrument(id, "BASE")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestInstrumentIDIsDeterministicAndScoped(t *testing.T) {
	assert.Equal(t, InstrumentID("org-1", "BASE"), InstrumentID("org-1", "BASE"))
	assert.NotEqual(t, InstrumentID("org-1", "BASE"), InstrumentID("org-2", "BASE"))
	assert.NotEqual(t, InstrumentID("org-1", "BASE"), InstrumentID("org-1", "QUOTE"))
}

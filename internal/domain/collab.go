package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Clock supplies the current time to deadline checks. Implementations must
// be monotonically non-decreasing; the engine never sleeps on it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Treasury holds an organization's collateral and executes approved
// proposal actions on its behalf.
type Treasury interface {
	// WithdrawLiquidity releases fractionBps of the treasury's base and
	// quote collateral to the engine account for conditional market
	// liquidity.
	WithdrawLiquidity(ctx context.Context, orgID string, fractionBps int64) (base, quote *big.Int, err error)

	// ReturnLiquidity moves recovered collateral back into the treasury
	// after resolution.
	ReturnLiquidity(ctx context.Context, orgID string, base, quote *big.Int) error

	// Execute performs one approved action. It fails with ErrCollaborator
	// when the underlying call reverts.
	Execute(ctx context.Context, orgID string, action Action) ([]byte, error)
}

// InitMarketsParams carries everything the venue needs to open a
// proposal's pass and fail conditional markets.
type InitMarketsParams struct {
	OrgID            string
	ProposalID       uint64
	Claims           ConditionalTokenSet
	Funder           common.Address // holder the claim liquidity is pulled from
	BaseAmount       *big.Int
	QuoteAmount      *big.Int
	StartPrice       *big.Int
	RateLimitBps     int64
	SwapFeeBps       int64
	RecordingStartAt time.Time
}

// MarketVenue is the automated-market-making collaborator that prices the
// two conditional claims against each other and feeds the TWAP oracle.
type MarketVenue interface {
	InitializeMarkets(ctx context.Context, p InitMarketsParams) (passMarketID, failMarketID string, err error)
	RemoveLiquidity(ctx context.Context, orgID string, proposalID uint64) (base, quote *big.Int, err error)
	// RestoreLiquidity reopens a pair closed by RemoveLiquidity. It is the
	// compensation step when a later part of resolution fails.
	RestoreLiquidity(ctx context.Context, orgID string, proposalID uint64) error
	CollectFees(ctx context.Context, orgID string, proposalID uint64) (base, quote *big.Int, err error)
	TWAPs(ctx context.Context, orgID string, proposalID uint64, at time.Time) (passTwap, failTwap *big.Int, err error)
	SpotPrices(ctx context.Context, orgID string, proposalID uint64) (passPrice, failPrice *big.Int, err error)
}

// Registry stores organization configuration and role membership. The
// engine receives an injected handle and never reads ambient global state.
type Registry interface {
	OrgConfig(ctx context.Context, orgID string) (OrgConfig, error)
	IsOwner(ctx context.Context, orgID string, account common.Address) (bool, error)
	IsTeamMember(ctx context.Context, orgID string, account common.Address) (bool, error)
	IsProtocolAdmin(ctx context.Context, account common.Address) (bool, error)
}

// TokenBank is the fungible instrument collaborator backing collateral and
// conditional claims. Mint and burn of claim instruments are restricted to
// the engine account.
type TokenBank interface {
	Mint(ctx context.Context, token common.Hash, to common.Address, amount *big.Int) error
	Burn(ctx context.Context, token common.Hash, from common.Address, amount *big.Int) error
	Transfer(ctx context.Context, token common.Hash, from, to common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, token common.Hash, holder common.Address) (*big.Int, error)
	TotalSupply(ctx context.Context, token common.Hash) (*big.Int, error)
}

package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProposalStatus represents the lifecycle state of a governance proposal.
type ProposalStatus string

const (
	ProposalStatusStaking   ProposalStatus = "staking"
	ProposalStatusActive    ProposalStatus = "active"
	ProposalStatusResolved  ProposalStatus = "resolved"
	ProposalStatusExecuted  ProposalStatus = "executed"
	ProposalStatusCancelled ProposalStatus = "cancelled"
	ProposalStatusFailed    ProposalStatus = "failed"
)

// Terminal reports whether the status is an end state. Terminal proposals
// never change status again; redemption of winning claims remains possible.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalStatusExecuted, ProposalStatusCancelled, ProposalStatusFailed:
		return true
	}
	return false
}

// Outcome is the result of market resolution.
type Outcome string

const (
	OutcomeNone Outcome = "none"
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// CollateralKind selects one of the organization's two collateral
// instruments.
type CollateralKind string

const (
	CollateralBase  CollateralKind = "base"
	CollateralQuote CollateralKind = "quote"
)

// ConditionKind identifies an action's execution condition.
type ConditionKind string

const (
	ConditionImmediate  ConditionKind = "immediate"
	ConditionTimeLocked ConditionKind = "time_locked"
	ConditionMarketCap  ConditionKind = "market_cap"
	ConditionPriceGated ConditionKind = "price_gated"
	ConditionOracle     ConditionKind = "oracle"
)

// ExecCondition gates the execution of a single proposal action.
// Only immediate and time_locked are enforced; the remaining kinds pass
// unconditionally until oracle integration lands.
type ExecCondition struct {
	Kind     ConditionKind
	UnlockAt time.Time // only meaningful for time_locked
}

// Action is one approved operation a passed proposal may execute through
// the treasury.
type Action struct {
	Type      string
	Target    common.Address
	Payload   []byte
	Value     *big.Int
	Condition ExecCondition
	Executed  bool
}

// ConditionalTokenSet holds the four claim instrument ids issued for a
// proposal. Each claim is backed 1:1 by the matching collateral.
type ConditionalTokenSet struct {
	PassBase  common.Hash
	FailBase  common.Hash
	PassQuote common.Hash
	FailQuote common.Hash
}

// Zero reports whether the set has not been issued yet.
func (c ConditionalTokenSet) Zero() bool {
	return c.PassBase == (common.Hash{})
}

// ClaimPair returns the pass/fail claim ids backed by the given collateral
// kind.
func (c ConditionalTokenSet) ClaimPair(kind CollateralKind) (pass, fail common.Hash) {
	if kind == CollateralQuote {
		return c.PassQuote, c.FailQuote
	}
	return c.PassBase, c.FailBase
}

// ReserveSnapshot records the collateral committed to the conditional
// markets at activation time.
type ReserveSnapshot struct {
	Base  *big.Int
	Quote *big.Int
}

// Proposal is a governance proposal moving through the futarchy decision
// lifecycle. Exactly one proposal per organization may be non-terminal at
// any time.
type Proposal struct {
	ID            uint64
	OrgID         string
	Proposer      common.Address
	TeamSponsored bool // team membership excluding the owner; flips the threshold sign
	Status        ProposalStatus
	Outcome       Outcome

	TotalStaked   *big.Int
	StakingEndsAt time.Time

	TradingStartsAt  time.Time
	TradingEndsAt    time.Time
	RecordingStartAt time.Time

	Reserves ReserveSnapshot
	Claims   ConditionalTokenSet

	PassMarketID string
	FailMarketID string

	PassTwap   *big.Int
	FailTwap   *big.Int
	ResolvedAt *time.Time

	Actions []Action

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutedCount returns how many actions have been executed so far.
func (p *Proposal) ExecutedCount() int {
	n := 0
	for i := range p.Actions {
		if p.Actions[i].Executed {
			n++
		}
	}
	return n
}

// FullyExecuted reports whether every action has been executed.
func (p *Proposal) FullyExecuted() bool {
	return p.ExecutedCount() == len(p.Actions)
}

// OrgConfig is the organization-level governance configuration, owned by
// the registry and consumed read-only by the engine.
type OrgConfig struct {
	OrgID string

	// Collateral instrument ids in the token bank.
	BaseToken  common.Hash
	QuoteToken common.Hash

	// Signed pass thresholds in bps; negative makes passing easier.
	TeamThresholdBps    int64
	NonTeamThresholdBps int64

	// Stake activation gates. Owner/team thresholds are a bps share of
	// outstanding base collateral supply; everyone else uses the absolute
	// default.
	OwnerStakeBps     int64
	TeamStakeBps      int64
	DefaultStakeAbs   *big.Int

	StakingDuration      time.Duration
	TradingDuration      time.Duration
	MinCancellationDelay time.Duration
	RecordingDelay       time.Duration

	// Observation rate limit in bps of the last observed price per second.
	ObservationRateBps int64

	// Fraction of treasury liquidity committed per proposal, in bps.
	LiquidityFractionBps int64

	// Pool swap fee and the (computed, unapplied) protocol fee share.
	SwapFeeBps          int64
	TreasuryFeeShareBps int64
}

// Package engine implements the futarchy decision engine: the proposal
// lifecycle state machine, the stake-gated activation protocol, and the
// resolution sequence that turns a pair of TWAPs into a binary outcome.
//
// Every public operation runs to completion under one mutex; collaborator
// calls happen inside the same unit of work and any failure unwinds the
// operation's side effects before it returns.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/bps"
	"github.com/quorumlabs/futarchyd/internal/domain"
	"github.com/quorumlabs/futarchyd/internal/executor"
	"github.com/quorumlabs/futarchyd/internal/ledger"
	"github.com/quorumlabs/futarchyd/internal/market"
	"github.com/quorumlabs/futarchyd/internal/resolution"
)

type proposalKey struct {
	orgID string
	id    uint64
}

// Sinks bundles the optional persistence and event side channels. Any
// field may be nil; the engine's financial state never depends on them.
type Sinks struct {
	Proposals domain.ProposalStore
	Stakes    domain.StakeStore
	Audit     domain.AuditStore
	Bus       domain.SignalBus
}

// Engine is the proposal orchestrator. It owns the proposal records,
// enforces the serial execution invariant (at most one non-terminal
// proposal per organization), and sequences the treasury, market,
// registry and token collaborators.
type Engine struct {
	mu sync.Mutex

	registry domain.Registry
	treasury domain.Treasury
	venue    domain.MarketVenue
	bank     domain.TokenBank
	clock    domain.Clock

	stakes  *ledger.StakeLedger
	claims  *ledger.ClaimLedger
	actions *executor.ActionExecutor

	escrow common.Address

	proposals map[proposalKey]*domain.Proposal
	live      map[string]uint64 // orgID -> non-terminal proposal id
	seq       map[string]uint64

	sinks  Sinks
	logger *slog.Logger
}

// New creates an Engine escrowing collateral and claims at the given
// account. All collaborators are injected; the engine never owns them.
func New(
	registry domain.Registry,
	treasury domain.Treasury,
	venue domain.MarketVenue,
	bank domain.TokenBank,
	clock domain.Clock,
	stakes *ledger.StakeLedger,
	claims *ledger.ClaimLedger,
	actions *executor.ActionExecutor,
	escrow common.Address,
	sinks Sinks,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry:  registry,
		treasury:  treasury,
		venue:     venue,
		bank:      bank,
		clock:     clock,
		stakes:    stakes,
		claims:    claims,
		actions:   actions,
		escrow:    escrow,
		proposals: make(map[proposalKey]*domain.Proposal),
		live:      make(map[string]uint64),
		seq:       make(map[string]uint64),
		sinks:     sinks,
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// Escrow returns the engine's bank account.
func (e *Engine) Escrow() common.Address { return e.escrow }

func (e *Engine) get(orgID string, id uint64) (*domain.Proposal, error) {
	p, ok := e.proposals[proposalKey{orgID, id}]
	if !ok {
		return nil, fmt.Errorf("engine: proposal %s/%d: %w", orgID, id, domain.ErrNotFound)
	}
	return p, nil
}

// CreateProposal opens a new proposal in Staking. It fails when another
// proposal is live for the organization, when the proposer lacks owner or
// team authorization, or when actions is empty.
func (e *Engine) CreateProposal(ctx context.Context, orgID string, proposer common.Address, actions []domain.Action) (domain.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("engine: create: %w", err)
	}

	if liveID, ok := e.live[orgID]; ok {
		return domain.Proposal{}, fmt.Errorf("engine: create: proposal %d is live: %w", liveID, domain.ErrProposalLive)
	}
	if len(actions) == 0 {
		return domain.Proposal{}, fmt.Errorf("engine: create: no actions: %w", domain.ErrInvalidState)
	}

	isOwner, err := e.registry.IsOwner(ctx, orgID, proposer)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("engine: create: %w", err)
	}
	isTeam, err := e.registry.IsTeamMember(ctx, orgID, proposer)
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("engine: create: %w", err)
	}
	if !isOwner && !isTeam {
		return domain.Proposal{}, fmt.Errorf("engine: create: proposer %s: %w", proposer.Hex(), domain.ErrUnauthorized)
	}

	now := e.clock.Now()
	e.seq[orgID]++
	p := &domain.Proposal{
		ID:            e.seq[orgID],
		OrgID:         orgID,
		Proposer:      proposer,
		TeamSponsored: isTeam && !isOwner,
		Status:        domain.ProposalStatusStaking,
		Outcome:       domain.OutcomeNone,
		TotalStaked:   new(big.Int),
		StakingEndsAt: now.Add(cfg.StakingDuration),
		Actions:       cloneActions(actions),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.proposals[proposalKey{orgID, p.ID}] = p
	e.live[orgID] = p.ID

	e.emit(ctx, p, domain.EventProposalCreated, map[string]any{
		"proposer":       proposer.Hex(),
		"team_sponsored": p.TeamSponsored,
		"actions":        len(p.Actions),
	})
	return snapshot(p), nil
}

// Stake escrows amount of the staking collateral from staker. Valid only
// while the proposal is in Staking.
func (e *Engine) Stake(ctx context.Context, orgID string, id uint64, staker common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusStaking {
		return fmt.Errorf("engine: stake in %s: %w", p.Status, domain.ErrInvalidState)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return fmt.Errorf("engine: stake: %w", err)
	}
	if err := e.stakes.Stake(ctx, orgID, id, cfg.BaseToken, staker, amount); err != nil {
		return err
	}
	p.TotalStaked = e.stakes.Total(orgID, id)
	p.UpdatedAt = e.clock.Now()

	e.persistStake(ctx, orgID, id, staker)
	e.persist(ctx, p)
	return nil
}

// Unstake returns amount of escrowed collateral to staker. Valid only
// while the proposal is in Staking.
func (e *Engine) Unstake(ctx context.Context, orgID string, id uint64, staker common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusStaking {
		return fmt.Errorf("engine: unstake in %s: %w", p.Status, domain.ErrInvalidState)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return fmt.Errorf("engine: unstake: %w", err)
	}
	if err := e.stakes.Unstake(ctx, orgID, id, cfg.BaseToken, staker, amount); err != nil {
		return err
	}
	p.TotalStaked = e.stakes.Total(orgID, id)
	p.UpdatedAt = e.clock.Now()

	e.persistStake(ctx, orgID, id, staker)
	e.persist(ctx, p)
	return nil
}

// effectiveThreshold computes the stake the proposer must gather before
// activation: owner and team proposers owe a bps share of the outstanding
// base collateral supply, everyone else owes the absolute default.
func (e *Engine) effectiveThreshold(ctx context.Context, cfg domain.OrgConfig, p *domain.Proposal) (*big.Int, error) {
	isOwner, err := e.registry.IsOwner(ctx, p.OrgID, p.Proposer)
	if err != nil {
		return nil, err
	}
	isTeam, err := e.registry.IsTeamMember(ctx, p.OrgID, p.Proposer)
	if err != nil {
		return nil, err
	}
	if !isOwner && !isTeam {
		return bps.Clone(cfg.DefaultStakeAbs), nil
	}

	supply, err := e.bank.TotalSupply(ctx, cfg.BaseToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCollaborator, err)
	}
	if isOwner {
		return bps.Apply(supply, cfg.OwnerStakeBps), nil
	}
	return bps.Apply(supply, cfg.TeamStakeBps), nil
}

// ActivateProposal moves a proposal from Staking to Active. It requires
// the staking deadline to have passed and total stake to clear the
// proposer's effective threshold. The activation sequence — stake refund,
// partial treasury withdrawal, claim issuance, paired minting, market
// opening — is all-or-nothing: any failure unwinds every prior step.
func (e *Engine) ActivateProposal(ctx context.Context, orgID string, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusStaking {
		return fmt.Errorf("engine: activate in %s: %w", p.Status, domain.ErrInvalidState)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return fmt.Errorf("engine: activate: %w", err)
	}
	now := e.clock.Now()
	if now.Before(p.StakingEndsAt) {
		return fmt.Errorf("engine: activate before staking deadline: %w", domain.ErrTimingViolation)
	}

	threshold, err := e.effectiveThreshold(ctx, cfg, p)
	if err != nil {
		return fmt.Errorf("engine: activate: %w", err)
	}
	if e.stakes.Total(orgID, id).Cmp(threshold) < 0 {
		return fmt.Errorf("engine: activate: staked %s of required %s: %w",
			e.stakes.Total(orgID, id), threshold, domain.ErrThresholdNotMet)
	}

	// Compensation journal: executed in reverse on any later failure.
	var undo []func()
	unwind := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return cause
	}

	// (a) Refund every stake.
	entries := e.stakes.Entries(orgID, id)
	if err := e.stakes.RefundAll(ctx, orgID, id, cfg.BaseToken); err != nil {
		return unwind(fmt.Errorf("engine: activate refund: %w", err))
	}
	undo = append(undo, func() { _ = e.stakes.Restore(ctx, orgID, id, cfg.BaseToken, entries) })

	// (b) Partial treasury withdrawal.
	baseAmt, quoteAmt, err := e.treasury.WithdrawLiquidity(ctx, orgID, cfg.LiquidityFractionBps)
	if err != nil {
		return unwind(fmt.Errorf("engine: activate: %w: %v", domain.ErrCollaborator, err))
	}
	undo = append(undo, func() { _ = e.treasury.ReturnLiquidity(ctx, orgID, baseAmt, quoteAmt) })

	if baseAmt.Sign() == 0 || quoteAmt.Sign() == 0 {
		return unwind(fmt.Errorf("engine: activate: treasury released no liquidity: %w", domain.ErrCollaborator))
	}

	// (c) Issue the four conditional claims.
	claims, err := e.claims.Issue(orgID, id)
	if err != nil {
		return unwind(fmt.Errorf("engine: activate: %w", err))
	}
	undo = append(undo, func() { e.claims.Retire(orgID, id) })

	// (d) Mint the withdrawn collateral into matched pass/fail pairs.
	if err := e.claims.Split(ctx, orgID, id, cfg.BaseToken, domain.CollateralBase, e.escrow, baseAmt); err != nil {
		return unwind(fmt.Errorf("engine: activate split base: %w", err))
	}
	undo = append(undo, func() {
		_ = e.claims.Merge(ctx, orgID, id, cfg.BaseToken, domain.CollateralBase, e.escrow, baseAmt)
	})
	if err := e.claims.Split(ctx, orgID, id, cfg.QuoteToken, domain.CollateralQuote, e.escrow, quoteAmt); err != nil {
		return unwind(fmt.Errorf("engine: activate split quote: %w", err))
	}
	undo = append(undo, func() {
		_ = e.claims.Merge(ctx, orgID, id, cfg.QuoteToken, domain.CollateralQuote, e.escrow, quoteAmt)
	})

	// (e) Open both markets with the delayed recording start.
	recordingStart := now.Add(cfg.RecordingDelay)
	startPrice := new(big.Int).Mul(quoteAmt, big.NewInt(market.PriceScale))
	startPrice.Quo(startPrice, baseAmt)

	passID, failID, err := e.venue.InitializeMarkets(ctx, domain.InitMarketsParams{
		OrgID:            orgID,
		ProposalID:       id,
		Claims:           claims,
		Funder:           e.escrow,
		BaseAmount:       baseAmt,
		QuoteAmount:      quoteAmt,
		StartPrice:       startPrice,
		RateLimitBps:     cfg.ObservationRateBps,
		SwapFeeBps:       cfg.SwapFeeBps,
		RecordingStartAt: recordingStart,
	})
	if err != nil {
		return unwind(fmt.Errorf("engine: activate: %w: %v", domain.ErrCollaborator, err))
	}

	p.Status = domain.ProposalStatusActive
	p.TotalStaked = new(big.Int)
	p.TradingStartsAt = now
	p.TradingEndsAt = now.Add(cfg.TradingDuration)
	p.RecordingStartAt = recordingStart
	p.Reserves = domain.ReserveSnapshot{Base: bps.Clone(baseAmt), Quote: bps.Clone(quoteAmt)}
	p.Claims = claims
	p.PassMarketID = passID
	p.FailMarketID = failID
	p.UpdatedAt = now

	e.clearStakes(ctx, orgID, id)
	e.emit(ctx, p, domain.EventProposalActivated, map[string]any{
		"base_reserve":    baseAmt.String(),
		"quote_reserve":   quoteAmt.String(),
		"trading_ends_at": p.TradingEndsAt,
	})
	return nil
}

// CancelProposal abandons a proposal during Staking, refunding all
// stakes. The caller must be the owner, a team member, or a protocol
// admin, and the minimum cancellation delay since creation must have
// passed.
func (e *Engine) CancelProposal(ctx context.Context, orgID string, id uint64, caller common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusStaking {
		return fmt.Errorf("engine: cancel in %s: %w", p.Status, domain.ErrInvalidState)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	earliest := p.StakingEndsAt.Add(-cfg.StakingDuration).Add(cfg.MinCancellationDelay)
	if e.clock.Now().Before(earliest) {
		return fmt.Errorf("engine: cancel before minimum delay: %w", domain.ErrTimingViolation)
	}

	if err := e.authorizeCancel(ctx, orgID, caller); err != nil {
		return err
	}

	if err := e.stakes.RefundAll(ctx, orgID, id, cfg.BaseToken); err != nil {
		return fmt.Errorf("engine: cancel refund: %w", err)
	}

	now := e.clock.Now()
	p.Status = domain.ProposalStatusCancelled
	p.TotalStaked = new(big.Int)
	p.UpdatedAt = now
	delete(e.live, orgID)

	e.clearStakes(ctx, orgID, id)
	e.emit(ctx, p, domain.EventProposalCancelled, map[string]any{"caller": caller.Hex()})
	return nil
}

func (e *Engine) authorizeCancel(ctx context.Context, orgID string, caller common.Address) error {
	isOwner, err := e.registry.IsOwner(ctx, orgID, caller)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	isTeam, err := e.registry.IsTeamMember(ctx, orgID, caller)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	isAdmin, err := e.registry.IsProtocolAdmin(ctx, caller)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	if !isOwner && !isTeam && !isAdmin {
		return fmt.Errorf("engine: cancel by %s: %w", caller.Hex(), domain.ErrUnauthorized)
	}
	return nil
}

// Resolve closes the trading window, reads both TWAPs, applies the
// threshold formula, tears down the markets and returns the recovered
// collateral to the treasury. A pass leaves the proposal Resolved and
// awaiting execution; a fail terminates it and frees the live slot.
func (e *Engine) Resolve(ctx context.Context, orgID string, id uint64) (domain.Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return domain.OutcomeNone, err
	}
	if p.Status != domain.ProposalStatusActive {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve in %s: %w", p.Status, domain.ErrInvalidState)
	}

	now := e.clock.Now()
	if now.Before(p.TradingEndsAt) {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve before trading ends: %w", domain.ErrTimingViolation)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve: %w", err)
	}

	passTwap, failTwap, err := e.venue.TWAPs(ctx, orgID, id, now)
	if err != nil {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve: %w: %v", domain.ErrCollaborator, err)
	}

	thresholdBps := cfg.NonTeamThresholdBps
	if p.TeamSponsored {
		thresholdBps = cfg.TeamThresholdBps
	}
	outcome := resolution.Decide(passTwap, failTwap, thresholdBps)

	// Fee accounting: the protocol share is computed for the audit trail
	// but not split out; all collected fees stay with the treasury.
	feesBase, feesQuote, err := e.venue.CollectFees(ctx, orgID, id)
	if err != nil {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve: %w: %v", domain.ErrCollaborator, err)
	}
	protocolShareBps := bps.Denominator - cfg.TreasuryFeeShareBps

	// Compensation journal: executed in reverse on any later failure, so a
	// failed resolve leaves the markets open and retryable.
	var undo []func()
	unwind := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return cause
	}

	if _, _, err := e.venue.RemoveLiquidity(ctx, orgID, id); err != nil {
		return domain.OutcomeNone, fmt.Errorf("engine: resolve: %w: %v", domain.ErrCollaborator, err)
	}
	undo = append(undo, func() { _ = e.venue.RestoreLiquidity(ctx, orgID, id) })

	recoveredBase, recoveredQuote, undoRecover, err := e.recoverCollateral(ctx, p, cfg, outcome)
	if err != nil {
		return domain.OutcomeNone, unwind(fmt.Errorf("engine: resolve recover: %w", err))
	}
	undo = append(undo, undoRecover)

	if err := e.treasury.ReturnLiquidity(ctx, orgID, recoveredBase, recoveredQuote); err != nil {
		return domain.OutcomeNone, unwind(fmt.Errorf("engine: resolve: %w: %v", domain.ErrCollaborator, err))
	}

	p.Outcome = outcome
	p.PassTwap = bps.Clone(passTwap)
	p.FailTwap = bps.Clone(failTwap)
	p.ResolvedAt = &now
	p.UpdatedAt = now

	event := domain.EventProposalResolved
	if outcome == domain.OutcomePass {
		p.Status = domain.ProposalStatusResolved
	} else {
		p.Status = domain.ProposalStatusFailed
		delete(e.live, orgID)
		event = domain.EventProposalFailed
	}

	e.emit(ctx, p, event, map[string]any{
		"pass_twap":          passTwap.String(),
		"fail_twap":          failTwap.String(),
		"threshold_bps":      thresholdBps,
		"fees_base":          feesBase.String(),
		"fees_quote":         feesQuote.String(),
		"protocol_fee_base":  bps.Apply(feesBase, protocolShareBps).String(),
		"protocol_fee_quote": bps.Apply(feesQuote, protocolShareBps).String(),
		"recovered_base":     recoveredBase.String(),
		"recovered_quote":    recoveredQuote.String(),
	})
	return outcome, nil
}

// recoverCollateral turns the claims handed back by the venue into
// collateral at the escrow: matched pass/fail pairs merge 1:1, and the
// leftover winning-side claims redeem against the outcome. Losing-side
// leftovers stay worthless. The returned undo reverses every completed
// step; on error the partial steps are already unwound.
func (e *Engine) recoverCollateral(ctx context.Context, p *domain.Proposal, cfg domain.OrgConfig, outcome domain.Outcome) (*big.Int, *big.Int, func(), error) {
	var undo []func()
	unwind := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	mergeKind := func(collateral common.Hash, kind domain.CollateralKind) (*big.Int, error) {
		passID, failID := p.Claims.ClaimPair(kind)
		passBal, err := e.bank.BalanceOf(ctx, passID, e.escrow)
		if err != nil {
			return nil, err
		}
		failBal, err := e.bank.BalanceOf(ctx, failID, e.escrow)
		if err != nil {
			return nil, err
		}
		matched := passBal
		if failBal.Cmp(matched) < 0 {
			matched = failBal
		}
		if matched.Sign() == 0 {
			return new(big.Int), nil
		}
		if err := e.claims.Merge(ctx, p.OrgID, p.ID, collateral, kind, e.escrow, matched); err != nil {
			return nil, err
		}
		amt := new(big.Int).Set(matched)
		undo = append(undo, func() {
			_ = e.claims.Split(ctx, p.OrgID, p.ID, collateral, kind, e.escrow, amt)
		})
		return matched, nil
	}

	base, err := mergeKind(cfg.BaseToken, domain.CollateralBase)
	if err != nil {
		unwind()
		return nil, nil, nil, err
	}
	quote, err := mergeKind(cfg.QuoteToken, domain.CollateralQuote)
	if err != nil {
		unwind()
		return nil, nil, nil, err
	}

	// Traders who bought the winning side left the escrow holding excess
	// winning claims; redeem them so the collateral flows back too.
	redeemBase, redeemQuote, err := e.claims.Redeem(ctx, p.OrgID, p.ID, cfg.BaseToken, cfg.QuoteToken, outcome, e.escrow)
	if err == nil {
		rb := new(big.Int).Set(redeemBase)
		rq := new(big.Int).Set(redeemQuote)
		undo = append(undo, func() {
			_ = e.claims.Reinstate(ctx, p.OrgID, p.ID, cfg.BaseToken, cfg.QuoteToken, outcome, e.escrow, rb, rq)
		})
		base.Add(base, redeemBase)
		quote.Add(quote, redeemQuote)
	} else if !isNothingToRedeem(err) {
		unwind()
		return nil, nil, nil, err
	}
	return base, quote, unwind, nil
}

// ExecuteAction executes one approved action of a passed proposal. When
// the last action completes, the proposal transitions to Executed and the
// live slot frees up.
func (e *Engine) ExecuteAction(ctx context.Context, orgID string, id uint64, index int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalStatusResolved || p.Outcome != domain.OutcomePass {
		return nil, fmt.Errorf("engine: execute in %s/%s: %w", p.Status, p.Outcome, domain.ErrInvalidState)
	}

	result, done, err := e.actions.Execute(ctx, p, index)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = e.clock.Now()

	e.emit(ctx, p, domain.EventActionExecuted, map[string]any{"index": index})
	if done {
		p.Status = domain.ProposalStatusExecuted
		delete(e.live, orgID)
		e.emit(ctx, p, domain.EventProposalExecuted, nil)
	} else {
		e.persist(ctx, p)
	}
	return result, nil
}

// Split locks collateral and mints a matched pass/fail claim pair to the
// caller. Valid only while the proposal is Active.
func (e *Engine) Split(ctx context.Context, orgID string, id uint64, kind domain.CollateralKind, caller common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusActive {
		return fmt.Errorf("engine: split in %s: %w", p.Status, domain.ErrInvalidState)
	}
	collateral, err := e.collateralToken(ctx, orgID, kind)
	if err != nil {
		return err
	}
	return e.claims.Split(ctx, orgID, id, collateral, kind, caller, amount)
}

// Merge burns a matched pass/fail claim pair from the caller and releases
// the collateral. Valid only while the proposal is Active.
func (e *Engine) Merge(ctx context.Context, orgID string, id uint64, kind domain.CollateralKind, caller common.Address, amount *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalStatusActive {
		return fmt.Errorf("engine: merge in %s: %w", p.Status, domain.ErrInvalidState)
	}
	collateral, err := e.collateralToken(ctx, orgID, kind)
	if err != nil {
		return err
	}
	return e.claims.Merge(ctx, orgID, id, collateral, kind, caller, amount)
}

// Redeem converts the caller's winning-side claims into collateral after
// the proposal reached Resolved, Executed or Failed. Terminal status is
// permanent, so late redemption always works.
func (e *Engine) Redeem(ctx context.Context, orgID string, id uint64, caller common.Address) (base, quote *big.Int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return nil, nil, err
	}
	switch p.Status {
	case domain.ProposalStatusResolved, domain.ProposalStatusExecuted, domain.ProposalStatusFailed:
	default:
		return nil, nil, fmt.Errorf("engine: redeem in %s: %w", p.Status, domain.ErrInvalidState)
	}

	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: redeem: %w", err)
	}
	return e.claims.Redeem(ctx, orgID, id, cfg.BaseToken, cfg.QuoteToken, p.Outcome, caller)
}

func (e *Engine) collateralToken(ctx context.Context, orgID string, kind domain.CollateralKind) (common.Hash, error) {
	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("engine: %w", err)
	}
	if kind == domain.CollateralQuote {
		return cfg.QuoteToken, nil
	}
	return cfg.BaseToken, nil
}

func isNothingToRedeem(err error) bool {
	return errors.Is(err, domain.ErrNothingToRedeem)
}

// snapshot returns a deep copy safe to hand outside the engine's mutex.
func snapshot(p *domain.Proposal) domain.Proposal {
	out := *p
	out.TotalStaked = bps.Clone(p.TotalStaked)
	out.PassTwap = bps.Clone(p.PassTwap)
	out.FailTwap = bps.Clone(p.FailTwap)
	out.Reserves = domain.ReserveSnapshot{
		Base:  bps.Clone(p.Reserves.Base),
		Quote: bps.Clone(p.Reserves.Quote),
	}
	if p.ResolvedAt != nil {
		at := *p.ResolvedAt
		out.ResolvedAt = &at
	}
	out.Actions = cloneActions(p.Actions)
	return out
}

func cloneActions(actions []domain.Action) []domain.Action {
	out := make([]domain.Action, len(actions))
	copy(out, actions)
	for i := range out {
		out[i].Value = bps.Clone(actions[i].Value)
		out[i].Payload = append([]byte(nil), actions[i].Payload...)
	}
	return out
}

// ---------------------------------------------------------------------
// Persistence and event side channels (best effort; failures are logged,
// never surfaced into the financial state machine).
// ---------------------------------------------------------------------

func (e *Engine) persist(ctx context.Context, p *domain.Proposal) {
	if e.sinks.Proposals == nil {
		return
	}
	if err := e.sinks.Proposals.Upsert(ctx, snapshot(p)); err != nil {
		e.logger.WarnContext(ctx, "proposal persist failed",
			slog.Uint64("proposal_id", p.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) persistStake(ctx context.Context, orgID string, id uint64, staker common.Address) {
	if e.sinks.Stakes == nil {
		return
	}
	entry := domain.StakeEntry{
		OrgID:      orgID,
		ProposalID: id,
		Staker:     staker,
		Amount:     e.stakes.BalanceOf(orgID, id, staker),
		UpdatedAt:  e.clock.Now(),
	}
	if err := e.sinks.Stakes.Upsert(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "stake persist failed",
			slog.Uint64("proposal_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) clearStakes(ctx context.Context, orgID string, id uint64) {
	if e.sinks.Stakes == nil {
		return
	}
	if err := e.sinks.Stakes.DeleteByProposal(ctx, orgID, id); err != nil {
		e.logger.WarnContext(ctx, "stake clear failed",
			slog.Uint64("proposal_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) emit(ctx context.Context, p *domain.Proposal, event string, detail map[string]any) {
	e.persist(ctx, p)

	if e.sinks.Audit != nil {
		auditDetail := map[string]any{
			"org_id":      p.OrgID,
			"proposal_id": p.ID,
			"status":      string(p.Status),
		}
		for k, v := range detail {
			auditDetail[k] = v
		}
		if err := e.sinks.Audit.Log(ctx, event, auditDetail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if e.sinks.Bus != nil {
		ev := domain.LifecycleEvent{
			Event:      event,
			OrgID:      p.OrgID,
			ProposalID: p.ID,
			Status:     p.Status,
			Outcome:    p.Outcome,
			Detail:     detail,
			At:         e.clock.Now(),
		}
		payload, err := json.Marshal(ev)
		if err == nil {
			if err := e.sinks.Bus.Publish(ctx, domain.ChannelProposals, payload); err != nil {
				e.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
			}
			if err := e.sinks.Bus.StreamAppend(ctx, domain.StreamLifecycle, payload); err != nil {
				e.logger.WarnContext(ctx, "event stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	e.logger.InfoContext(ctx, event,
		slog.String("org_id", p.OrgID),
		slog.Uint64("proposal_id", p.ID),
		slog.String("status", string(p.Status)),
	)
}

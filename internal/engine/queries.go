package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// GetProposal returns a snapshot of the proposal.
func (e *Engine) GetProposal(_ context.Context, orgID string, id uint64) (domain.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return domain.Proposal{}, err
	}
	return snapshot(p), nil
}

// ListProposals returns the organization's proposals in id order, newest
// first, honoring opts.
func (e *Engine) ListProposals(_ context.Context, orgID string, opts domain.ListOpts) ([]domain.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.Proposal
	for k, p := range e.proposals {
		if k.orgID != orgID {
			continue
		}
		if opts.Status != "" && p.Status != opts.Status {
			continue
		}
		out = append(out, snapshot(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// ActiveProposals returns every proposal currently trading, across all
// organizations. The recorder drives observation pokes from this list.
func (e *Engine) ActiveProposals(_ context.Context) ([]domain.Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.Proposal
	for _, p := range e.proposals {
		if p.Status == domain.ProposalStatusActive {
			out = append(out, snapshot(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrgID != out[j].OrgID {
			return out[i].OrgID < out[j].OrgID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// LiveProposal returns the organization's non-terminal proposal, if any.
func (e *Engine) LiveProposal(_ context.Context, orgID string) (domain.Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, ok := e.live[orgID]
	if !ok {
		return domain.Proposal{}, false
	}
	p, ok := e.proposals[proposalKey{orgID, id}]
	if !ok {
		return domain.Proposal{}, false
	}
	return snapshot(p), true
}

// StakeOf returns staker's recorded stake on the proposal.
func (e *Engine) StakeOf(_ context.Context, orgID string, id uint64, staker common.Address) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.get(orgID, id); err != nil {
		return nil, err
	}
	return e.stakes.BalanceOf(orgID, id, staker), nil
}

// Stakes returns the proposal's stake book in insertion order.
func (e *Engine) Stakes(_ context.Context, orgID string, id uint64) ([]domain.StakeEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.get(orgID, id); err != nil {
		return nil, err
	}
	return e.stakes.Entries(orgID, id), nil
}

// RequiredStake returns the effective activation threshold for the
// proposal's proposer under the current configuration and supply.
func (e *Engine) RequiredStake(ctx context.Context, orgID string, id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return nil, err
	}
	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("engine: required stake: %w", err)
	}
	return e.effectiveThreshold(ctx, cfg, p)
}

// CanActivate reports whether ActivateProposal would currently succeed.
// When it would not, the returned reason names the blocking check.
func (e *Engine) CanActivate(ctx context.Context, orgID string, id uint64) (bool, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return false, "", err
	}
	if p.Status != domain.ProposalStatusStaking {
		return false, fmt.Sprintf("proposal is %s", p.Status), nil
	}
	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return false, "", fmt.Errorf("engine: can activate: %w", err)
	}
	if e.clock.Now().Before(p.StakingEndsAt) {
		return false, "staking window still open", nil
	}
	threshold, err := e.effectiveThreshold(ctx, cfg, p)
	if err != nil {
		return false, "", fmt.Errorf("engine: can activate: %w", err)
	}
	total := e.stakes.Total(orgID, id)
	if total.Cmp(threshold) < 0 {
		return false, fmt.Sprintf("staked %s of required %s", total, threshold), nil
	}
	return true, "", nil
}

// CanResolve reports whether Resolve would currently succeed.
func (e *Engine) CanResolve(_ context.Context, orgID string, id uint64) (bool, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return false, "", err
	}
	if p.Status != domain.ProposalStatusActive {
		return false, fmt.Sprintf("proposal is %s", p.Status), nil
	}
	if e.clock.Now().Before(p.TradingEndsAt) {
		return false, "trading window still open", nil
	}
	return true, "", nil
}

// CanCancel reports whether CancelProposal by caller would currently
// succeed.
func (e *Engine) CanCancel(ctx context.Context, orgID string, id uint64, caller common.Address) (bool, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return false, "", err
	}
	if p.Status != domain.ProposalStatusStaking {
		return false, fmt.Sprintf("proposal is %s", p.Status), nil
	}
	cfg, err := e.registry.OrgConfig(ctx, orgID)
	if err != nil {
		return false, "", fmt.Errorf("engine: can cancel: %w", err)
	}
	earliest := p.StakingEndsAt.Add(-cfg.StakingDuration).Add(cfg.MinCancellationDelay)
	if e.clock.Now().Before(earliest) {
		return false, "minimum cancellation delay not elapsed", nil
	}
	if err := e.authorizeCancel(ctx, orgID, caller); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return false, "caller not authorized", nil
		}
		return false, "", err
	}
	return true, "", nil
}

// ClaimBalances returns the holder's balances across the proposal's four
// conditional claims.
func (e *Engine) ClaimBalances(ctx context.Context, orgID string, id uint64, holder common.Address) (map[string]*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return nil, err
	}
	if p.Claims.Zero() {
		return nil, fmt.Errorf("engine: claims not issued: %w", domain.ErrInvalidState)
	}

	out := make(map[string]*big.Int, 4)
	for _, c := range []struct {
		name string
		id   common.Hash
	}{
		{"pass_base", p.Claims.PassBase},
		{"fail_base", p.Claims.FailBase},
		{"pass_quote", p.Claims.PassQuote},
		{"fail_quote", p.Claims.FailQuote},
	} {
		bal, err := e.bank.BalanceOf(ctx, c.id, holder)
		if err != nil {
			return nil, fmt.Errorf("engine: claim balances: %w", err)
		}
		out[c.name] = bal
	}
	return out, nil
}

// Prices returns the proposal's current spot prices and running TWAPs.
// Zero values are returned for proposals whose markets are not open.
func (e *Engine) Prices(ctx context.Context, orgID string, id uint64) (passSpot, failSpot, passTwap, failTwap *big.Int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.get(orgID, id)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if p.Status != domain.ProposalStatusActive {
		z := func() *big.Int { return new(big.Int) }
		return z(), z(), z(), z(), nil
	}

	passSpot, failSpot, err = e.venue.SpotPrices(ctx, orgID, id)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("engine: prices: %w: %v", domain.ErrCollaborator, err)
	}
	passTwap, failTwap, err = e.venue.TWAPs(ctx, orgID, id, e.clock.Now())
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("engine: prices: %w: %v", domain.ErrCollaborator, err)
	}
	return passSpot, failSpot, passTwap, failTwap, nil
}

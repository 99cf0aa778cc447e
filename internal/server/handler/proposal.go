package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// ProposalService defines the engine surface the proposal handler requires.
// It is declared locally so the handler package does not depend on the
// concrete engine implementation.
type ProposalService interface {
	CreateProposal(ctx context.Context, orgID string, proposer common.Address, actions []domain.Action) (domain.Proposal, error)
	GetProposal(ctx context.Context, orgID string, id uint64) (domain.Proposal, error)
	ListProposals(ctx context.Context, orgID string, opts domain.ListOpts) ([]domain.Proposal, error)
	LiveProposal(ctx context.Context, orgID string) (domain.Proposal, bool)

	Stake(ctx context.Context, orgID string, id uint64, staker common.Address, amount *big.Int) error
	Unstake(ctx context.Context, orgID string, id uint64, staker common.Address, amount *big.Int) error
	StakeOf(ctx context.Context, orgID string, id uint64, staker common.Address) (*big.Int, error)
	Stakes(ctx context.Context, orgID string, id uint64) ([]domain.StakeEntry, error)
	RequiredStake(ctx context.Context, orgID string, id uint64) (*big.Int, error)

	ActivateProposal(ctx context.Context, orgID string, id uint64) error
	CancelProposal(ctx context.Context, orgID string, id uint64, caller common.Address) error
	Resolve(ctx context.Context, orgID string, id uint64) (domain.Outcome, error)
	ExecuteAction(ctx context.Context, orgID string, id uint64, index int) ([]byte, error)

	CanActivate(ctx context.Context, orgID string, id uint64) (bool, string, error)
	CanResolve(ctx context.Context, orgID string, id uint64) (bool, string, error)
	CanCancel(ctx context.Context, orgID string, id uint64, caller common.Address) (bool, string, error)
}

// ProposalHandler serves the proposal lifecycle HTTP endpoints.
type ProposalHandler struct {
	engine ProposalService
	logger *slog.Logger
}

// NewProposalHandler creates a ProposalHandler with the given engine and
// logger.
func NewProposalHandler(engine ProposalService, logger *slog.Logger) *ProposalHandler {
	return &ProposalHandler{
		engine: engine,
		logger: logger,
	}
}

// actionJSON is the wire form of a proposal action.
type actionJSON struct {
	Type          string `json:"type"`
	Target        string `json:"target"`
	Payload       []byte `json:"payload,omitempty"`
	Value         string `json:"value,omitempty"`
	ConditionKind string `json:"condition_kind,omitempty"`
	UnlockAt      string `json:"unlock_at,omitempty"`
	Executed      bool   `json:"executed"`
}

// proposalJSON is the wire form of a proposal. Token amounts are decimal
// strings because they can exceed float64 precision.
type proposalJSON struct {
	ID            uint64 `json:"id"`
	OrgID         string `json:"org_id"`
	Proposer      string `json:"proposer"`
	TeamSponsored bool   `json:"team_sponsored"`
	Status        string `json:"status"`
	Outcome       string `json:"outcome"`

	TotalStaked   string `json:"total_staked"`
	StakingEndsAt string `json:"staking_ends_at"`

	TradingStartsAt  string `json:"trading_starts_at,omitempty"`
	TradingEndsAt    string `json:"trading_ends_at,omitempty"`
	RecordingStartAt string `json:"recording_start_at,omitempty"`

	ReserveBase  string `json:"reserve_base,omitempty"`
	ReserveQuote string `json:"reserve_quote,omitempty"`

	PassMarketID string `json:"pass_market_id,omitempty"`
	FailMarketID string `json:"fail_market_id,omitempty"`

	PassTwap   string `json:"pass_twap,omitempty"`
	FailTwap   string `json:"fail_twap,omitempty"`
	ResolvedAt string `json:"resolved_at,omitempty"`

	Actions []actionJSON `json:"actions"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toProposalJSON(p domain.Proposal) proposalJSON {
	out := proposalJSON{
		ID:            p.ID,
		OrgID:         p.OrgID,
		Proposer:      p.Proposer.Hex(),
		TeamSponsored: p.TeamSponsored,
		Status:        string(p.Status),
		Outcome:       string(p.Outcome),
		TotalStaked:   bigString(p.TotalStaked),
		StakingEndsAt: p.StakingEndsAt.Format(time.RFC3339),
		PassMarketID:  p.PassMarketID,
		FailMarketID:  p.FailMarketID,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     p.UpdatedAt.Format(time.RFC3339),
	}
	if !p.TradingStartsAt.IsZero() {
		out.TradingStartsAt = p.TradingStartsAt.Format(time.RFC3339)
		out.TradingEndsAt = p.TradingEndsAt.Format(time.RFC3339)
		out.RecordingStartAt = p.RecordingStartAt.Format(time.RFC3339)
	}
	if p.Reserves.Base != nil {
		out.ReserveBase = p.Reserves.Base.String()
		out.ReserveQuote = bigString(p.Reserves.Quote)
	}
	if p.PassTwap != nil {
		out.PassTwap = p.PassTwap.String()
		out.FailTwap = bigString(p.FailTwap)
	}
	if p.ResolvedAt != nil {
		out.ResolvedAt = p.ResolvedAt.Format(time.RFC3339)
	}
	out.Actions = make([]actionJSON, 0, len(p.Actions))
	for _, a := range p.Actions {
		aj := actionJSON{
			Type:          a.Type,
			Target:        a.Target.Hex(),
			Payload:       a.Payload,
			ConditionKind: string(a.Condition.Kind),
			Executed:      a.Executed,
		}
		if a.Value != nil {
			aj.Value = a.Value.String()
		}
		if !a.Condition.UnlockAt.IsZero() {
			aj.UnlockAt = a.Condition.UnlockAt.Format(time.RFC3339)
		}
		out.Actions = append(out.Actions, aj)
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type createProposalRequest struct {
	Proposer string       `json:"proposer"`
	Actions  []actionJSON `json:"actions"`
}

// CreateProposal opens a new proposal in the staking phase.
// POST /api/orgs/{org}/proposals
func (h *ProposalHandler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	orgID := pathParam(r, "org")

	var req createProposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	proposer, ok := parseAddress(req.Proposer)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid proposer address")
		return
	}

	actions := make([]domain.Action, 0, len(req.Actions))
	for _, a := range req.Actions {
		target, ok := parseAddress(a.Target)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid action target address")
			return
		}
		value := new(big.Int)
		if a.Value != "" {
			if value, ok = new(big.Int).SetString(a.Value, 10); !ok {
				writeError(w, http.StatusBadRequest, "invalid action value")
				return
			}
		}
		action := domain.Action{
			Type:      a.Type,
			Target:    target,
			Payload:   a.Payload,
			Value:     value,
			Condition: domain.ExecCondition{Kind: domain.ConditionKind(a.ConditionKind)},
		}
		if a.UnlockAt != "" {
			unlockAt, err := time.Parse(time.RFC3339, a.UnlockAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid unlock_at timestamp")
				return
			}
			action.Condition.UnlockAt = unlockAt
		}
		actions = append(actions, action)
	}

	p, err := h.engine.CreateProposal(r.Context(), orgID, proposer, actions)
	if err != nil {
		h.writeEngineError(w, r, "create proposal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProposalJSON(p))
}

// ListProposals returns the organization's proposals with pagination.
// GET /api/orgs/{org}/proposals?status=active&limit=50&offset=0
func (h *ProposalHandler) ListProposals(w http.ResponseWriter, r *http.Request) {
	orgID := pathParam(r, "org")
	opts := parseListOpts(r)
	opts.Status = domain.ProposalStatus(r.URL.Query().Get("status"))

	proposals, err := h.engine.ListProposals(r.Context(), orgID, opts)
	if err != nil {
		h.writeEngineError(w, r, "list proposals", err)
		return
	}

	out := make([]proposalJSON, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toProposalJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": out,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// GetProposal returns a single proposal.
// GET /api/orgs/{org}/proposals/{id}
func (h *ProposalHandler) GetProposal(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}
	p, err := h.engine.GetProposal(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalJSON(p))
}

// GetLiveProposal returns the organization's current non-terminal proposal.
// GET /api/orgs/{org}/proposals/live
func (h *ProposalHandler) GetLiveProposal(w http.ResponseWriter, r *http.Request) {
	orgID := pathParam(r, "org")
	p, ok := h.engine.LiveProposal(r.Context(), orgID)
	if !ok {
		writeError(w, http.StatusNotFound, "no live proposal")
		return
	}
	writeJSON(w, http.StatusOK, toProposalJSON(p))
}

type stakeRequest struct {
	Staker string `json:"staker"`
	Amount string `json:"amount"`
}

// Stake escrows staking collateral against the proposal.
// POST /api/orgs/{org}/proposals/{id}/stake
func (h *ProposalHandler) Stake(w http.ResponseWriter, r *http.Request) {
	h.handleStakeOp(w, r, "stake", h.engine.Stake)
}

// Unstake returns escrowed collateral to the staker.
// POST /api/orgs/{org}/proposals/{id}/unstake
func (h *ProposalHandler) Unstake(w http.ResponseWriter, r *http.Request) {
	h.handleStakeOp(w, r, "unstake", h.engine.Unstake)
}

func (h *ProposalHandler) handleStakeOp(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, orgID string, id uint64, staker common.Address, amount *big.Int) error,
) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}

	var req stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	staker, ok := parseAddress(req.Staker)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid staker address")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := fn(r.Context(), orgID, id, staker, amount); err != nil {
		h.writeEngineError(w, r, op, err)
		return
	}

	balance, err := h.engine.StakeOf(r.Context(), orgID, id, staker)
	if err != nil {
		h.writeEngineError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"staker": staker.Hex(),
		"staked": balance.String(),
	})
}

// ListStakes returns the proposal's stake book.
// GET /api/orgs/{org}/proposals/{id}/stakes
func (h *ProposalHandler) ListStakes(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}

	entries, err := h.engine.Stakes(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "list stakes", err)
		return
	}
	required, err := h.engine.RequiredStake(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "list stakes", err)
		return
	}

	type stakeJSON struct {
		Staker string `json:"staker"`
		Amount string `json:"amount"`
	}
	out := make([]stakeJSON, 0, len(entries))
	total := new(big.Int)
	for _, e := range entries {
		out = append(out, stakeJSON{Staker: e.Staker.Hex(), Amount: bigString(e.Amount)})
		total.Add(total, e.Amount)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stakes":   out,
		"total":    total.String(),
		"required": required.String(),
	})
}

// Activate moves a funded proposal into the trading phase.
// POST /api/orgs/{org}/proposals/{id}/activate
func (h *ProposalHandler) Activate(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}
	if err := h.engine.ActivateProposal(r.Context(), orgID, id); err != nil {
		h.writeEngineError(w, r, "activate", err)
		return
	}
	h.respondWithProposal(w, r, orgID, id)
}

type cancelRequest struct {
	Caller string `json:"caller"`
}

// Cancel abandons a staking proposal, refunding all stakes.
// POST /api/orgs/{org}/proposals/{id}/cancel
func (h *ProposalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	if err := h.engine.CancelProposal(r.Context(), orgID, id, caller); err != nil {
		h.writeEngineError(w, r, "cancel", err)
		return
	}
	h.respondWithProposal(w, r, orgID, id)
}

// Resolve closes the trading window and settles the proposal outcome.
// POST /api/orgs/{org}/proposals/{id}/resolve
func (h *ProposalHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}
	outcome, err := h.engine.Resolve(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "resolve", err)
		return
	}

	p, err := h.engine.GetProposal(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":  string(outcome),
		"proposal": toProposalJSON(p),
	})
}

// ExecuteAction executes one action of a passed proposal.
// POST /api/orgs/{org}/proposals/{id}/actions/{index}/execute
func (h *ProposalHandler) ExecuteAction(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(pathParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid action index")
		return
	}

	result, err := h.engine.ExecuteAction(r.Context(), orgID, id, index)
	if err != nil {
		h.writeEngineError(w, r, "execute action", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":  index,
		"result": result,
	})
}

// Readiness reports whether activate, resolve and cancel would currently
// succeed, with the blocking reason for each that would not. The cancel
// check includes caller authorization when a caller is given.
// GET /api/orgs/{org}/proposals/{id}/readiness?caller=0x...
func (h *ProposalHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := h.proposalPath(w, r)
	if !ok {
		return
	}

	canActivate, activateReason, err := h.engine.CanActivate(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "readiness", err)
		return
	}
	canResolve, resolveReason, err := h.engine.CanResolve(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "readiness", err)
		return
	}

	out := map[string]any{
		"can_activate":    canActivate,
		"activate_reason": activateReason,
		"can_resolve":     canResolve,
		"resolve_reason":  resolveReason,
	}
	if raw := r.URL.Query().Get("caller"); raw != "" {
		caller, ok := parseAddress(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid caller address")
			return
		}
		canCancel, cancelReason, err := h.engine.CanCancel(r.Context(), orgID, id, caller)
		if err != nil {
			h.writeEngineError(w, r, "readiness", err)
			return
		}
		out["can_cancel"] = canCancel
		out["cancel_reason"] = cancelReason
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ProposalHandler) respondWithProposal(w http.ResponseWriter, r *http.Request, orgID string, id uint64) {
	p, err := h.engine.GetProposal(r.Context(), orgID, id)
	if err != nil {
		h.writeEngineError(w, r, "get proposal", err)
		return
	}
	writeJSON(w, http.StatusOK, toProposalJSON(p))
}

func (h *ProposalHandler) proposalPath(w http.ResponseWriter, r *http.Request) (string, uint64, bool) {
	orgID := pathParam(r, "org")
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return "", 0, false
	}
	return orgID, id, true
}

func (h *ProposalHandler) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := domainStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

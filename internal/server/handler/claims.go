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

// ClaimService defines the engine surface the claims handler requires.
type ClaimService interface {
	Split(ctx context.Context, orgID string, id uint64, kind domain.CollateralKind, caller common.Address, amount *big.Int) error
	Merge(ctx context.Context, orgID string, id uint64, kind domain.CollateralKind, caller common.Address, amount *big.Int) error
	Redeem(ctx context.Context, orgID string, id uint64, caller common.Address) (base, quote *big.Int, err error)
	ClaimBalances(ctx context.Context, orgID string, id uint64, holder common.Address) (map[string]*big.Int, error)
	Prices(ctx context.Context, orgID string, id uint64) (passSpot, failSpot, passTwap, failTwap *big.Int, err error)
}

// ClaimHandler serves conditional-claim and price endpoints.
type ClaimHandler struct {
	engine ClaimService
	twaps  domain.TwapCache // optional read-side cache
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler. twaps may be nil, in which case
// price queries always hit the engine.
func NewClaimHandler(engine ClaimService, twaps domain.TwapCache, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{
		engine: engine,
		twaps:  twaps,
		logger: logger,
	}
}

type claimOpRequest struct {
	Caller string `json:"caller"`
	Kind   string `json:"kind"` // "base" or "quote"
	Amount string `json:"amount"`
}

// Split locks collateral and mints a matched pass/fail claim pair.
// POST /api/orgs/{org}/proposals/{id}/split
func (h *ClaimHandler) Split(w http.ResponseWriter, r *http.Request) {
	h.handleClaimOp(w, r, "split", h.engine.Split)
}

// Merge burns a matched claim pair and releases the collateral.
// POST /api/orgs/{org}/proposals/{id}/merge
func (h *ClaimHandler) Merge(w http.ResponseWriter, r *http.Request) {
	h.handleClaimOp(w, r, "merge", h.engine.Merge)
}

func (h *ClaimHandler) handleClaimOp(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, orgID string, id uint64, kind domain.CollateralKind, caller common.Address, amount *big.Int) error,
) {
	orgID, id, ok := claimPath(w, r)
	if !ok {
		return
	}

	var req claimOpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	kind := domain.CollateralKind(req.Kind)
	if kind != domain.CollateralBase && kind != domain.CollateralQuote {
		writeError(w, http.StatusBadRequest, "kind must be base or quote")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	if err := fn(r.Context(), orgID, id, kind, caller, amount); err != nil {
		h.writeClaimError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"caller": caller.Hex(),
		"kind":   string(kind),
		"amount": amount.String(),
	})
}

type redeemRequest struct {
	Caller string `json:"caller"`
}

// Redeem converts winning-side claims into collateral after resolution.
// POST /api/orgs/{org}/proposals/{id}/redeem
func (h *ClaimHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := claimPath(w, r)
	if !ok {
		return
	}

	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}

	base, quote, err := h.engine.Redeem(r.Context(), orgID, id, caller)
	if err != nil {
		h.writeClaimError(w, r, "redeem", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"caller": caller.Hex(),
		"base":   base.String(),
		"quote":  quote.String(),
	})
}

// GetBalances returns the holder's conditional-claim balances.
// GET /api/orgs/{org}/proposals/{id}/claims/{holder}
func (h *ClaimHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := claimPath(w, r)
	if !ok {
		return
	}
	holder, ok := parseAddress(pathParam(r, "holder"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid holder address")
		return
	}

	balances, err := h.engine.ClaimBalances(r.Context(), orgID, id, holder)
	if err != nil {
		h.writeClaimError(w, r, "claim balances", err)
		return
	}

	out := make(map[string]string, len(balances))
	for name, bal := range balances {
		out[name] = bal.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrices returns the proposal's spot prices and running TWAPs. Cached
// TWAP readings are served when fresh; otherwise the engine is consulted.
// GET /api/orgs/{org}/proposals/{id}/prices
func (h *ClaimHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	orgID, id, ok := claimPath(w, r)
	if !ok {
		return
	}

	passSpot, failSpot, passTwap, failTwap, err := h.engine.Prices(r.Context(), orgID, id)
	if err != nil {
		h.writeClaimError(w, r, "prices", err)
		return
	}

	resp := map[string]string{
		"pass_spot": passSpot.String(),
		"fail_spot": failSpot.String(),
		"pass_twap": passTwap.String(),
		"fail_twap": failTwap.String(),
	}
	if h.twaps != nil {
		if cp, cf, ts, err := h.twaps.GetTwaps(r.Context(), orgID, id); err == nil {
			resp["cached_pass_twap"] = cp.String()
			resp["cached_fail_twap"] = cf.String()
			resp["cached_at"] = ts.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func claimPath(w http.ResponseWriter, r *http.Request) (string, uint64, bool) {
	orgID := pathParam(r, "org")
	id, err := strconv.ParseUint(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proposal id")
		return "", 0, false
	}
	return orgID, id, true
}

func (h *ClaimHandler) writeClaimError(w http.ResponseWriter, r *http.Request, op string, err error) {
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

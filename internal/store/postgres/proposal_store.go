package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// ProposalStore implements domain.ProposalStore using PostgreSQL.
type ProposalStore struct {
	pool *pgxpool.Pool
}

// NewProposalStore creates a new ProposalStore backed by the given pool.
func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

const proposalColumns = `
	org_id, id, proposer, team_sponsored, status, outcome,
	total_staked::text, staking_ends_at,
	trading_starts_at, trading_ends_at, recording_start_at,
	reserve_base::text, reserve_quote::text,
	claim_pass_base, claim_fail_base, claim_pass_quote, claim_fail_quote,
	pass_market_id, fail_market_id,
	pass_twap::text, fail_twap::text, resolved_at,
	actions, created_at, updated_at`

// Upsert inserts or fully replaces the proposal row.
func (s *ProposalStore) Upsert(ctx context.Context, p domain.Proposal) error {
	actionsJSON, err := json.Marshal(p.Actions)
	if err != nil {
		return fmt.Errorf("postgres: marshal actions: %w", err)
	}

	const query = `
		INSERT INTO proposals (
			org_id, id, proposer, team_sponsored, status, outcome,
			total_staked, staking_ends_at,
			trading_starts_at, trading_ends_at, recording_start_at,
			reserve_base, reserve_quote,
			claim_pass_base, claim_fail_base, claim_pass_quote, claim_fail_quote,
			pass_market_id, fail_market_id,
			pass_twap, fail_twap, resolved_at,
			actions, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8,
			$9, $10, $11,
			$12::numeric, $13::numeric,
			$14, $15, $16, $17,
			$18, $19,
			$20::numeric, $21::numeric, $22,
			$23, $24, $25
		)
		ON CONFLICT (org_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			outcome = EXCLUDED.outcome,
			total_staked = EXCLUDED.total_staked,
			trading_starts_at = EXCLUDED.trading_starts_at,
			trading_ends_at = EXCLUDED.trading_ends_at,
			recording_start_at = EXCLUDED.recording_start_at,
			reserve_base = EXCLUDED.reserve_base,
			reserve_quote = EXCLUDED.reserve_quote,
			claim_pass_base = EXCLUDED.claim_pass_base,
			claim_fail_base = EXCLUDED.claim_fail_base,
			claim_pass_quote = EXCLUDED.claim_pass_quote,
			claim_fail_quote = EXCLUDED.claim_fail_quote,
			pass_market_id = EXCLUDED.pass_market_id,
			fail_market_id = EXCLUDED.fail_market_id,
			pass_twap = EXCLUDED.pass_twap,
			fail_twap = EXCLUDED.fail_twap,
			resolved_at = EXCLUDED.resolved_at,
			actions = EXCLUDED.actions,
			updated_at = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		p.OrgID, int64(p.ID), p.Proposer.Hex(), p.TeamSponsored, string(p.Status), string(p.Outcome),
		numericArg(p.TotalStaked), p.StakingEndsAt,
		nullTime(p.TradingStartsAt), nullTime(p.TradingEndsAt), nullTime(p.RecordingStartAt),
		numericPtr(p.Reserves.Base), numericPtr(p.Reserves.Quote),
		hashArg(p.Claims.PassBase), hashArg(p.Claims.FailBase),
		hashArg(p.Claims.PassQuote), hashArg(p.Claims.FailQuote),
		nullString(p.PassMarketID), nullString(p.FailMarketID),
		numericPtr(p.PassTwap), numericPtr(p.FailTwap), p.ResolvedAt,
		actionsJSON, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert proposal %s/%d: %w", p.OrgID, p.ID, err)
	}
	return nil
}

// GetByID fetches one proposal.
func (s *ProposalStore) GetByID(ctx context.Context, orgID string, id uint64) (domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE org_id = $1 AND id = $2`

	row := s.pool.QueryRow(ctx, query, orgID, int64(id))
	p, err := scanProposal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Proposal{}, fmt.Errorf("postgres: proposal %s/%d: %w", orgID, id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("postgres: get proposal %s/%d: %w", orgID, id, err)
	}
	return p, nil
}

// ListByOrg returns the organization's proposals, newest first.
func (s *ProposalStore) ListByOrg(ctx context.Context, orgID string, opts domain.ListOpts) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE org_id = $1`
	args := []any{orgID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	query += " ORDER BY id DESC"
	query, args = paginate(query, args, argIdx, opts)

	return s.list(ctx, query, args)
}

// ListByStatus returns proposals in the given status across organizations,
// most recently updated first.
func (s *ProposalStore) ListByStatus(ctx context.Context, status domain.ProposalStatus, opts domain.ListOpts) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE status = $1 ORDER BY updated_at DESC`
	args := []any{string(status)}
	query, args = paginate(query, args, 2, opts)

	return s.list(ctx, query, args)
}

// MaxID returns the highest proposal id recorded for the organization, or
// zero when none exist. Used to seed the in-memory sequence on restart.
func (s *ProposalStore) MaxID(ctx context.Context, orgID string) (uint64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM proposals WHERE org_id = $1`, orgID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres: max proposal id for %s: %w", orgID, err)
	}
	return uint64(max), nil
}

func (s *ProposalStore) list(ctx context.Context, query string, args []any) ([]domain.Proposal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proposals: %w", err)
	}
	defer rows.Close()

	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list proposals rows: %w", err)
	}
	return out, nil
}

func paginate(query string, args []any, argIdx int, opts domain.ListOpts) (string, []any) {
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

func scanProposal(row pgx.Row) (domain.Proposal, error) {
	var (
		p            domain.Proposal
		id           int64
		proposer     string
		status       string
		outcome      string
		totalStaked  string
		tradingStart *time.Time
		tradingEnd   *time.Time
		recordStart  *time.Time
		reserveBase  *string
		reserveQuote *string
		claimPB      *string
		claimFB      *string
		claimPQ      *string
		claimFQ      *string
		passMarket   *string
		failMarket   *string
		passTwap     *string
		failTwap     *string
		actionsJSON  []byte
	)

	err := row.Scan(
		&p.OrgID, &id, &proposer, &p.TeamSponsored, &status, &outcome,
		&totalStaked, &p.StakingEndsAt,
		&tradingStart, &tradingEnd, &recordStart,
		&reserveBase, &reserveQuote,
		&claimPB, &claimFB, &claimPQ, &claimFQ,
		&passMarket, &failMarket,
		&passTwap, &failTwap, &p.ResolvedAt,
		&actionsJSON, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Proposal{}, err
	}

	p.ID = uint64(id)
	p.Proposer = common.HexToAddress(proposer)
	p.Status = domain.ProposalStatus(status)
	p.Outcome = domain.Outcome(outcome)
	p.TotalStaked, err = parseNumeric(totalStaked)
	if err != nil {
		return domain.Proposal{}, err
	}
	if tradingStart != nil {
		p.TradingStartsAt = *tradingStart
	}
	if tradingEnd != nil {
		p.TradingEndsAt = *tradingEnd
	}
	if recordStart != nil {
		p.RecordingStartAt = *recordStart
	}
	if p.Reserves.Base, err = parseNumericPtr(reserveBase); err != nil {
		return domain.Proposal{}, err
	}
	if p.Reserves.Quote, err = parseNumericPtr(reserveQuote); err != nil {
		return domain.Proposal{}, err
	}
	p.Claims = domain.ConditionalTokenSet{
		PassBase:  parseHash(claimPB),
		FailBase:  parseHash(claimFB),
		PassQuote: parseHash(claimPQ),
		FailQuote: parseHash(claimFQ),
	}
	if passMarket != nil {
		p.PassMarketID = *passMarket
	}
	if failMarket != nil {
		p.FailMarketID = *failMarket
	}
	if p.PassTwap, err = parseNumericPtr(passTwap); err != nil {
		return domain.Proposal{}, err
	}
	if p.FailTwap, err = parseNumericPtr(failTwap); err != nil {
		return domain.Proposal{}, err
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &p.Actions); err != nil {
			return domain.Proposal{}, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return p, nil
}

func numericArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func numericPtr(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return v, nil
}

func parseNumericPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseNumeric(*s)
}

func hashArg(h common.Hash) *string {
	if h == (common.Hash{}) {
		return nil
	}
	s := h.Hex()
	return &s
}

func parseHash(s *string) common.Hash {
	if s == nil {
		return common.Hash{}
	}
	return common.HexToHash(*s)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.ProposalStore = (*ProposalStore)(nil)

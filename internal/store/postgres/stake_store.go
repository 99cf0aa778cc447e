package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// StakeStore implements domain.StakeStore using PostgreSQL.
type StakeStore struct {
	pool *pgxpool.Pool
}

// NewStakeStore creates a new StakeStore backed by the given pool.
func NewStakeStore(pool *pgxpool.Pool) *StakeStore {
	return &StakeStore{pool: pool}
}

// Upsert records the staker's current balance on the proposal.
func (s *StakeStore) Upsert(ctx context.Context, e domain.StakeEntry) error {
	const query = `
		INSERT INTO stakes (org_id, proposal_id, staker, amount, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (org_id, proposal_id, staker) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		e.OrgID, int64(e.ProposalID), e.Staker.Hex(), numericArg(e.Amount), e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert stake %s/%d/%s: %w", e.OrgID, e.ProposalID, e.Staker.Hex(), err)
	}
	return nil
}

// DeleteByProposal removes all stake rows for the proposal, after a refund
// settles the book.
func (s *StakeStore) DeleteByProposal(ctx context.Context, orgID string, proposalID uint64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM stakes WHERE org_id = $1 AND proposal_id = $2`,
		orgID, int64(proposalID),
	)
	if err != nil {
		return fmt.Errorf("postgres: delete stakes %s/%d: %w", orgID, proposalID, err)
	}
	return nil
}

// ListByProposal returns the proposal's stake rows in insertion order.
func (s *StakeStore) ListByProposal(ctx context.Context, orgID string, proposalID uint64) ([]domain.StakeEntry, error) {
	const query = `
		SELECT org_id, proposal_id, staker, amount::text, updated_at
		FROM stakes
		WHERE org_id = $1 AND proposal_id = $2
		ORDER BY updated_at ASC`

	rows, err := s.pool.Query(ctx, query, orgID, int64(proposalID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list stakes %s/%d: %w", orgID, proposalID, err)
	}
	defer rows.Close()

	var out []domain.StakeEntry
	for rows.Next() {
		var (
			e      domain.StakeEntry
			pid    int64
			staker string
			amount string
		)
		if err := rows.Scan(&e.OrgID, &pid, &staker, &amount, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan stake: %w", err)
		}
		e.ProposalID = uint64(pid)
		e.Staker = common.HexToAddress(staker)
		if e.Amount, err = parseNumeric(amount); err != nil {
			return nil, fmt.Errorf("postgres: scan stake amount: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stakes rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.StakeStore = (*StakeStore)(nil)

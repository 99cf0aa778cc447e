package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// OrgStore implements domain.OrgStore using PostgreSQL. Durations are
// stored as whole seconds.
type OrgStore struct {
	pool *pgxpool.Pool
}

// NewOrgStore creates a new OrgStore backed by the given pool.
func NewOrgStore(pool *pgxpool.Pool) *OrgStore {
	return &OrgStore{pool: pool}
}

// UpsertConfig inserts or replaces the organization's configuration.
func (s *OrgStore) UpsertConfig(ctx context.Context, cfg domain.OrgConfig) error {
	const query = `
		INSERT INTO org_configs (
			org_id, base_token, quote_token,
			team_threshold_bps, non_team_threshold_bps,
			owner_stake_bps, team_stake_bps, default_stake_abs,
			staking_duration_s, trading_duration_s, min_cancel_delay_s, recording_delay_s,
			observation_rate_bps, liquidity_fraction_bps, swap_fee_bps, treasury_fee_share_bps,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (org_id) DO UPDATE SET
			base_token = EXCLUDED.base_token,
			quote_token = EXCLUDED.quote_token,
			team_threshold_bps = EXCLUDED.team_threshold_bps,
			non_team_threshold_bps = EXCLUDED.non_team_threshold_bps,
			owner_stake_bps = EXCLUDED.owner_stake_bps,
			team_stake_bps = EXCLUDED.team_stake_bps,
			default_stake_abs = EXCLUDED.default_stake_abs,
			staking_duration_s = EXCLUDED.staking_duration_s,
			trading_duration_s = EXCLUDED.trading_duration_s,
			min_cancel_delay_s = EXCLUDED.min_cancel_delay_s,
			recording_delay_s = EXCLUDED.recording_delay_s,
			observation_rate_bps = EXCLUDED.observation_rate_bps,
			liquidity_fraction_bps = EXCLUDED.liquidity_fraction_bps,
			swap_fee_bps = EXCLUDED.swap_fee_bps,
			treasury_fee_share_bps = EXCLUDED.treasury_fee_share_bps,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		cfg.OrgID, cfg.BaseToken.Hex(), cfg.QuoteToken.Hex(),
		cfg.TeamThresholdBps, cfg.NonTeamThresholdBps,
		cfg.OwnerStakeBps, cfg.TeamStakeBps, numericArg(cfg.DefaultStakeAbs),
		int64(cfg.StakingDuration/time.Second), int64(cfg.TradingDuration/time.Second),
		int64(cfg.MinCancellationDelay/time.Second), int64(cfg.RecordingDelay/time.Second),
		cfg.ObservationRateBps, cfg.LiquidityFractionBps, cfg.SwapFeeBps, cfg.TreasuryFeeShareBps,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert org config %s: %w", cfg.OrgID, err)
	}
	return nil
}

// GetConfig fetches the organization's configuration.
func (s *OrgStore) GetConfig(ctx context.Context, orgID string) (domain.OrgConfig, error) {
	const query = `
		SELECT org_id, base_token, quote_token,
		       team_threshold_bps, non_team_threshold_bps,
		       owner_stake_bps, team_stake_bps, default_stake_abs::text,
		       staking_duration_s, trading_duration_s, min_cancel_delay_s, recording_delay_s,
		       observation_rate_bps, liquidity_fraction_bps, swap_fee_bps, treasury_fee_share_bps
		FROM org_configs WHERE org_id = $1`

	var (
		cfg                                  domain.OrgConfig
		baseToken, quoteToken, defaultStake  string
		stakingS, tradingS, cancelS, recordS int64
	)
	err := s.pool.QueryRow(ctx, query, orgID).Scan(
		&cfg.OrgID, &baseToken, &quoteToken,
		&cfg.TeamThresholdBps, &cfg.NonTeamThresholdBps,
		&cfg.OwnerStakeBps, &cfg.TeamStakeBps, &defaultStake,
		&stakingS, &tradingS, &cancelS, &recordS,
		&cfg.ObservationRateBps, &cfg.LiquidityFractionBps, &cfg.SwapFeeBps, &cfg.TreasuryFeeShareBps,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrgConfig{}, fmt.Errorf("postgres: org config %s: %w", orgID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.OrgConfig{}, fmt.Errorf("postgres: get org config %s: %w", orgID, err)
	}

	cfg.BaseToken = common.HexToHash(baseToken)
	cfg.QuoteToken = common.HexToHash(quoteToken)
	if cfg.DefaultStakeAbs, err = parseNumeric(defaultStake); err != nil {
		return domain.OrgConfig{}, fmt.Errorf("postgres: org config %s: %w", orgID, err)
	}
	cfg.StakingDuration = time.Duration(stakingS) * time.Second
	cfg.TradingDuration = time.Duration(tradingS) * time.Second
	cfg.MinCancellationDelay = time.Duration(cancelS) * time.Second
	cfg.RecordingDelay = time.Duration(recordS) * time.Second
	return cfg, nil
}

// SetRole records a role membership. Protocol-level roles use an empty
// org id.
func (s *OrgStore) SetRole(ctx context.Context, orgID string, account common.Address, role string) error {
	const query = `
		INSERT INTO org_roles (org_id, account, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, account, role) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, orgID, account.Hex(), role); err != nil {
		return fmt.Errorf("postgres: set role %s for %s: %w", role, account.Hex(), err)
	}
	return nil
}

// ListRole returns every account holding the role in the organization.
func (s *OrgStore) ListRole(ctx context.Context, orgID string, role string) ([]common.Address, error) {
	const query = `
		SELECT account FROM org_roles
		WHERE org_id = $1 AND role = $2
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, orgID, role)
	if err != nil {
		return nil, fmt.Errorf("postgres: list role %s: %w", role, err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, fmt.Errorf("postgres: scan role account: %w", err)
		}
		out = append(out, common.HexToAddress(account))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list role rows: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.OrgStore = (*OrgStore)(nil)

package redis

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// twapTTL bounds staleness: readings older than this are treated as
// missing and callers fall back to the venue.
const twapTTL = 5 * time.Minute

// TwapCache implements domain.TwapCache using a Redis hash per proposal.
type TwapCache struct {
	rdb *redis.Client
}

// NewTwapCache creates a TwapCache backed by the given Client.
func NewTwapCache(c *Client) *TwapCache {
	return &TwapCache{rdb: c.Underlying()}
}

func twapKey(orgID string, proposalID uint64) string {
	return fmt.Sprintf("twap:%s:%d", orgID, proposalID)
}

// SetTwaps stores the latest TWAP pair for the proposal's markets.
func (tc *TwapCache) SetTwaps(ctx context.Context, orgID string, proposalID uint64, passTwap, failTwap *big.Int, ts time.Time) error {
	key := twapKey(orgID, proposalID)
	pipe := tc.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"pass": passTwap.String(),
		"fail": failTwap.String(),
		"ts":   ts.UnixMilli(),
	})
	pipe.Expire(ctx, key, twapTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set twaps %s: %w", key, err)
	}
	return nil
}

// GetTwaps returns the cached TWAP pair. Missing or expired entries
// surface as domain.ErrNotFound.
func (tc *TwapCache) GetTwaps(ctx context.Context, orgID string, proposalID uint64) (*big.Int, *big.Int, time.Time, error) {
	key := twapKey(orgID, proposalID)
	vals, err := tc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, nil, time.Time{}, fmt.Errorf("redis: get twaps %s: %w", key, err)
	}
	if len(vals) == 0 {
		return nil, nil, time.Time{}, fmt.Errorf("redis: twaps %s: %w", key, domain.ErrNotFound)
	}

	parse := func(field string) (*big.Int, error) {
		v, ok := new(big.Int).SetString(vals[field], 10)
		if !ok {
			return nil, fmt.Errorf("redis: twaps %s: invalid %s value %q", key, field, vals[field])
		}
		return v, nil
	}
	passTwap, err := parse("pass")
	if err != nil {
		return nil, nil, time.Time{}, err
	}
	failTwap, err := parse("fail")
	if err != nil {
		return nil, nil, time.Time{}, err
	}

	var ts time.Time
	if ms, ok := new(big.Int).SetString(vals["ts"], 10); ok {
		ts = time.UnixMilli(ms.Int64()).UTC()
	}
	return passTwap, failTwap, ts, nil
}

// Compile-time interface check.
var _ domain.TwapCache = (*TwapCache)(nil)

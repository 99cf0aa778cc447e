package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

// recorderLockKey guards the observation feed so that exactly one recorder
// replica pokes the markets at a time.
const recorderLockKey = "recorder"

// ProposalSource lists the proposals whose markets need observation.
type ProposalSource interface {
	ActiveProposals(ctx context.Context) ([]domain.Proposal, error)
}

// ObservationFeed is the market-side surface the recorder drives: a poke
// folds the current spot price into each rate-limited observation, and the
// read methods report the result.
type ObservationFeed interface {
	Poke(orgID string, proposalID uint64) error
	TWAPs(ctx context.Context, orgID string, proposalID uint64, at time.Time) (*big.Int, *big.Int, error)
	SpotPrices(ctx context.Context, orgID string, proposalID uint64) (*big.Int, *big.Int, error)
}

// Recorder periodically feeds spot prices into the active proposals'
// observations, caches the running TWAPs, and publishes price events.
type Recorder struct {
	source ProposalSource
	feed   ObservationFeed
	twaps  domain.TwapCache   // optional
	bus    domain.SignalBus   // optional
	locks  domain.LockManager // optional, for multi-replica deployments
	clock  domain.Clock
	logger *slog.Logger
}

// NewRecorder creates a Recorder. twaps, bus and locks may be nil.
func NewRecorder(
	source ProposalSource,
	feed ObservationFeed,
	twaps domain.TwapCache,
	bus domain.SignalBus,
	locks domain.LockManager,
	clock domain.Clock,
	logger *slog.Logger,
) *Recorder {
	return &Recorder{
		source: source,
		feed:   feed,
		twaps:  twaps,
		bus:    bus,
		locks:  locks,
		clock:  clock,
		logger: logger.With(slog.String("component", "recorder")),
	}
}

// RunLoop pokes all active markets at the given interval until the context
// is cancelled.
func (r *Recorder) RunLoop(ctx context.Context, interval time.Duration) error {
	r.logger.Info("recorder started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recorder stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx, interval); err != nil {
				r.logger.Error("recorder tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick performs one observation pass. When a lock manager is configured
// and another replica holds the recorder lock, the pass is skipped.
func (r *Recorder) Tick(ctx context.Context, interval time.Duration) error {
	if r.locks != nil {
		release, err := r.locks.Acquire(ctx, recorderLockKey, 2*interval)
		if errors.Is(err, domain.ErrLockHeld) {
			return nil
		}
		if err != nil {
			return err
		}
		defer release()
	}

	proposals, err := r.source.ActiveProposals(ctx)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	for _, p := range proposals {
		if err := r.observe(ctx, p, now); err != nil {
			r.logger.Warn("observation failed",
				slog.String("org_id", p.OrgID),
				slog.Uint64("proposal_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (r *Recorder) observe(ctx context.Context, p domain.Proposal, now time.Time) error {
	if err := r.feed.Poke(p.OrgID, p.ID); err != nil {
		return err
	}

	passSpot, failSpot, err := r.feed.SpotPrices(ctx, p.OrgID, p.ID)
	if err != nil {
		return err
	}
	passTwap, failTwap, err := r.feed.TWAPs(ctx, p.OrgID, p.ID, now)
	if err != nil {
		return err
	}

	if r.twaps != nil {
		if err := r.twaps.SetTwaps(ctx, p.OrgID, p.ID, passTwap, failTwap, now); err != nil {
			r.logger.Warn("twap cache write failed", slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		payload, err := json.Marshal(domain.PriceEvent{
			OrgID:      p.OrgID,
			ProposalID: p.ID,
			PassSpot:   passSpot.String(),
			FailSpot:   failSpot.String(),
			PassTwap:   passTwap.String(),
			FailTwap:   failTwap.String(),
			At:         now,
		})
		if err == nil {
			if err := r.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
				r.logger.Warn("price publish failed", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// Package observer maintains rate-limited price observations and the
// cumulative-price integral behind the TWAP oracle. A fresh sample may move
// the observed price by at most rateBps of its last value per elapsed
// second, which defeats single-interval price pushing.
package observer

import (
	"math/big"
	"time"

	"github.com/quorumlabs/futarchyd/internal/bps"
)

// Observation is the rate-limited price state for one conditional market.
// CumulativePrice only ever increases, by observedPrice*elapsedSeconds at
// each update, always using the price that was in force during the elapsed
// interval. Only the part of the interval at or after recordingStart is
// integrated, so pre-recording price movement never reaches the TWAP.
type Observation struct {
	rateBps         int64
	recordingStart  time.Time
	observedPrice   *big.Int
	cumulativePrice *big.Int
	lastUpdateAt    time.Time
}

// New creates an Observation with the given rate limit. TWAP reads return
// zero until recordingStart has passed.
func New(rateBps int64, recordingStart time.Time) *Observation {
	return &Observation{
		rateBps:         rateBps,
		recordingStart:  recordingStart,
		cumulativePrice: new(big.Int),
	}
}

// ObservedPrice returns the current rate-limited price, or nil before the
// first update.
func (o *Observation) ObservedPrice() *big.Int {
	if o.observedPrice == nil {
		return nil
	}
	return new(big.Int).Set(o.observedPrice)
}

// CumulativePrice returns the running price integral.
func (o *Observation) CumulativePrice() *big.Int {
	return new(big.Int).Set(o.cumulativePrice)
}

// Update folds a fresh spot sample into the observation at time now.
// Samples at or before the last update only seed an empty observation;
// the integral never runs backwards.
func (o *Observation) Update(sample *big.Int, now time.Time) {
	if sample == nil || sample.Sign() < 0 {
		return
	}

	if o.observedPrice == nil {
		o.observedPrice = new(big.Int).Set(sample)
		o.lastUpdateAt = now
		return
	}

	dt := int64(now.Sub(o.lastUpdateAt) / time.Second)
	if dt <= 0 {
		return
	}

	// Accumulate with the price that held during the elapsed interval,
	// clamped to the recording window.
	if recorded := o.recordedSeconds(now); recorded > 0 {
		o.cumulativePrice.Add(o.cumulativePrice,
			new(big.Int).Mul(o.observedPrice, big.NewInt(recorded)))
	}

	// maxDelta = lastObserved * rateBps * dt / 10000
	maxDelta := bps.Apply(new(big.Int).Mul(o.observedPrice, big.NewInt(dt)), o.rateBps)

	next := new(big.Int).Set(sample)
	switch sample.Cmp(o.observedPrice) {
	case 1:
		ceil := new(big.Int).Add(o.observedPrice, maxDelta)
		if next.Cmp(ceil) > 0 {
			next.Set(ceil)
		}
	case -1:
		floor := new(big.Int).Sub(o.observedPrice, maxDelta)
		if floor.Sign() < 0 {
			floor.SetInt64(0)
		}
		if next.Cmp(floor) < 0 {
			next.Set(floor)
		}
	}

	o.observedPrice = next
	o.lastUpdateAt = now
}

// TWAP returns the time-weighted average price over [recordingStart, at].
// It returns zero before recording starts, before any sample arrived, or
// when no time has elapsed since the recording start.
func (o *Observation) TWAP(at time.Time) *big.Int {
	if o.observedPrice == nil || !at.After(o.recordingStart) {
		return new(big.Int)
	}

	elapsed := int64(at.Sub(o.recordingStart) / time.Second)
	if elapsed <= 0 {
		return new(big.Int)
	}

	total := new(big.Int).Set(o.cumulativePrice)
	if tail := o.recordedSeconds(at); tail > 0 {
		total.Add(total, new(big.Int).Mul(o.observedPrice, big.NewInt(tail)))
	}
	return total.Quo(total, big.NewInt(elapsed))
}

// recordedSeconds returns how many whole seconds of [lastUpdateAt, until]
// fall inside the recording window.
func (o *Observation) recordedSeconds(until time.Time) int64 {
	from := o.lastUpdateAt
	if from.Before(o.recordingStart) {
		from = o.recordingStart
	}
	return int64(until.Sub(from) / time.Second)
}

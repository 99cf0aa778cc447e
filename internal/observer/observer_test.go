package observer

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFirstSampleIsTakenVerbatim(t *testing.T) {
	o := New(8, t0)
	o.Update(big.NewInt(1234), t0)
	require.NotNil(t, o.ObservedPrice())
	assert.Equal(t, int64(1234), o.ObservedPrice().Int64())
	assert.Equal(t, int64(0), o.CumulativePrice().Int64())
}

func TestRateLimitCapsUpwardMove(t *testing.T) {
	// 8 bps/sec, lastObserved=1000, dt=10s -> maxDelta = 1000*8*10/10000 = 8.
	o := New(8, t0)
	o.Update(big.NewInt(1000), t0)
	o.Update(big.NewInt(1050), t0.Add(10*time.Second))
	assert.Equal(t, int64(1008), o.ObservedPrice().Int64())
}

func TestRateLimitCapsDownwardMoveAndFloorsAtZero(t *testing.T) {
	o := New(8, t0)
	o.Update(big.NewInt(1000), t0)
	o.Update(big.NewInt(900), t0.Add(10*time.Second))
	assert.Equal(t, int64(992), o.ObservedPrice().Int64())

	// A huge rate limit must still never take the price negative.
	o2 := New(100_000, t0)
	o2.Update(big.NewInt(10), t0)
	o2.Update(big.NewInt(0), t0.Add(100*time.Second))
	assert.Equal(t, int64(0), o2.ObservedPrice().Int64())
}

func TestSampleWithinBoundPassesThrough(t *testing.T) {
	o := New(8, t0)
	o.Update(big.NewInt(1000), t0)
	o.Update(big.NewInt(1005), t0.Add(10*time.Second))
	assert.Equal(t, int64(1005), o.ObservedPrice().Int64())
}

func TestRateLimitProperty(t *testing.T) {
	// For any two consecutive observations the move is bounded by
	// lastObserved*rateBps*dt/10000.
	o := New(25, t0)
	now := t0
	o.Update(big.NewInt(5000), now)
	last := o.ObservedPrice()

	samples := []int64{9000, 100, 5200, 4500, 20000, 1}
	for i, s := range samples {
		dt := time.Duration(1+i*3) * time.Second
		now = now.Add(dt)
		o.Update(big.NewInt(s), now)

		cur := o.ObservedPrice()
		diff := new(big.Int).Abs(new(big.Int).Sub(cur, last))
		bound := new(big.Int).Mul(last, big.NewInt(25*int64(dt/time.Second)))
		bound.Quo(bound, big.NewInt(10_000))
		assert.LessOrEqual(t, diff.Cmp(bound), 0, "sample %d moved past the rate bound", i)
		last = cur
	}
}

func TestCumulativeUsesOldPriceForElapsedInterval(t *testing.T) {
	o := New(10_000, t0) // effectively unlimited
	o.Update(big.NewInt(100), t0)
	o.Update(big.NewInt(200), t0.Add(10*time.Second))
	// The first 10s were priced at 100, not 200.
	assert.Equal(t, int64(1000), o.CumulativePrice().Int64())
}

func TestTWAP(t *testing.T) {
	o := New(10_000, t0)
	assert.Equal(t, int64(0), o.TWAP(t0).Int64(), "zero before any sample")

	o.Update(big.NewInt(100), t0)
	assert.Equal(t, int64(0), o.TWAP(t0).Int64(), "zero when no time elapsed")

	// 10s at 100, then 10s at 300 -> (1000+3000)/20 = 200.
	o.Update(big.NewInt(300), t0.Add(10*time.Second))
	assert.Equal(t, int64(200), o.TWAP(t0.Add(20*time.Second)).Int64())
}

func TestTWAPZeroBeforeRecordingStart(t *testing.T) {
	start := t0.Add(time.Hour)
	o := New(10_000, start)
	o.Update(big.NewInt(500), t0)
	o.Update(big.NewInt(500), t0.Add(30*time.Minute))
	assert.Equal(t, int64(0), o.TWAP(t0.Add(45*time.Minute)).Int64())
	assert.Equal(t, int64(0), o.TWAP(start).Int64())
}

func TestStaleSampleIgnored(t *testing.T) {
	o := New(8, t0)
	o.Update(big.NewInt(1000), t0.Add(10*time.Second))
	o.Update(big.NewInt(2000), t0.Add(10*time.Second))
	assert.Equal(t, int64(1000), o.ObservedPrice().Int64())
}

func TestTWAPExcludesPreRecordingWindow(t *testing.T) {
	start := t0.Add(100 * time.Second)

	// A constant price straddling the recording start must average to
	// exactly that price.
	o := New(10_000, start)
	o.Update(big.NewInt(1000), t0)
	o.Update(big.NewInt(1000), t0.Add(200*time.Second))
	assert.Equal(t, int64(1000), o.TWAP(t0.Add(200*time.Second)).Int64())

	// Price movement before the recording start must not leak into the
	// average either.
	o2 := New(10_000, start)
	o2.Update(big.NewInt(5000), t0)
	o2.Update(big.NewInt(1000), t0.Add(100*time.Second))
	o2.Update(big.NewInt(1000), t0.Add(200*time.Second))
	assert.Equal(t, int64(1000), o2.TWAP(t0.Add(200*time.Second)).Int64())

	// The implied tail after the last update is clamped the same way.
	o3 := New(10_000, start)
	o3.Update(big.NewInt(700), t0)
	assert.Equal(t, int64(700), o3.TWAP(start.Add(50*time.Second)).Int64())
}

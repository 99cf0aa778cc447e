// Package resolution applies the futarchy pass/fail formula to a pair of
// time-weighted average prices.
package resolution

import (
	"math/big"

	"github.com/quorumlabs/futarchyd/internal/bps"
	"github.com/quorumlabs/futarchyd/internal/domain"
)

// Decide compares the pass-market TWAP against the fail-market TWAP
// adjusted by a signed threshold. A positive threshold raises the bar the
// pass market must clear; a negative threshold (team-sponsored proposals)
// lowers it. The comparison is strict: equality fails.
func Decide(passTwap, failTwap *big.Int, thresholdBps int64) domain.Outcome {
	adjusted := bps.Scale(failTwap, thresholdBps)
	if passTwap.Cmp(adjusted) > 0 {
		return domain.OutcomePass
	}
	return domain.OutcomeFail
}

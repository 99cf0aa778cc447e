package resolution

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quorumlabs/futarchyd/internal/domain"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name         string
		passTwap     int64
		failTwap     int64
		thresholdBps int64
		want         domain.Outcome
	}{
		{"clears positive threshold", 104, 100, 300, domain.OutcomePass},
		{"misses positive threshold", 102, 100, 300, domain.OutcomeFail},
		{"equality at positive threshold fails", 103, 100, 300, domain.OutcomeFail},
		{"zero threshold strict", 100, 100, 0, domain.OutcomeFail},
		{"zero threshold pass", 101, 100, 0, domain.OutcomePass},
		// Team proposal, thresholdBps=-300: adjustedFail = 100*9700/10000 = 97.
		// 97 > 97 is false, so exact equality still fails.
		{"team boundary equality fails", 97, 100, -300, domain.OutcomeFail},
		{"team boundary cleared", 98, 100, -300, domain.OutcomePass},
		{"zero fail twap", 1, 0, 300, domain.OutcomePass},
		{"both zero", 0, 0, -300, domain.OutcomeFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(big.NewInt(tt.passTwap), big.NewInt(tt.failTwap), tt.thresholdBps)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		got := Decide(big.NewInt(97), big.NewInt(100), -250)
		assert.Equal(t, domain.OutcomeFail, got)
	}
}

package bps

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"full", 1000, 10000, 1000},
		{"half", 1000, 5000, 500},
		{"truncates", 999, 5000, 499},
		{"zero bps", 1000, 0, 0},
		{"one bp", 10000, 1, 1},
		{"sub-bp truncates to zero", 9999, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(big.NewInt(tt.amount), tt.bps)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestScale(t *testing.T) {
	// 100 quoted at +300 bps -> 103; at -300 bps -> 97.
	assert.Equal(t, int64(103), Scale(big.NewInt(100), 300).Int64())
	assert.Equal(t, int64(97), Scale(big.NewInt(100), -300).Int64())
	assert.Equal(t, int64(100), Scale(big.NewInt(100), 0).Int64())
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	in := big.NewInt(1000)
	_ = Apply(in, 2500)
	assert.Equal(t, int64(1000), in.Int64())
}

func TestClone(t *testing.T) {
	assert.Equal(t, int64(0), Clone(nil).Int64())
	src := big.NewInt(42)
	dup := Clone(src)
	dup.SetInt64(7)
	assert.Equal(t, int64(42), src.Int64())
}

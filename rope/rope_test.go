package rope

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrequenciesAtPositionZero(t *testing.T) {
	table := NewTable(Config{HeadDim: 8, Theta: 10000})

	cos, sin := table.Frequencies(0, false)
	require.Len(t, cos, 4)
	for i := range cos {
		assert.Equal(t, float32(1), cos[i])
		assert.Equal(t, float32(0), sin[i])
	}
}

func TestFrequenciesMatchDirectFormula(t *testing.T) {
	table := NewTable(Config{HeadDim: 4, Theta: 10000})

	cos, sin := table.Frequencies(7, false)
	for i := 0; i < 2; i++ {
		freq := 1 / math32.Pow(10000, float32(2*i)/4)
		angle := 7 * freq
		assert.InDelta(t, math32.Cos(angle), cos[i], 1e-5)
		assert.InDelta(t, math32.Sin(angle), sin[i], 1e-5)
	}
}

func TestPositionIsAbsoluteNotModular(t *testing.T) {
	table := NewTable(Config{HeadDim: 4, Theta: 10000})

	// A sliding-window cache stores position 5 in slot 5 mod 4 = 1; the
	// rotary angle must still come from 5.
	cos5, _ := table.Frequencies(5, false)
	cos1, _ := table.Frequencies(1, false)
	assert.NotEqual(t, cos1[0], cos5[0])
}

func TestLinearScalingDividesFrequencies(t *testing.T) {
	plain := NewTable(Config{HeadDim: 4, Theta: 10000})
	scaled := NewTable(Config{HeadDim: 4, Theta: 10000, Scale: 2, ScalingType: ScalingLinear})

	cosPlain, _ := plain.Frequencies(8, false)
	cosScaled, _ := scaled.Frequencies(16, false)

	// Halved frequencies mean position 16 looks like the unscaled 8.
	for i := range cosPlain {
		assert.InDelta(t, cosPlain[i], cosScaled[i], 1e-5)
	}
}

func TestLocalThetaSelectsSecondTable(t *testing.T) {
	table := NewTable(Config{HeadDim: 4, Theta: 10000, LocalTheta: 500})

	cosGlobal, _ := table.Frequencies(3, false)
	cosLocal, _ := table.Frequencies(3, true)
	assert.NotEqual(t, cosGlobal[1], cosLocal[1])
}

func TestLocalFlagWithoutLocalThetaFallsBack(t *testing.T) {
	table := NewTable(Config{HeadDim: 4, Theta: 10000})

	cosGlobal, _ := table.Frequencies(3, false)
	cosLocal, _ := table.Frequencies(3, true)
	assert.Equal(t, cosGlobal, cosLocal)
}

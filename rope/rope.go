// Package rope computes rotary position embedding frequency tables and
// applies them to query/key tensors. Position is always the token's
// absolute index in its sequence, independent of any modular storage offset
// a KV cache layout uses internally (see kvcache's sliding-window layout).
package rope

import "github.com/chewxy/math32"

// ScalingType selects how ropeTheta is adjusted for context lengths beyond
// a model's original training length.
type ScalingType int

const (
	ScalingNone ScalingType = iota
	ScalingLinear
	ScalingYaRN
)

// Config parameterizes a RoPE frequency table.
type Config struct {
	HeadDim     int
	Theta       float32
	LocalTheta  float32 // 0 disables; used by models with interleaved local/global attention
	Scale       float32
	ScalingType ScalingType
}

// Table holds precomputed inverse frequencies for a RoPE configuration.
// cos/sin for a given absolute position are derived on demand from these
// via Frequencies, so the table's memory is O(headDim) regardless of
// maxSeqLen.
type Table struct {
	cfg           Config
	invFreqs      []float32
	invFreqsLocal []float32
}

// NewTable precomputes the inverse frequency vector for cfg.
func NewTable(cfg Config) *Table {
	t := &Table{cfg: cfg}
	t.invFreqs = invFreq(cfg.HeadDim, cfg.Theta, cfg.Scale, cfg.ScalingType)
	if cfg.LocalTheta != 0 {
		t.invFreqsLocal = invFreq(cfg.HeadDim, cfg.LocalTheta, cfg.Scale, cfg.ScalingType)
	}
	return t
}

func invFreq(headDim int, theta, scale float32, scaling ScalingType) []float32 {
	n := headDim / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		exponent := float32(2*i) / float32(headDim)
		freq := 1 / math32.Pow(theta, exponent)
		if scaling == ScalingLinear && scale != 0 {
			freq /= scale
		}
		out[i] = freq
	}
	return out
}

// Frequencies returns cos/sin vectors of length headDim/2 for the absolute
// position pos. local selects the local-attention theta when the model
// configures one (interleaved local/global layers).
func (t *Table) Frequencies(pos int32, local bool) (cos, sin []float32) {
	freqs := t.invFreqs
	if local && t.invFreqsLocal != nil {
		freqs = t.invFreqsLocal
	}

	cos = make([]float32, len(freqs))
	sin = make([]float32, len(freqs))
	p := float32(pos)
	for i, f := range freqs {
		angle := p * f
		cos[i] = math32.Cos(angle)
		sin[i] = math32.Sin(angle)
	}
	return cos, sin
}

// Package decodering implements preallocated ring buffers for the decode
// loop's per-step token/stop/staging traffic, so a multi-iteration decode
// never touches the buffer pool mid-loop.
package decodering

import (
	"github.com/wgpuinfer/core/errs"
	"github.com/wgpuinfer/core/ml"
)

// StopCheckMode selects how stop conditions are evaluated during a batched
// decode.
type StopCheckMode int

const (
	StopCheckBatch StopCheckMode = iota
	StopCheckPerToken
)

func (m StopCheckMode) String() string {
	if m == StopCheckPerToken {
		return "per-token"
	}
	return "batch"
}

// Config describes the shape a DecodeRing should be provisioned for.
type Config struct {
	BatchSize         int
	TokensPerInterval int
	StopCheckMode     StopCheckMode

	// RingTokens/RingStop/RingStaging override how many slots each buffer
	// family rotates through; zero means "use BatchSize".
	RingTokens  int
	RingStop    int
	RingStaging int
}

func (c Config) normalize() Config {
	out := c
	if out.RingTokens == 0 {
		out.RingTokens = out.BatchSize
	}
	if out.RingStop == 0 {
		out.RingStop = out.BatchSize
	}
	if out.RingStaging == 0 {
		out.RingStaging = out.BatchSize
	}
	return out
}

func (c Config) ringSize() int {
	return max(1, c.RingTokens, c.RingStop, c.RingStaging)
}

// FamilyStats tracks one buffer family's lifetime usage.
type FamilyStats struct {
	Allocated int
	Uses      int
	Reuses    int
}

// Stats is the usage snapshot returned by DecodeRing.Stats.
type Stats struct {
	Acquires int
	Advances int
	Resets   int

	Tokens        FamilyStats
	Stop          FamilyStats
	StagingTokens FamilyStats
	StagingStop   FamilyStats
}

// Slot is what Acquire hands back: the buffers for the current ring index.
type Slot struct {
	Tokens        ml.Buffer
	Stop          ml.Buffer
	StagingTokens ml.Buffer
	StagingStop   ml.Buffer
}

// allocator is the narrow view of ml.Pool a ring needs.
type allocator interface {
	Acquire(size int, usage ml.UsageFlags) (ml.Buffer, error)
	Release(b ml.Buffer)
}

// maxBufferSize bounds a single ring buffer's size; exceeding it fails
// Ensure with LimitExceeded rather than handing the backend an allocation
// it would reject.
const maxBufferSize = 256 << 20

// DecodeRing holds three families of preallocated GPU buffers (token ids,
// stop flags, mapped staging) sized by (batchSize x tokensPerInterval), and
// rotates through them across decode iterations so no per-step pool
// allocation is needed.
type DecodeRing struct {
	pool allocator
	cfg  Config

	tokens        []ml.Buffer
	stop          []ml.Buffer
	stagingTokens []ml.Buffer
	stagingStop   []ml.Buffer

	index int
	stats Stats

	configured bool
}

// New creates an unconfigured ring bound to pool; call Ensure before Acquire.
func New(pool allocator) *DecodeRing {
	return &DecodeRing{pool: pool}
}

// Ensure provisions the ring for cfg, a no-op if the normalized
// configuration already matches. Any previous allocation is released
// before reallocating.
func (r *DecodeRing) Ensure(cfg Config) error {
	norm := cfg.normalize()

	if norm.BatchSize <= 0 || norm.TokensPerInterval <= 0 {
		return errs.New(errs.InvalidConfig, "decode ring batchSize and tokensPerInterval must be positive").
			WithResource("decodering.Config")
	}
	if norm.StopCheckMode != StopCheckBatch && norm.StopCheckMode != StopCheckPerToken {
		return errs.New(errs.InvalidConfig, "unknown stopCheckMode").WithResource("decodering.Config.StopCheckMode")
	}

	if r.configured && norm == r.cfg {
		return nil
	}

	r.Release()

	tokenBufSize := (norm.TokensPerInterval + 1) * 4
	stopBufSize := (norm.TokensPerInterval + 1) * 4
	stagingBufSize := norm.TokensPerInterval * 4

	for _, size := range []int{tokenBufSize, stopBufSize, stagingBufSize} {
		if size > maxBufferSize {
			return errs.Newf(errs.LimitExceeded, "decode ring buffer size %d exceeds device limit", size).
				WithResource("decodering.Config")
		}
	}

	var err error
	if r.tokens, err = r.allocFamily(norm.RingTokens, tokenBufSize, ml.UsageStorage|ml.UsageCopyDst); err != nil {
		return err
	}
	if r.stop, err = r.allocFamily(norm.RingStop, stopBufSize, ml.UsageStorage|ml.UsageCopyDst); err != nil {
		return err
	}
	if r.stagingTokens, err = r.allocFamily(norm.RingStaging, stagingBufSize, ml.UsageMapRead|ml.UsageCopyDst); err != nil {
		return err
	}
	if r.stagingStop, err = r.allocFamily(norm.RingStaging, stagingBufSize, ml.UsageMapRead|ml.UsageCopyDst); err != nil {
		return err
	}

	r.cfg = norm
	r.configured = true
	r.index = 0
	r.stats = Stats{
		Tokens:        FamilyStats{Allocated: len(r.tokens)},
		Stop:          FamilyStats{Allocated: len(r.stop)},
		StagingTokens: FamilyStats{Allocated: len(r.stagingTokens)},
		StagingStop:   FamilyStats{Allocated: len(r.stagingStop)},
	}

	return nil
}

func (r *DecodeRing) allocFamily(count, size int, usage ml.UsageFlags) ([]ml.Buffer, error) {
	bufs := make([]ml.Buffer, count)
	for i := range bufs {
		b, err := r.pool.Acquire(size, usage)
		if err != nil {
			return nil, err
		}
		bufs[i] = b
	}
	return bufs, nil
}

// Acquire returns the slot at the current ring index, or false if the ring
// has not been configured. Usage counters are bumped for every family that
// exists in this configuration.
func (r *DecodeRing) Acquire() (Slot, bool) {
	if !r.configured {
		return Slot{}, false
	}

	r.stats.Acquires++

	bump := func(fs *FamilyStats) {
		fs.Uses++
		if fs.Uses > fs.Allocated {
			fs.Reuses++
		}
	}
	bump(&r.stats.Tokens)
	bump(&r.stats.Stop)
	bump(&r.stats.StagingTokens)
	bump(&r.stats.StagingStop)

	return Slot{
		Tokens:        r.tokens[r.index%len(r.tokens)],
		Stop:          r.stop[r.index%len(r.stop)],
		StagingTokens: r.stagingTokens[r.index%len(r.stagingTokens)],
		StagingStop:   r.stagingStop[r.index%len(r.stagingStop)],
	}, true
}

// Advance moves the ring index to the next slot, modulo the ring's overall
// size (the largest of its family counts).
func (r *DecodeRing) Advance() {
	r.stats.Advances++
	r.index = (r.index + 1) % r.cfg.ringSize()
}

// Reset rewinds the ring index to zero and clears use counters, without
// releasing any buffer.
func (r *DecodeRing) Reset() {
	r.stats.Resets++
	r.index = 0
	r.stats.Tokens.Uses, r.stats.Tokens.Reuses = 0, 0
	r.stats.Stop.Uses, r.stats.Stop.Reuses = 0, 0
	r.stats.StagingTokens.Uses, r.stats.StagingTokens.Reuses = 0, 0
	r.stats.StagingStop.Uses, r.stats.StagingStop.Reuses = 0, 0
}

// Release destroys every buffer the ring owns and clears its state.
func (r *DecodeRing) Release() {
	for _, fam := range [][]ml.Buffer{r.tokens, r.stop, r.stagingTokens, r.stagingStop} {
		for _, b := range fam {
			r.pool.Release(b)
		}
	}
	r.tokens, r.stop, r.stagingTokens, r.stagingStop = nil, nil, nil, nil
	r.configured = false
	r.index = 0
}

// Stats returns a snapshot of ring usage counters.
func (r *DecodeRing) Stats() Stats { return r.stats }

package kvcache

// Snapshot is an in-memory {cache-clone, seqLen, tokens} triple captured by
// a prefill-only run, letting a later generation start as if the
// snapshot's prefix had already been prefilled. The snapshot's tokens are
// not re-embedded by a resuming generation; only their KV is reused.
type Snapshot struct {
	Cache  Cache
	SeqLen int
	Tokens []int32
}

// NewSnapshot captures a snapshot of cache at the given sequence length and
// token list. cache is cloned so the snapshot is independent of any further
// mutation of the live cache.
func NewSnapshot(cache Cache, seqLen int, tokens []int32) Snapshot {
	return Snapshot{
		Cache:  cache.Clone(),
		SeqLen: seqLen,
		Tokens: append([]int32(nil), tokens...),
	}
}

// Apply returns an independent clone of the snapshot's cache, ready to be
// bound as the current cache of a resuming generation.
func (s Snapshot) Apply() Cache {
	return s.Cache.Clone()
}

// Package shard declares the interface the pipeline consumes to fetch
// model weight shards. Hash verification, network transport, and on-disk
// caching are external collaborators; this package defines only the
// contract loadModel calls through.
package shard

import "context"

// Loader fetches a model weight shard by index.
type Loader interface {
	LoadShard(ctx context.Context, index int) ([]byte, error)

	// VerifyHash is opt-in: implementations that don't support hash
	// verification return false for ok.
	VerifyHash(index int, data []byte) (ok bool, valid bool)
}

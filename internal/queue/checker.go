package queue

import (
	"context"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
)

// BackendChecker adapts a set of per-partition-key cache.Backend instances
// to FragmentChecker, so Dequeue and the idle sweep can skip fragments
// that have already been decided without the queue package depending on
// cache's full interface. Decided means any row at all: a successful entry
// makes rebuilding pointless, and a tombstone keeps the queue from
// re-admitting a broken fragment until an operator deletes it.
type BackendChecker struct {
	Backends map[string]cache.Backend
}

func (c BackendChecker) Decided(ctx context.Context, partitionKey string, h fingerprint.Hash) (bool, error) {
	backend, ok := c.Backends[partitionKey]
	if !ok {
		return false, nil
	}

	return backend.Exists(ctx, h)
}
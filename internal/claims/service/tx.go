package service

import (
	"context"
	"sync"
	"time"

	"poe/internal/claims/models"
	"poe/internal/claims/registry"
	"poe/internal/claims/store/staged"
	dErrors "poe/pkg/domain-errors"
)

// ClaimTx provides a transactional boundary for claim store mutations.
// Implementations may wrap a database transaction or, for stores without one,
// a lock plus a staged overlay. fn receives the context to use for every call
// made inside the transaction.
type ClaimTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store registry.Store) error) error
}

// StagingStore is a claim store that can apply a staged batch atomically.
type StagingStore interface {
	staged.Reader
	Apply(ctx context.Context, changes []staged.Change) error
}

// numClaimShards spreads writers across mutexes keyed by claim. Every
// operation touches exactly one claim, so per-claim serialization is
// equivalent to a single global writer.
const numClaimShards = 128

// defaultClaimTxTimeout is the maximum duration for a claim transaction.
const defaultClaimTxTimeout = 5 * time.Second

// ShardedTx serializes writers per claim shard and applies their staged writes
// only when fn succeeds.
type ShardedTx struct {
	shards  [numClaimShards]sync.Mutex
	store   StagingStore
	timeout time.Duration
}

// NewShardedTx wraps a staging store. A zero timeout uses the default.
func NewShardedTx(store StagingStore, timeout time.Duration) *ShardedTx {
	return &ShardedTx{store: store, timeout: timeout}
}

func (t *ShardedTx) RunInTx(ctx context.Context, fn func(ctx context.Context, store registry.Store) error) error {
	// Check if context is already cancelled
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultClaimTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := t.selectShard(ctx)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	// Check again after acquiring lock
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	overlay := staged.New(t.store)
	if err := fn(ctx, overlay); err != nil {
		return err
	}
	return t.store.Apply(ctx, overlay.Changes())
}

// selectShard picks a shard based on the claim in context, or defaults to shard 0.
func (t *ShardedTx) selectShard(ctx context.Context) int {
	if claim, ok := ctx.Value(txClaimKeyCtx).(string); ok {
		return int(hashClaimKey(claim) % numClaimShards)
	}
	return 0
}

// hashClaimKey uses FNV-1a over the raw claim bytes.
func hashClaimKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}

type txClaimKey struct{}

var txClaimKeyCtx = txClaimKey{}

// WithClaimKey records the claim an operation will touch so transaction
// implementations can pick a lock shard.
func WithClaimKey(ctx context.Context, claim models.Claim) context.Context {
	return context.WithValue(ctx, txClaimKeyCtx, claim.Key())
}

package repo

import (
	"context"
	"time"
)

// IdempotencyLayer names one of the three independent dedup layers.
type IdempotencyLayer string

// Idempotency layers with their default TTLs: api 300s, turn 60s,
// tool 24h.
const (
	LayerAPI  IdempotencyLayer = "api"
	LayerTurn IdempotencyLayer = "turn"
	LayerTool IdempotencyLayer = "tool"
)

// IdempotencyState is the lifecycle of one idempotency entry.
type IdempotencyState string

// Idempotency states. New → Processing is atomic set-if-absent with
// expiry; Processing → Complete overwrites.
const (
	IdempotencyNew        IdempotencyState = "new"
	IdempotencyProcessing IdempotencyState = "processing"
	IdempotencyComplete   IdempotencyState = "complete"
)

// IdempotencyEntry is the stored state for a (layer, key) pair.
type IdempotencyEntry struct {
	Layer     IdempotencyLayer
	Key       string
	State     IdempotencyState
	Result    []byte
	ExpiresAt time.Time
}

// IdempotencyCache deduplicates work across the three layers. On
// Processing, callers back off and retry; on Complete, the cached result
// is returned immediately.
type IdempotencyCache interface {
	// Check returns the current entry. Missing or expired keys report
	// state New.
	Check(ctx context.Context, layer IdempotencyLayer, key string) (*IdempotencyEntry, error)
	// MarkProcessing transitions New → Processing atomically. It returns
	// false when another caller holds the key (Processing) or the work is
	// already Complete.
	MarkProcessing(ctx context.Context, layer IdempotencyLayer, key string, ttl time.Duration) (bool, error)
	// MarkComplete stores the result, overwriting Processing.
	MarkComplete(ctx context.Context, layer IdempotencyLayer, key string, result []byte, ttl time.Duration) error
	// Release drops a Processing claim without completing (failure path),
	// so a retry can run the work again.
	Release(ctx context.Context, layer IdempotencyLayer, key string) error
}

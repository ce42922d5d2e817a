package memrepo

import (
	"context"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/repo"
)

type idemEntry struct {
	state     repo.IdempotencyState
	result    []byte
	expiresAt time.Time
}

// IdemCache is the in-process IdempotencyCache. It backs all three layers
// with a single map keyed by layer and key; transitions are atomic under
// its own mutex so it can be shared without the store.
type IdemCache struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	now     func() time.Time
}

// NewIdemCache creates an empty idempotency cache.
func NewIdemCache() *IdemCache {
	return &IdemCache{entries: map[string]idemEntry{}, now: time.Now}
}

var _ repo.IdempotencyCache = (*IdemCache)(nil)

func idemKey(layer repo.IdempotencyLayer, key string) string {
	return string(layer) + "/" + key
}

func (c *IdemCache) Check(_ context.Context, layer repo.IdempotencyLayer, key string) (*repo.IdempotencyEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := idemKey(layer, key)
	e, ok := c.entries[k]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, k)
		return &repo.IdempotencyEntry{Layer: layer, Key: key, State: repo.IdempotencyNew}, nil
	}
	return &repo.IdempotencyEntry{
		Layer:     layer,
		Key:       key,
		State:     e.state,
		Result:    append([]byte(nil), e.result...),
		ExpiresAt: e.expiresAt,
	}, nil
}

func (c *IdemCache) MarkProcessing(_ context.Context, layer repo.IdempotencyLayer, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := idemKey(layer, key)
	if e, ok := c.entries[k]; ok && c.now().Before(e.expiresAt) {
		return false, nil
	}
	c.entries[k] = idemEntry{state: repo.IdempotencyProcessing, expiresAt: c.now().Add(ttl)}
	return true, nil
}

func (c *IdemCache) MarkComplete(_ context.Context, layer repo.IdempotencyLayer, key string, result []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idemKey(layer, key)] = idemEntry{
		state:     repo.IdempotencyComplete,
		result:    append([]byte(nil), result...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *IdemCache) Release(_ context.Context, layer repo.IdempotencyLayer, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := idemKey(layer, key)
	if e, ok := c.entries[k]; ok && e.state == repo.IdempotencyProcessing {
		delete(c.entries, k)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// IdemCache implements the idempotency cache on Postgres. The
// new-to-processing transition is a single conditional upsert, so two
// instances racing on the same key resolve without advisory locks.
type IdemCache struct {
	c *Client
}

// NewIdemCache builds the cache over a shared client.
func NewIdemCache(c *Client) *IdemCache {
	return &IdemCache{c: c}
}

var _ repo.IdempotencyCache = (*IdemCache)(nil)

func (r *IdemCache) Check(ctx context.Context, layer repo.IdempotencyLayer, key string) (*repo.IdempotencyEntry, error) {
	entry := &repo.IdempotencyEntry{Layer: layer, Key: key, State: repo.IdempotencyNew}
	row := r.c.pool.QueryRow(ctx,
		`SELECT state, result, expires_at FROM idempotency
		 WHERE layer = $1 AND key = $2 AND expires_at > now()`,
		layer, key)
	err := row.Scan(&entry.State, &entry.Result, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: checking idempotency key: %v", serviceerr.ErrConnection, err)
	}
	return entry, nil
}

func (r *IdemCache) MarkProcessing(ctx context.Context, layer repo.IdempotencyLayer, key string, ttl time.Duration) (bool, error) {
	tag, err := r.c.pool.Exec(ctx,
		`INSERT INTO idempotency (layer, key, state, result, expires_at)
		 VALUES ($1, $2, $3, NULL, now() + $4)
		 ON CONFLICT (layer, key) DO UPDATE
		 SET state = EXCLUDED.state, result = NULL, expires_at = EXCLUDED.expires_at
		 WHERE idempotency.expires_at <= now()`,
		layer, key, repo.IdempotencyProcessing, ttl)
	if err != nil {
		return false, fmt.Errorf("%w: claiming idempotency key: %v", serviceerr.ErrConnection, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *IdemCache) MarkComplete(ctx context.Context, layer repo.IdempotencyLayer, key string, result []byte, ttl time.Duration) error {
	_, err := r.c.pool.Exec(ctx,
		`INSERT INTO idempotency (layer, key, state, result, expires_at)
		 VALUES ($1, $2, $3, $4, now() + $5)
		 ON CONFLICT (layer, key) DO UPDATE
		 SET state = EXCLUDED.state, result = EXCLUDED.result, expires_at = EXCLUDED.expires_at`,
		layer, key, repo.IdempotencyComplete, result, ttl)
	if err != nil {
		return fmt.Errorf("%w: completing idempotency key: %v", serviceerr.ErrConnection, err)
	}
	return nil
}

func (r *IdemCache) Release(ctx context.Context, layer repo.IdempotencyLayer, key string) error {
	_, err := r.c.pool.Exec(ctx,
		`DELETE FROM idempotency WHERE layer = $1 AND key = $2 AND state = $3`,
		layer, key, repo.IdempotencyProcessing)
	if err != nil {
		return fmt.Errorf("%w: releasing idempotency key: %v", serviceerr.ErrConnection, err)
	}
	return nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// SessionRepo implements repo.SessionRepository on Postgres. The full
// session travels as a JSONB document; identity and status columns exist
// only for indexing.
type SessionRepo struct {
	c *Client
}

// NewSessionRepo builds the repository over a shared client.
func NewSessionRepo(c *Client) *SessionRepo {
	return &SessionRepo{c: c}
}

var _ repo.SessionRepository = (*SessionRepo)(nil)

func (r *SessionRepo) Get(ctx context.Context, t repo.Tenant, id string) (*models.Session, error) {
	row := r.c.pool.QueryRow(ctx,
		`SELECT doc FROM sessions WHERE tenant_id = $1 AND agent_id = $2 AND id = $3`,
		t.TenantID, t.AgentID, id)
	return scanSession(row)
}

func (r *SessionRepo) GetByChannelUser(ctx context.Context, t repo.Tenant, channel, channelUserID string) (*models.Session, error) {
	row := r.c.pool.QueryRow(ctx,
		`SELECT doc FROM sessions
		 WHERE tenant_id = $1 AND agent_id = $2 AND channel = $3 AND channel_user_id = $4
		   AND status <> $5 AND deleted_at IS NULL
		 ORDER BY created_at DESC
		 LIMIT 1`,
		t.TenantID, t.AgentID, channel, channelUserID, models.SessionClosed)
	return scanSession(row)
}

func (r *SessionRepo) Save(ctx context.Context, t repo.Tenant, s *models.Session) error {
	if s.ID == "" {
		return serviceerr.NewValidationError("id", "required")
	}
	s.TenantID, s.AgentID = t.TenantID, t.AgentID
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = r.c.pool.Exec(ctx,
		`INSERT INTO sessions (tenant_id, agent_id, id, channel, channel_user_id, status, doc, created_at, updated_at, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tenant_id, agent_id, id) DO UPDATE
		 SET channel = EXCLUDED.channel,
		     channel_user_id = EXCLUDED.channel_user_id,
		     status = EXCLUDED.status,
		     doc = EXCLUDED.doc,
		     updated_at = EXCLUDED.updated_at,
		     deleted_at = EXCLUDED.deleted_at`,
		t.TenantID, t.AgentID, s.ID, s.Channel, s.ChannelUserID, s.Status, doc,
		s.CreatedAt, s.UpdatedAt, s.DeletedAt)
	if err != nil {
		return fmt.Errorf("%w: saving session %s: %v", serviceerr.ErrConnection, s.ID, err)
	}
	return nil
}

func (r *SessionRepo) List(ctx context.Context, t repo.Tenant, q repo.SessionQuery) ([]*models.Session, error) {
	query := `SELECT doc FROM sessions WHERE tenant_id = $1 AND agent_id = $2`
	args := []any{t.TenantID, t.AgentID}
	if q.Status != "" {
		args = append(args, q.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing sessions: %v", serviceerr.ErrConnection, err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		var s models.Session
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("decoding session: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, serviceerr.ErrNotFound
		}
		return nil, fmt.Errorf("%w: loading session: %v", serviceerr.ErrConnection, err)
	}
	var s models.Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

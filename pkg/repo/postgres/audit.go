package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// AuditRepo implements the append-only audit repository. Inserts never
// update: a duplicate id is a conflict, and nothing here issues UPDATE or
// DELETE.
type AuditRepo struct {
	c *Client
}

// NewAuditRepo builds the repository over a shared client.
func NewAuditRepo(c *Client) *AuditRepo {
	return &AuditRepo{c: c}
}

var _ repo.AuditRepository = (*AuditRepo)(nil)

func (r *AuditRepo) SaveTurnRecord(ctx context.Context, t repo.Tenant, rec *models.TurnRecord) error {
	rec.TenantID, rec.AgentID = t.TenantID, t.AgentID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding turn record: %w", err)
	}
	tag, err := r.c.pool.Exec(ctx,
		`INSERT INTO turn_records (tenant_id, agent_id, id, session_id, turn_number, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, agent_id, id) DO NOTHING`,
		t.TenantID, t.AgentID, rec.ID, rec.SessionID, rec.TurnNumber, doc, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: saving turn record %s: %v", serviceerr.ErrConnection, rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: turn record %s already exists", serviceerr.ErrConflict, rec.ID)
	}
	return nil
}

func (r *AuditRepo) SaveAuditEvent(ctx context.Context, t repo.Tenant, ev *models.AuditEvent) error {
	ev.TenantID, ev.AgentID = t.TenantID, t.AgentID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	tag, err := r.c.pool.Exec(ctx,
		`INSERT INTO audit_events (tenant_id, agent_id, id, session_id, kind, doc, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, agent_id, id) DO NOTHING`,
		t.TenantID, t.AgentID, ev.ID, ev.SessionID, ev.Kind, doc, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: saving audit event %s: %v", serviceerr.ErrConnection, ev.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: audit event %s already exists", serviceerr.ErrConflict, ev.ID)
	}
	return nil
}

func (r *AuditRepo) ListTurnRecords(ctx context.Context, t repo.Tenant, sessionID string, from, to time.Time) ([]*models.TurnRecord, error) {
	rows, err := r.c.pool.Query(ctx,
		`SELECT doc FROM turn_records
		 WHERE tenant_id = $1 AND agent_id = $2 AND session_id = $3
		   AND created_at >= $4 AND created_at <= $5
		 ORDER BY turn_number, created_at`,
		t.TenantID, t.AgentID, sessionID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: listing turn records: %v", serviceerr.ErrConnection, err)
	}
	defer rows.Close()

	var out []*models.TurnRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning turn record: %w", err)
		}
		var rec models.TurnRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decoding turn record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *AuditRepo) ListAuditEvents(ctx context.Context, t repo.Tenant, from, to time.Time) ([]*models.AuditEvent, error) {
	rows, err := r.c.pool.Query(ctx,
		`SELECT doc FROM audit_events
		 WHERE tenant_id = $1 AND agent_id = $2 AND created_at >= $3 AND created_at <= $4
		 ORDER BY created_at, id`,
		t.TenantID, t.AgentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: listing audit events: %v", serviceerr.ErrConnection, err)
	}
	defer rows.Close()

	var out []*models.AuditEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		var ev models.AuditEvent
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, fmt.Errorf("decoding audit event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

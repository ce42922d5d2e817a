// Package cleanup runs the background retention loop: field expiry and
// session retention.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultRetention = 90 // days
)

// Service periodically expires profile field values past their TTL,
// soft-deletes closed sessions past the retention window, and orphans
// field values whose source turns belong to deleted sessions.
type Service struct {
	interval  time.Duration
	retention time.Duration
	profiles  repo.InterlocutorRepository
	sessions  repo.SessionRepository
	audit     repo.AuditRepository
	logger    *slog.Logger

	mu      sync.Mutex
	tenants map[repo.Tenant]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService builds the cleanup loop from the runtime configuration.
// audit may be nil; orphan detection is skipped without it.
func NewService(cfg *config.RuntimeConfig, profiles repo.InterlocutorRepository, sessions repo.SessionRepository, audit repo.AuditRepository, logger *slog.Logger) *Service {
	interval, retentionDays := defaultInterval, defaultRetention
	if cfg != nil {
		if cfg.CleanupInterval > 0 {
			interval = cfg.CleanupInterval
		}
		if cfg.SessionRetentionDays > 0 {
			retentionDays = cfg.SessionRetentionDays
		}
	}
	return &Service{
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		profiles:  profiles,
		sessions:  sessions,
		audit:     audit,
		logger:    logger.With("component", "cleanup"),
		tenants:   map[repo.Tenant]bool{},
	}
}

// Track registers a tenant for cleanup sweeps. Called on every processed
// turn; duplicates are cheap.
func (s *Service) Track(t repo.Tenant) {
	s.mu.Lock()
	s.tenants[t] = true
	s.mu.Unlock()
}

// Start launches the loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("Cleanup loop started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for an in-flight sweep.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Cleanup loop stopped")
}

// RunOnce performs one sweep over every tracked tenant.
func (s *Service) RunOnce(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	tenants := make([]repo.Tenant, 0, len(s.tenants))
	for t := range s.tenants {
		tenants = append(tenants, t)
	}
	s.mu.Unlock()

	for _, t := range tenants {
		expired, err := s.profiles.ExpireFields(ctx, t, now)
		if err != nil {
			s.logger.Error("Field expiry sweep failed", "tenant_id", t.TenantID, "error", err)
		} else if expired > 0 {
			s.logger.Info("Expired profile fields", "tenant_id", t.TenantID, "count", expired)
		}
		s.sweepSessions(ctx, t, now)
	}
}

// sweepSessions soft-deletes closed sessions whose last update is older
// than the retention window. Soft deletion preserves the audit trail; the
// turn records stay immutable.
func (s *Service) sweepSessions(ctx context.Context, t repo.Tenant, now time.Time) {
	closed, err := s.sessions.List(ctx, t, repo.SessionQuery{Status: models.SessionClosed})
	if err != nil {
		s.logger.Error("Session retention sweep failed", "tenant_id", t.TenantID, "error", err)
		return
	}
	cutoff := now.Add(-s.retention)
	var deleted []string
	for _, sess := range closed {
		if sess.DeletedAt != nil || sess.UpdatedAt.After(cutoff) {
			continue
		}
		at := now
		sess.DeletedAt = &at
		if err := s.sessions.Save(ctx, t, sess); err != nil {
			s.logger.Error("Failed to soft-delete session", "session_id", sess.ID, "error", err)
			continue
		}
		deleted = append(deleted, sess.ID)
	}
	if len(deleted) > 0 {
		s.logger.Info("Soft-deleted expired sessions", "tenant_id", t.TenantID, "count", len(deleted))
		s.orphanFields(ctx, t, deleted)
	}
}

// orphanFields marks profile field values whose source turns belong to the
// freshly deleted sessions. The turn records themselves stay immutable.
func (s *Service) orphanFields(ctx context.Context, t repo.Tenant, sessionIDs []string) {
	if s.audit == nil {
		return
	}
	var turnIDs []string
	for _, id := range sessionIDs {
		records, err := s.audit.ListTurnRecords(ctx, t, id, time.Time{}, time.Time{})
		if err != nil {
			s.logger.Error("Failed to list turn records for orphan sweep", "session_id", id, "error", err)
			continue
		}
		for _, rec := range records {
			turnIDs = append(turnIDs, rec.ID)
		}
	}
	if len(turnIDs) == 0 {
		return
	}
	orphaned, err := s.profiles.OrphanFields(ctx, t, turnIDs)
	if err != nil {
		s.logger.Error("Orphan field sweep failed", "tenant_id", t.TenantID, "error", err)
		return
	}
	if orphaned > 0 {
		s.logger.Info("Orphaned profile fields", "tenant_id", t.TenantID, "count", orphaned)
	}
}

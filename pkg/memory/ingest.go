package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
)

const (
	taskRetries  = 3
	taskBackoff  = 2 * time.Second
	embedBudget  = 500 * time.Millisecond
	taskDeadline = 30 * time.Second
)

type taskKind string

const (
	taskExtract   taskKind = "extract"
	taskSummarize taskKind = "summarize"
)

type task struct {
	kind      taskKind
	tenant    repo.Tenant
	groupID   string
	sessionID string
	episodeID string
	content   string
	turnCount int
}

// Service owns per-turn episode ingestion and the background worker pool
// for extraction and summarization.
type Service struct {
	cfg        config.ExtractionConfig
	memory     repo.MemoryRepository
	vectors    repo.VectorRepository
	embedder   llm.Embedder
	extractor  *Extractor
	dedup      *Deduplicator
	summarizer *Summarizer
	publisher  events.Publisher
	metrics    *observability.Metrics
	logger     *slog.Logger

	tasks  chan task
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewService wires the ingestion service. generator may be nil, which
// disables extraction and summarization but keeps episode storage.
func NewService(
	cfg config.ExtractionConfig,
	sumCfg config.SummarizationConfig,
	runtimeCfg config.RuntimeConfig,
	memory repo.MemoryRepository,
	vectors repo.VectorRepository,
	embedder llm.Embedder,
	generator llm.Generator,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Service {
	logger = logger.With("component", "memory")
	queueSize := runtimeCfg.IngestionQueueSize
	if queueSize == 0 {
		queueSize = 256
	}
	s := &Service{
		cfg:        cfg,
		memory:     memory,
		vectors:    vectors,
		embedder:   embedder,
		dedup:      NewDeduplicator(cfg, memory, embedder),
		summarizer: NewSummarizer(sumCfg, memory, generator, logger),
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		tasks:      make(chan task, queueSize),
	}
	if generator != nil {
		s.extractor = NewExtractor(generator)
	}
	return s
}

// Start launches the worker pool.
func (s *Service) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		workerID := i
		s.group.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	s.logger.Info("Ingestion workers started", "workers", workers)
}

// Stop drains the queue and waits for in-flight tasks.
func (s *Service) Stop() {
	close(s.tasks)
	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Ingestion workers stopped")
}

// IngestTurn stores the turn episode synchronously and enqueues the async
// extraction and summarization tasks. It is the tail of every turn and
// must not fail the turn: errors are returned for logging only.
func (s *Service) IngestTurn(ctx context.Context, t repo.Tenant, session *models.Session, userMessage, agentResponse string) (*models.Episode, error) {
	groupID := models.GroupID(t.TenantID, session.ID)
	content := fmt.Sprintf("User: %s\nAgent: %s", userMessage, agentResponse)

	embedding := s.embed(ctx, content)
	now := time.Now()
	episode := &models.Episode{
		ID:          uuid.NewString(),
		TenantID:    t.TenantID,
		AgentID:     t.AgentID,
		GroupID:     groupID,
		Content:     content,
		ContentType: models.ContentMessage,
		Source:      models.EpisodeFromUser,
		OccurredAt:  now,
		RecordedAt:  now,
		Embedding:   embedding,
	}
	if err := s.memory.SaveEpisode(ctx, groupID, episode); err != nil {
		return nil, fmt.Errorf("saving episode: %w", err)
	}
	if len(embedding) > 0 {
		if err := s.vectors.Upsert(ctx, []repo.VectorDoc{{
			EntityType: "episode",
			EntityID:   episode.ID,
			TenantID:   t.TenantID,
			AgentID:    t.AgentID,
			Content:    content,
			Embedding:  embedding,
			Metadata:   map[string]string{"group_id": groupID, "content_type": string(models.ContentMessage)},
		}}); err != nil {
			s.logger.Warn("Vector upsert failed", "episode_id", episode.ID, "error", err)
		}
	}
	s.publisher.Publish(events.Event{
		Kind:      events.KindIngestionEpisode,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
		Payload:   map[string]any{"episode_id": episode.ID},
	})

	s.enqueue(task{kind: taskExtract, tenant: t, groupID: groupID, sessionID: session.ID, episodeID: episode.ID, content: content})
	s.enqueue(task{kind: taskSummarize, tenant: t, groupID: groupID, sessionID: session.ID, turnCount: session.TurnCount})
	return episode, nil
}

func (s *Service) enqueue(tk task) {
	select {
	case s.tasks <- tk:
	default:
		// The turn path never blocks on ingestion.
		s.logger.Warn("Ingestion queue full, dropping task", "kind", tk.kind, "session_id", tk.sessionID)
		s.metrics.IngestionTasks.WithLabelValues(string(tk.kind), "dropped").Inc()
	}
}

func (s *Service) embed(ctx context.Context, content string) []float32 {
	if s.embedder == nil {
		return nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, embedBudget)
	defer cancel()
	vec, err := s.embedder.Embed(embedCtx, content)
	if err != nil {
		s.logger.Warn("Embedding failed", "error", err)
		return nil
	}
	return vec
}

func (s *Service) worker(ctx context.Context, id int) {
	log := s.logger.With("worker_id", id)
	for tk := range s.tasks {
		var err error
		for attempt := 0; attempt <= taskRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(taskBackoff * time.Duration(attempt)):
				case <-ctx.Done():
					return
				}
			}
			taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), taskDeadline)
			err = s.run(taskCtx, tk)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			log.Error("Ingestion task failed", "kind", tk.kind, "session_id", tk.sessionID, "error", err)
			s.metrics.IngestionTasks.WithLabelValues(string(tk.kind), "failed").Inc()
			s.publisher.Publish(events.Event{
				Kind:      events.KindIngestionFailed,
				TenantID:  tk.tenant.TenantID,
				AgentID:   tk.tenant.AgentID,
				SessionID: tk.sessionID,
				Payload:   map[string]any{"kind": string(tk.kind), "error": err.Error()},
			})
			continue
		}
		s.metrics.IngestionTasks.WithLabelValues(string(tk.kind), "ok").Inc()
	}
}

func (s *Service) run(ctx context.Context, tk task) error {
	switch tk.kind {
	case taskExtract:
		return s.runExtract(ctx, tk)
	case taskSummarize:
		if s.summarizer.generator == nil {
			return nil
		}
		return s.summarizer.Check(ctx, tk.tenant, tk.groupID, tk.turnCount)
	}
	return nil
}

func (s *Service) runExtract(ctx context.Context, tk task) error {
	if s.extractor == nil {
		return nil
	}
	minConf := s.cfg.MinConfidence
	extraction, err := s.extractor.Extract(ctx, tk.content, minConf)
	if err != nil {
		return err
	}
	if len(extraction.Entities) == 0 {
		return nil
	}

	now := time.Now()
	byName := map[string]*models.Entity{}
	var entityIDs []string
	for _, ex := range extraction.Entities {
		embedding := s.embed(ctx, ex.Name)
		existing, err := s.dedup.Find(ctx, tk.groupID, ex, embedding)
		if err != nil {
			return err
		}
		var entity *models.Entity
		if existing != nil {
			entity = Merge(existing, ex)
		} else {
			entity = &models.Entity{
				ID:         uuid.NewString(),
				TenantID:   tk.tenant.TenantID,
				AgentID:    tk.tenant.AgentID,
				GroupID:    tk.groupID,
				Name:       ex.Name,
				Type:       ex.Type,
				Attributes: ex.Attributes,
				Confidence: ex.Confidence,
				Embedding:  embedding,
				ValidFrom:  now,
			}
		}
		if err := s.memory.SaveEntity(ctx, tk.groupID, entity); err != nil {
			return fmt.Errorf("saving entity %q: %w", ex.Name, err)
		}
		byName[ex.Name] = entity
		entityIDs = append(entityIDs, entity.ID)
	}

	for _, rel := range extraction.Relationships {
		from, to := byName[rel.FromName], byName[rel.ToName]
		if from == nil || to == nil {
			continue
		}
		if err := s.rewriteRelationship(ctx, tk, from, to, rel, now); err != nil {
			return err
		}
	}

	// Link the episode to its entities.
	if episode, err := s.memory.GetEpisode(ctx, tk.groupID, tk.episodeID); err == nil {
		episode.EntityIDs = entityIDs
		if err := s.memory.SaveEpisode(ctx, tk.groupID, episode); err != nil {
			s.logger.Warn("Failed to link episode entities", "episode_id", tk.episodeID, "error", err)
		}
	}

	s.publisher.Publish(events.Event{
		Kind:      events.KindIngestionEntities,
		TenantID:  tk.tenant.TenantID,
		AgentID:   tk.tenant.AgentID,
		SessionID: tk.sessionID,
		Payload:   map[string]any{"entity_count": len(entityIDs)},
	})
	return nil
}

// rewriteRelationship applies the bi-temporal rewrite: active rows of the
// same (from, relation_type) are closed at now, then one open row is
// inserted.
func (s *Service) rewriteRelationship(ctx context.Context, tk task, from, to *models.Entity, rel ExtractedRelationship, now time.Time) error {
	active, err := s.memory.ActiveRelationships(ctx, tk.groupID, from.ID, rel.RelationType)
	if err != nil {
		return fmt.Errorf("listing active relationships: %w", err)
	}
	for _, old := range active {
		closedAt := now
		old.ValidTo = &closedAt
		if err := s.memory.SaveRelationship(ctx, tk.groupID, old); err != nil {
			return fmt.Errorf("closing relationship %s: %w", old.ID, err)
		}
	}
	return s.memory.SaveRelationship(ctx, tk.groupID, &models.Relationship{
		ID:           uuid.NewString(),
		TenantID:     tk.tenant.TenantID,
		AgentID:      tk.tenant.AgentID,
		GroupID:      tk.groupID,
		FromEntityID: from.ID,
		ToEntityID:   to.ID,
		RelationType: rel.RelationType,
		Attributes:   rel.Attributes,
		Confidence:   rel.Confidence,
		ValidFrom:    now,
	})
}

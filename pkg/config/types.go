// Package config loads and validates the parley.yaml configuration:
// pipeline settings, retrieval weights, enforcement, memory ingestion,
// channel policies, and infrastructure (database, vector store, providers).
package config

import "time"

// Config is the complete parley.yaml file structure.
type Config struct {
	Pipeline *PipelineConfig           `yaml:"pipeline"`
	Runtime  *RuntimeConfig            `yaml:"runtime"`
	Database *DatabaseConfig           `yaml:"database"`
	Vector   *VectorConfig             `yaml:"vector"`
	LLM      *LLMConfig                `yaml:"llm"`
	Channels map[string]ChannelPolicy  `yaml:"channels"`
}

// PipelineConfig controls the twelve-phase turn pipeline.
type PipelineConfig struct {
	// Phases toggles individual optional phases by name. Phases absent
	// from the map are enabled. Context load, persistence, and audit
	// cannot be disabled.
	Phases map[string]bool `yaml:"phases,omitempty"`

	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Enforcement   EnforcementConfig   `yaml:"enforcement"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Summarization SummarizationConfig `yaml:"summarization"`
	Budgets       BudgetConfig        `yaml:"budgets"`
}

// RetrievalConfig holds hybrid-scoring weights and limits for rule
// retrieval.
type RetrievalConfig struct {
	// VectorWeight and BM25Weight combine as
	// final = vector_weight*cosine + bm25_weight*bm25.
	VectorWeight float64 `yaml:"vector_weight"`
	BM25Weight   float64 `yaml:"bm25_weight"`
	// MaxCandidates caps the first-pass candidate set.
	MaxCandidates int `yaml:"max_candidates"`
	// MinFinalScore drops candidates below this hybrid score.
	MinFinalScore float64 `yaml:"min_final_score"`
}

// EnforcementConfig controls the two-lane response enforcer.
type EnforcementConfig struct {
	MaxRetries          int      `yaml:"max_retries"`
	JudgeModels         []string `yaml:"llm_judge_models,omitempty"`
	AlwaysEnforceGlobal *bool    `yaml:"always_enforce_global,omitempty"`
}

// AlwaysGlobal resolves the always_enforce_global flag (default true).
func (c EnforcementConfig) AlwaysGlobal() bool {
	return c.AlwaysEnforceGlobal == nil || *c.AlwaysEnforceGlobal
}

// ExtractionConfig controls async entity extraction and deduplication.
type ExtractionConfig struct {
	MinConfidence      float64 `yaml:"min_confidence"`
	FuzzyThreshold     float64 `yaml:"fuzzy_threshold"`
	EmbeddingThreshold float64 `yaml:"embedding_threshold"`
}

// SummarizationConfig controls hierarchical summarization.
type SummarizationConfig struct {
	TurnsPerSummary    int `yaml:"turns_per_summary"`
	SummariesPerMeta   int `yaml:"summaries_per_meta"`
	EnabledAtTurnCount int `yaml:"enabled_at_turn_count"`
}

// BudgetConfig holds per-phase soft budgets and the turn deadline.
// Exceeding a soft budget degrades the phase; exceeding the turn deadline
// fails the turn.
type BudgetConfig struct {
	TurnDeadline  time.Duration `yaml:"turn_deadline"`
	Embedding     time.Duration `yaml:"embedding"`
	LLMJudge      time.Duration `yaml:"llm_judge"`
	LLMGeneration time.Duration `yaml:"llm_generation"`
	VectorSearch  time.Duration `yaml:"vector_search"`
	Tool          time.Duration `yaml:"tool"`
}

// RuntimeConfig controls workers, idempotency, and background ingestion.
type RuntimeConfig struct {
	// IngestionWorkers is the size of the background memory worker pool.
	IngestionWorkers int `yaml:"ingestion_workers"`
	// IngestionQueueSize bounds the pending ingestion task queue.
	IngestionQueueSize int `yaml:"ingestion_queue_size"`
	// ToolRetryCount is the per-tool retry budget during a turn.
	ToolRetryCount int `yaml:"tool_retry_count"`
	// ToolRetryBackoff is the base backoff between tool retries.
	ToolRetryBackoff time.Duration `yaml:"tool_retry_backoff"`

	// Idempotency TTLs for the three layers.
	APIIdempotencyTTL  time.Duration `yaml:"api_idempotency_ttl"`
	TurnIdempotencyTTL time.Duration `yaml:"turn_idempotency_ttl"`
	ToolIdempotencyTTL time.Duration `yaml:"tool_idempotency_ttl"`

	// Retention / cleanup loop.
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
	SessionRetentionDays int           `yaml:"session_retention_days"`
}

// DatabaseConfig configures the optional Postgres-backed repositories.
// When Host is empty, the in-memory reference repositories are used.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// VectorConfig selects the vector store backend.
type VectorConfig struct {
	// Backend is "chromem" (embedded, default) or "qdrant".
	Backend string `yaml:"backend"`
	// Path is the persistence directory for the embedded backend
	// (empty = in-memory).
	Path string `yaml:"path,omitempty"`
	// Host/Port/APIKey configure the qdrant backend.
	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
}

// LLMConfig configures generation and embedding providers.
type LLMConfig struct {
	Generation ProviderConfig `yaml:"generation"`
	Embedding  ProviderConfig `yaml:"embedding"`
	// EmbeddingFallback, when set, is tried after the primary embedding
	// provider times out or fails.
	EmbeddingFallback *ProviderConfig `yaml:"embedding_fallback,omitempty"`
}

// ProviderConfig points at an OpenAI-compatible HTTP endpoint.
type ProviderConfig struct {
	BaseURL   string  `yaml:"base_url"`
	APIKeyEnv string  `yaml:"api_key_env,omitempty"`
	Model     string  `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// SupersedeMode controls how a channel handles a new inbound message while
// a turn for the same session is still processing.
type SupersedeMode string

// Supersede modes.
const (
	SupersedeQueue   SupersedeMode = "queue"
	SupersedeReplace SupersedeMode = "replace"
	SupersedeReject  SupersedeMode = "reject"
)

// ChannelPolicy holds per-channel delivery behavior.
type ChannelPolicy struct {
	AggregationWindow time.Duration `yaml:"aggregation_window"`
	SupersedeMode     SupersedeMode `yaml:"supersede_mode"`
	MaxMessageLength  int           `yaml:"max_message_length"`
	TypingSupport     bool          `yaml:"typing_support"`
}

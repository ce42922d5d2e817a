package config

import "time"

// DefaultConfig returns the built-in configuration. User YAML is deep-merged
// over these values, so every field has a sane zero-config behavior.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: &PipelineConfig{
			Retrieval: RetrievalConfig{
				VectorWeight:  0.7,
				BM25Weight:    0.3,
				MaxCandidates: 20,
				MinFinalScore: 0.05,
			},
			Enforcement: EnforcementConfig{
				MaxRetries: 2,
			},
			Extraction: ExtractionConfig{
				MinConfidence:      0.5,
				FuzzyThreshold:     0.90,
				EmbeddingThreshold: 0.85,
			},
			Summarization: SummarizationConfig{
				TurnsPerSummary:    10,
				SummariesPerMeta:   5,
				EnabledAtTurnCount: 20,
			},
			Budgets: BudgetConfig{
				TurnDeadline:  60 * time.Second,
				Embedding:     500 * time.Millisecond,
				LLMJudge:      2 * time.Second,
				LLMGeneration: 20 * time.Second,
				VectorSearch:  500 * time.Millisecond,
				Tool:          10 * time.Second,
			},
		},
		Runtime: &RuntimeConfig{
			IngestionWorkers:     4,
			IngestionQueueSize:   256,
			ToolRetryCount:       2,
			ToolRetryBackoff:     250 * time.Millisecond,
			APIIdempotencyTTL:    300 * time.Second,
			TurnIdempotencyTTL:   60 * time.Second,
			ToolIdempotencyTTL:   24 * time.Hour,
			CleanupInterval:      5 * time.Minute,
			SessionRetentionDays: 90,
		},
		Database: &DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Vector: &VectorConfig{
			Backend: "chromem",
		},
		LLM: &LLMConfig{
			Generation: ProviderConfig{Timeout: 30 * time.Second},
			Embedding:  ProviderConfig{Timeout: 10 * time.Second},
		},
		Channels: map[string]ChannelPolicy{
			"webchat": {
				SupersedeMode:    SupersedeQueue,
				MaxMessageLength: 4000,
				TypingSupport:    true,
			},
		},
	}
}

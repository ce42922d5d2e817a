package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads parley.yaml from the given directory, expands environment
// variables, and deep-merges the result over the built-in defaults.
// Unknown keys are rejected. A missing file yields pure defaults.
func Load(configDir string) (*Config, error) {
	// .env is optional; existing environment wins.
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment file", "path", envPath)
	}

	cfg := DefaultConfig()

	path := filepath.Join(configDir, "parley.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	user, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a Config with env expansion and strict
// unknown-key rejection.
func Parse(data []byte) (*Config, error) {
	expanded := ExpandEnv(data)

	var user Config
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&user); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &user, nil
}

// Validate checks cross-field invariants the YAML schema cannot express.
func (c *Config) Validate() error {
	r := c.Pipeline.Retrieval
	if r.VectorWeight < 0 || r.BM25Weight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative")
	}
	if r.VectorWeight+r.BM25Weight == 0 {
		return fmt.Errorf("at least one retrieval weight must be positive")
	}
	if c.Pipeline.Enforcement.MaxRetries < 0 {
		return fmt.Errorf("enforcement.max_retries must be >= 0")
	}
	e := c.Pipeline.Extraction
	for name, v := range map[string]float64{
		"extraction.min_confidence":      e.MinConfidence,
		"extraction.fuzzy_threshold":     e.FuzzyThreshold,
		"extraction.embedding_threshold": e.EmbeddingThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	s := c.Pipeline.Summarization
	if s.TurnsPerSummary <= 0 || s.SummariesPerMeta <= 0 {
		return fmt.Errorf("summarization windows must be positive")
	}
	switch c.Vector.Backend {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vector.backend must be chromem or qdrant, got %q", c.Vector.Backend)
	}
	for name, pol := range c.Channels {
		switch pol.SupersedeMode {
		case SupersedeQueue, SupersedeReplace, SupersedeReject, "":
		default:
			return fmt.Errorf("channel %s: unknown supersede_mode %q", name, pol.SupersedeMode)
		}
	}
	return nil
}

// PhaseEnabled reports whether an optional phase is enabled.
func (p *PipelineConfig) PhaseEnabled(name string) bool {
	if p.Phases == nil {
		return true
	}
	enabled, ok := p.Phases[name]
	return !ok || enabled
}

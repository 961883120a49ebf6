// Package config holds all mentord configuration.
// Config is loaded from .mentord/config.yaml with MENTORD_* environment
// overrides for the common deployment knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mentord configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Knowledge graph tunables
	Graph GraphConfig `yaml:"graph"`

	// Context state manager
	Context ContextConfig `yaml:"context"`

	// Autonomous thought loop
	Loop LoopConfig `yaml:"loop"`

	// External generators
	Generator GeneratorConfig `yaml:"generator"`

	// Persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GraphConfig configures the knowledge graph engine. The update constants are
// tunable, not correctness-critical; tests pin behavior, not exact values.
type GraphConfig struct {
	// Confidence moves toward 1 by this fraction of the remaining distance
	// per evidence item.
	ConfidenceGain float64 `yaml:"confidence_gain"`

	// Evidence weight is damped as confidence grows:
	// weight = strength * (1 - confidence_damping*confidence).
	ConfidenceDamping float64 `yaml:"confidence_damping"`

	// Concepts with mastery below this are gaps.
	GapThreshold float64 `yaml:"gap_threshold"`

	// Most-recent-N evidence items kept per concept.
	EvidenceLogSize int `yaml:"evidence_log_size"`

	// Error correlation: co-occurrences of the same error signature within
	// the recency window needed to mark a concept confused, and the
	// multiplicative confidence penalty applied when it happens.
	ConfusionWindow    time.Duration `yaml:"confusion_window"`
	ConfusionThreshold int           `yaml:"confusion_threshold"`
	ConfusionPenalty   float64       `yaml:"confusion_penalty"`
}

// ContextConfig configures the context state manager.
type ContextConfig struct {
	// Snapshots older than this are flagged stale on read.
	StalenessTTL time.Duration `yaml:"staleness_ttl"`

	// Bounded wait for an in-flight merge before returning the latest
	// committed version with a staleness flag.
	MergeWait time.Duration `yaml:"merge_wait"`

	// Per-subscriber notification buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// In-memory audit side-log bound.
	AuditLogSize int `yaml:"audit_log_size"`
}

// LoopConfig configures the autonomous thought loop.
type LoopConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	AnalysisTimeout time.Duration `yaml:"analysis_timeout"`

	// Rate limiting: at most RateLimit interventions per RateWindow per session.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`

	// Cool-down backoff for dismissed problem signatures. Doubles per
	// dismissal up to the cap.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`

	// Discard queued interventions when the loop is stopped. Discarding is
	// the safer default.
	DiscardOnStop bool `yaml:"discard_on_stop"`
}

// GeneratorConfig configures the external generation boundary.
type GeneratorConfig struct {
	Provider string        `yaml:"provider"` // genai, template
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`

	// Writes are retried this many times before the loop degrades.
	RetryBudget int           `yaml:"retry_budget"`
	RetryDelay  time.Duration `yaml:"retry_delay"`

	// Maintenance retention windows.
	TraceRetention time.Duration `yaml:"trace_retention"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mentord",
		Version: "0.3.0",

		Graph: GraphConfig{
			ConfidenceGain:     0.1,
			ConfidenceDamping:  0.5,
			GapThreshold:       0.6,
			EvidenceLogSize:    50,
			ConfusionWindow:    10 * time.Minute,
			ConfusionThreshold: 3,
			ConfusionPenalty:   0.7,
		},

		Context: ContextConfig{
			StalenessTTL:     5 * time.Minute,
			MergeWait:        250 * time.Millisecond,
			SubscriberBuffer: 16,
			AuditLogSize:     256,
		},

		Loop: LoopConfig{
			TickInterval:    15 * time.Second,
			AnalysisTimeout: 5 * time.Second,
			RateLimit:       3,
			RateWindow:      10 * time.Minute,
			BackoffBase:     10 * time.Minute,
			BackoffCap:      4 * time.Hour,
			DiscardOnStop:   true,
		},

		Generator: GeneratorConfig{
			Provider: "template",
			Model:    "gemini-2.0-flash",
			Timeout:  10 * time.Second,
		},

		Store: StoreConfig{
			DatabasePath:   filepath.Join(".mentord", "mentord.db"),
			RetryBudget:    3,
			RetryDelay:     200 * time.Millisecond,
			TraceRetention: 30 * 24 * time.Hour,
			AuditRetention: 14 * 24 * time.Hour,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file at path, applies defaults for missing fields,
// then applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks that tunables are in sane ranges.
func (c *Config) Validate() error {
	if c.Graph.ConfidenceGain <= 0 || c.Graph.ConfidenceGain > 1 {
		return fmt.Errorf("graph.confidence_gain must be in (0,1], got %v", c.Graph.ConfidenceGain)
	}
	if c.Graph.ConfidenceDamping < 0 || c.Graph.ConfidenceDamping > 1 {
		return fmt.Errorf("graph.confidence_damping must be in [0,1], got %v", c.Graph.ConfidenceDamping)
	}
	if c.Graph.GapThreshold < 0 || c.Graph.GapThreshold > 1 {
		return fmt.Errorf("graph.gap_threshold must be in [0,1], got %v", c.Graph.GapThreshold)
	}
	if c.Loop.RateLimit <= 0 {
		return fmt.Errorf("loop.rate_limit must be positive, got %d", c.Loop.RateLimit)
	}
	if c.Loop.RateWindow <= 0 {
		return fmt.Errorf("loop.rate_window must be positive, got %v", c.Loop.RateWindow)
	}
	if c.Store.RetryBudget < 0 {
		return fmt.Errorf("store.retry_budget must be non-negative, got %d", c.Store.RetryBudget)
	}
	return nil
}

// applyEnvOverrides applies MENTORD_* environment variables over the loaded
// config. Only the common deployment knobs are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MENTORD_DB_PATH"); v != "" {
		cfg.Store.DatabasePath = v
	}
	if v := os.Getenv("MENTORD_GENERATOR_API_KEY"); v != "" {
		cfg.Generator.APIKey = v
	}
	if v := os.Getenv("MENTORD_GENERATOR_PROVIDER"); v != "" {
		cfg.Generator.Provider = v
	}
	if v := os.Getenv("MENTORD_GENERATOR_MODEL"); v != "" {
		cfg.Generator.Model = v
	}
	if v := os.Getenv("MENTORD_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("MENTORD_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loop.TickInterval = d
		}
	}
	if v := os.Getenv("MENTORD_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loop.RateLimit = n
		}
	}
}

// DefaultPath returns the conventional config location under workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".mentord", "config.yaml")
}

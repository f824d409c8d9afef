package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all kindred configuration. Load reads a YAML file over
// Default() and then applies environment overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Index     IndexConfig     `yaml:"index"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty = store.DefaultDBPath()
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "anthropic", "ollama", "openai", "none"
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	OllamaURL    string `yaml:"ollama_url"`
	OpenAIURL    string `yaml:"openai_url"`
	AnthropicKey string `yaml:"anthropic_key"`
	OpenAIKey    string `yaml:"openai_key"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "ollama", "openai", "hash", "none"
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	OllamaURL  string `yaml:"ollama_url"`
	OpenAIURL  string `yaml:"openai_url"`
	OpenAIKey  string `yaml:"openai_key"`
}

// MemoryConfig carries the engine thresholds.
type MemoryConfig struct {
	SimilarityThreshold    float64 `yaml:"similarity_threshold"`
	DecayRate              float64 `yaml:"decay_rate"`
	ArchiveFloor           float64 `yaml:"archive_floor"`
	ConsolidationGroupSize int     `yaml:"consolidation_group_size"`
	ConsolidatedImportance float64 `yaml:"consolidated_importance"`
	ReinforcementBonus     float64 `yaml:"reinforcement_bonus"`
	StaleDays              int     `yaml:"stale_days"`
	ClusterMinSize         int     `yaml:"cluster_min_size"`
	ClusterWindow          int     `yaml:"cluster_window"`
	RetrieveLimit          int     `yaml:"retrieve_limit"`
	FallbackSummaryLength  int     `yaml:"fallback_summary_length"`
}

type SchedulerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"` // Go duration, e.g. "24h"
}

// IntervalDuration parses Interval, falling back to 24h when unset or invalid.
func (s SchedulerConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

type CacheConfig struct {
	Enabled    bool  `yaml:"enabled"`
	MaxEntries int64 `yaml:"max_entries"`
}

type IndexConfig struct {
	Backend string `yaml:"backend"` // "" or "chromem"
}

type RedisConfig struct {
	URL     string `yaml:"url"` // empty = in-process locking
	LockTTL string `yaml:"lock_ttl"`
}

// LockTTLDuration parses LockTTL, falling back to 10m.
func (r RedisConfig) LockTTLDuration() time.Duration {
	d, err := time.ParseDuration(r.LockTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		LLM: LLMConfig{
			Provider:  "none",
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
			OllamaURL: "http://localhost:11434",
			OpenAIURL: "https://api.openai.com/v1",
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			OllamaURL:  "http://localhost:11434",
			OpenAIURL:  "https://api.openai.com/v1",
		},
		Memory: MemoryConfig{
			SimilarityThreshold:    0.8,
			DecayRate:              0.95,
			ArchiveFloor:           1,
			ConsolidationGroupSize: 50,
			ConsolidatedImportance: 5,
			ReinforcementBonus:     0.1,
			StaleDays:              30,
			ClusterMinSize:         3,
			ClusterWindow:          100,
			RetrieveLimit:          10,
			FallbackSummaryLength:  2000,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: "24h",
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 10000,
		},
		Redis: RedisConfig{
			LockTTL: "10m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file (or an
// empty path) yields the defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("KINDRED_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("KINDRED_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("KINDRED_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KINDRED_PORT: %w", err)
		}
		c.Server.Port = port
	}
	// An API key in the environment selects the provider unless the file chose one.
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.AnthropicKey = key
		if c.LLM.Provider == "" || c.LLM.Provider == "none" {
			c.LLM.Provider = "anthropic"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAIKey = key
		c.Embedding.OpenAIKey = key
	}
	if v := os.Getenv("KINDRED_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("KINDRED_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects out-of-range thresholds.
func (c *Config) Validate() error {
	m := c.Memory
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case m.DecayRate <= 0 || m.DecayRate > 1:
		return fmt.Errorf("memory.decay_rate %v must be in (0, 1]", m.DecayRate)
	case m.SimilarityThreshold < -1 || m.SimilarityThreshold > 1:
		return fmt.Errorf("memory.similarity_threshold %v must be in [-1, 1]", m.SimilarityThreshold)
	case m.ArchiveFloor < 0:
		return fmt.Errorf("memory.archive_floor must not be negative")
	case m.ReinforcementBonus < 0 || m.ReinforcementBonus > 1:
		return fmt.Errorf("memory.reinforcement_bonus %v must be in [0, 1]", m.ReinforcementBonus)
	case m.ConsolidationGroupSize < 1:
		return fmt.Errorf("memory.consolidation_group_size must be positive")
	case m.ClusterMinSize < 1 || m.ClusterWindow < 1:
		return fmt.Errorf("memory.cluster_min_size and cluster_window must be positive")
	case m.StaleDays < 0 || m.RetrieveLimit < 0 || m.FallbackSummaryLength < 0:
		return fmt.Errorf("memory sizes must not be negative")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"KINDRED_DB", "KINDRED_BIND", "KINDRED_PORT", "ANTHROPIC_API_KEY",
		"OPENAI_API_KEY", "KINDRED_REDIS_URL", "KINDRED_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
	assert.Equal(t, 0.8, cfg.Memory.SimilarityThreshold)
	assert.Equal(t, 50, cfg.Memory.ConsolidationGroupSize)
	assert.Equal(t, 2000, cfg.Memory.FallbackSummaryLength)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.IntervalDuration())
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "kindred.yaml")
	data := `
server:
  port: 9000
memory:
  decay_rate: 0.9
  stale_days: 7
scheduler:
  interval: 1h
index:
  backend: chromem
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind)
	assert.Equal(t, 0.9, cfg.Memory.DecayRate)
	assert.Equal(t, 7, cfg.Memory.StaleDays)
	assert.Equal(t, 50, cfg.Memory.ConsolidationGroupSize, "unset keys keep defaults")
	assert.Equal(t, time.Hour, cfg.Scheduler.IntervalDuration())
	assert.Equal(t, "chromem", cfg.Index.Backend)
}

func TestLoadBadYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("KINDRED_DB", "/tmp/k.db")
	t.Setenv("KINDRED_PORT", "4000")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("KINDRED_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("KINDRED_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/k.db", cfg.Database.Path)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.AnthropicKey)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("KINDRED_PORT", "not-a-port")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero decay rate", func(c *Config) { c.Memory.DecayRate = 0 }},
		{"decay rate above one", func(c *Config) { c.Memory.DecayRate = 1.2 }},
		{"similarity above one", func(c *Config) { c.Memory.SimilarityThreshold = 1.5 }},
		{"negative floor", func(c *Config) { c.Memory.ArchiveFloor = -1 }},
		{"zero group size", func(c *Config) { c.Memory.ConsolidationGroupSize = 0 }},
		{"zero cluster window", func(c *Config) { c.Memory.ClusterWindow = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"api_key": "key-123",
		"storage": {"backend": "postgres", "database_url": "postgres://localhost/research"},
		"orchestrator": {"flight_timeout": "45s", "max_analysis_steps": 4},
		"llm": {"models": {"advanced": "gemini-2.5-pro"}},
		"verbose": true
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "key-123", cfg.APIKey)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.FlightTimeout.Std())
	assert.Equal(t, 4, cfg.Orchestrator.MaxAnalysisSteps)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Models["advanced"])
	assert.True(t, cfg.Verbose)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
storage:
  backend: memory
executor:
  interpreter: /usr/bin/python3
  timeout: 2m
fetch:
  enrich_references: true
  cache_ttl: 3600
logging:
  level: debug
  json: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "/usr/bin/python3", cfg.Executor.Interpreter)
	assert.Equal(t, 2*time.Minute, cfg.Executor.Timeout.Std())
	assert.True(t, cfg.Fetch.EnrichReferences)
	assert.Equal(t, time.Hour, cfg.Fetch.CacheTTL.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{ invalid json }`)

	cfg, err := LoadConfig(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config JSON")
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeFile(t, "config.yml", "orchestrator:\n  stuck_after: soon\n")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.json")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "config path is empty")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "'storage.backend' must be one of"},
		{"postgres needs url", func(c *Config) { c.Storage.Backend = "postgres" }, "'storage.database_url' is required"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "'server.port' must be at most 65535"},
		{"negative timeout", func(c *Config) { c.Executor.Timeout = Duration(-time.Second) }, "'executor.timeout' must be at least 0"},
		{"too many steps", func(c *Config) { c.Orchestrator.MaxAnalysisSteps = 99 }, "'orchestrator.max_analysis_steps' must be at most 50"},
		{"unknown tier", func(c *Config) { c.LLM.Models = map[string]string{"huge": "m"} }, "must be one of"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "'logging.level'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeWithDefaults(t *testing.T) {
	defaults := Default()
	defaults.LLM.Models = map[string]string{"lite": "lite-model", "advanced": "adv-model"}

	partial := Config{
		APIKey:       "custom",
		Storage:      StorageConfig{Backend: "memory"},
		LLM:          LLMConfig{Models: map[string]string{"advanced": "custom-adv"}},
		Orchestrator: OrchestratorConfig{MaxAnalysisSteps: 3},
	}

	merged := partial.MergeWithDefaults(defaults)

	assert.Equal(t, "custom", merged.APIKey)
	assert.Equal(t, "memory", merged.Storage.Backend)
	assert.Equal(t, 3, merged.Orchestrator.MaxAnalysisSteps)

	assert.Equal(t, "research.db", merged.Storage.SQLitePath)
	assert.Equal(t, 30*time.Second, merged.Orchestrator.FlightTimeout.Std())
	assert.Equal(t, 8080, merged.Server.Port)
	assert.Equal(t, map[string]string{"lite": "lite-model", "advanced": "custom-adv"}, merged.LLM.Models)
	assert.Equal(t, map[string]string{"advanced": "custom-adv"}, partial.LLM.Models, "input is not modified")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAPIKey:      "env-key",
		EnvDatabaseURL: "postgres://db/research",
		EnvStorage:     "postgres",
		EnvPort:        "9090",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Config{APIKey: "file-key"}
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://db/research", cfg.Storage.DatabaseURL)
	assert.Equal(t, 9090, cfg.Server.Port)

	env[EnvPort] = "eighty"
	assert.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvStorage, "")
	t.Setenv(EnvAPIKey, "")
	path := writeFile(t, "config.json", `{"storage": {"backend": "memory"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "python3", cfg.Executor.Interpreter)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2.5`), &d))
	assert.Equal(t, 2500*time.Millisecond, d.Std())

	out, err := json.Marshal(Duration(5 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

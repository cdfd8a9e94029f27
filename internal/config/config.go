// Package config provides configuration loading and validation for the CLI and server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the configuration that can be loaded from a JSON or YAML file.
// All fields are optional; missing values use defaults or are provided via CLI flags.
type Config struct {
	APIKey       string             `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Gemini API key
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Fetch        FetchConfig        `json:"fetch" yaml:"fetch"`
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Verbose      bool               `json:"verbose,omitempty" yaml:"verbose,omitempty"` // Print cells as they are produced
}

// StorageConfig selects the session store
type StorageConfig struct {
	Backend     string `json:"backend,omitempty" yaml:"backend,omitempty" validate:"omitempty,oneof=memory sqlite postgres"`
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty" validate:"required_if=Backend sqlite"`
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty" validate:"required_if=Backend postgres"`
}

// LLMConfig selects the provider and per-tier models
type LLMConfig struct {
	Provider string            `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=gemini"`
	Models   map[string]string `json:"models,omitempty" yaml:"models,omitempty" validate:"omitempty,dive,keys,oneof=lite standard advanced,endkeys,required"`
}

// ExecutorConfig configures the code runner
type ExecutorConfig struct {
	Interpreter string   `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	WorkDir     string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

// OrchestratorConfig tunes the research engine
type OrchestratorConfig struct {
	FlightTimeout    Duration `json:"flight_timeout,omitempty" yaml:"flight_timeout,omitempty" validate:"gte=0"`
	StuckAfter       Duration `json:"stuck_after,omitempty" yaml:"stuck_after,omitempty" validate:"gte=0"`
	StreamDelay      Duration `json:"stream_delay,omitempty" yaml:"stream_delay,omitempty" validate:"gte=0"`
	MaxAnalysisSteps int      `json:"max_analysis_steps,omitempty" yaml:"max_analysis_steps,omitempty" validate:"gte=0,lte=50"`
	ContextChars     int      `json:"context_chars,omitempty" yaml:"context_chars,omitempty" validate:"gte=0"`
}

// FetchConfig configures reference enrichment
type FetchConfig struct {
	EnrichReferences bool     `json:"enrich_references,omitempty" yaml:"enrich_references,omitempty"`
	CacheSize        int      `json:"cache_size,omitempty" yaml:"cache_size,omitempty" validate:"gte=0"`
	CacheTTL         Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty" validate:"gte=0"`
	Timeout          Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

// ServerConfig configures the operator HTTP surface
type ServerConfig struct {
	Port int `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `json:"json,omitempty" yaml:"json,omitempty"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "research.db",
		},
		LLM: LLMConfig{Provider: "gemini"},
		Executor: ExecutorConfig{
			Interpreter: "python3",
			Timeout:     Duration(5 * time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			FlightTimeout:    Duration(30 * time.Second),
			StuckAfter:       Duration(5 * time.Minute),
			StreamDelay:      Duration(150 * time.Millisecond),
			MaxAnalysisSteps: 10,
			ContextChars:     12000,
		},
		Fetch: FetchConfig{
			CacheSize: 256,
			CacheTTL:  Duration(24 * time.Hour),
			Timeout:   Duration(15 * time.Second),
		},
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}

	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the configuration has valid values.
// Required fields are checked conditionally, e.g. a postgres backend needs a database URL.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config error: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s]", field, fe.Param())
	case "required", "required_if":
		return fmt.Sprintf("'%s' is required", field)
	case "gte", "min":
		return fmt.Sprintf("'%s' must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("'%s' must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("'%s' failed %s validation", field, fe.Tag())
	}
}

// MergeWithDefaults returns a new Config with empty fields filled from defaults.
// Bools cannot distinguish unset from false, so they are not merged.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.APIKey == "" {
		result.APIKey = defaults.APIKey
	}

	s := &result.Storage
	if s.Backend == "" {
		s.Backend = defaults.Storage.Backend
	}
	if s.SQLitePath == "" {
		s.SQLitePath = defaults.Storage.SQLitePath
	}
	if s.DatabaseURL == "" {
		s.DatabaseURL = defaults.Storage.DatabaseURL
	}

	if result.LLM.Provider == "" {
		result.LLM.Provider = defaults.LLM.Provider
	}
	if len(defaults.LLM.Models) > 0 {
		models := make(map[string]string, len(defaults.LLM.Models)+len(result.LLM.Models))
		for k, v := range defaults.LLM.Models {
			models[k] = v
		}
		for k, v := range result.LLM.Models {
			models[k] = v
		}
		result.LLM.Models = models
	}

	e := &result.Executor
	if e.Interpreter == "" {
		e.Interpreter = defaults.Executor.Interpreter
	}
	if e.WorkDir == "" {
		e.WorkDir = defaults.Executor.WorkDir
	}
	if e.Timeout == 0 {
		e.Timeout = defaults.Executor.Timeout
	}

	o := &result.Orchestrator
	if o.FlightTimeout == 0 {
		o.FlightTimeout = defaults.Orchestrator.FlightTimeout
	}
	if o.StuckAfter == 0 {
		o.StuckAfter = defaults.Orchestrator.StuckAfter
	}
	if o.StreamDelay == 0 {
		o.StreamDelay = defaults.Orchestrator.StreamDelay
	}
	if o.MaxAnalysisSteps == 0 {
		o.MaxAnalysisSteps = defaults.Orchestrator.MaxAnalysisSteps
	}
	if o.ContextChars == 0 {
		o.ContextChars = defaults.Orchestrator.ContextChars
	}

	f := &result.Fetch
	if f.CacheSize == 0 {
		f.CacheSize = defaults.Fetch.CacheSize
	}
	if f.CacheTTL == 0 {
		f.CacheTTL = defaults.Fetch.CacheTTL
	}
	if f.Timeout == 0 {
		f.Timeout = defaults.Fetch.Timeout
	}

	if result.Server.Port == 0 {
		result.Server.Port = defaults.Server.Port
	}
	if result.Logging.Level == "" {
		result.Logging.Level = defaults.Logging.Level
	}

	return result
}

// Environment variables that override file values
const (
	EnvAPIKey      = "GEMINI_API_KEY"
	EnvDatabaseURL = "DATABASE_URL"
	EnvStorage     = "RESEARCH_STORAGE"
	EnvSQLitePath  = "RESEARCH_SQLITE_PATH"
	EnvPort        = "PORT"
	EnvLogLevel    = "LOG_LEVEL"
)

// ApplyEnv overrides fields from environment variables using lookup.
// A nil lookup reads the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAPIKey, &c.APIKey)
	set(EnvDatabaseURL, &c.Storage.DatabaseURL)
	set(EnvStorage, &c.Storage.Backend)
	set(EnvSQLitePath, &c.Storage.SQLitePath)
	set(EnvLogLevel, &c.Logging.Level)
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Load reads the optional config file, fills defaults and applies the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	merged := cfg.MergeWithDefaults(Default())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Name   string        // Route class, used in logs
	Path   string        // Endpoint path pattern ("*" matches one segment, trailing "/" matches a prefix)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
}

// key names the bucket a request to endpoint is counted in
func (c *EndpointConfig) key(endpoint string) string {
	if c.Path != "" {
		return c.Path
	}
	return endpoint
}

// LoadConfig loads rate limiting configuration from environment variables.
func LoadConfig() *Config {
	enabled := getEnvBool("RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{
			Enabled: false,
		}
	}

	defaultLimit := getEnvInt("RATE_LIMIT_DEFAULT_LIMIT", 1000)
	defaultWindow := getEnvDuration("RATE_LIMIT_DEFAULT_WINDOW", time.Minute)
	cleanupInterval := getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute)

	whitelist := parseIPList(getEnvString("RATE_LIMIT_WHITELIST", ""))
	blacklist := parseIPList(getEnvString("RATE_LIMIT_BLACKLIST", ""))

	return &Config{
		Enabled:         enabled,
		DefaultLimit:    defaultLimit,
		DefaultWindow:   defaultWindow,
		CleanupInterval: cleanupInterval,
		Whitelist:       whitelist,
		Blacklist:       blacklist,
		EndpointConfigs: DefaultEndpointConfigs(getEnvInt("RATE_LIMIT_LLM_PER_MINUTE", 30)),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
// llmPerMinute bounds routes that call the model or start code.
func DefaultEndpointConfigs(llmPerMinute int) []EndpointConfig {
	if llmPerMinute <= 0 {
		llmPerMinute = 30
	}
	burst := max(llmPerMinute/5, 1)
	return []EndpointConfig{
		// Tier 1: model calls and code execution
		{Name: "create_session", Path: "/sessions", Method: "POST", Limit: llmPerMinute, Window: time.Minute, Burst: burst},
		{Name: "advance", Path: "/sessions/*/advance", Method: "POST", Limit: llmPerMinute, Window: time.Minute, Burst: burst},
		{Name: "rerun", Path: "/sessions/*/cells/*/rerun", Method: "POST", Limit: llmPerMinute, Window: time.Minute, Burst: burst},
		{Name: "execute", Path: "/sessions/*/cells/*/execute", Method: "POST", Limit: llmPerMinute, Window: time.Minute, Burst: burst},

		// Tier 2: other writes
		{Name: "session_write", Path: "/sessions/", Method: "POST", Limit: 300, Window: time.Minute, Burst: 30},
		{Name: "session_delete", Path: "/sessions/", Method: "DELETE", Limit: 100, Window: time.Minute, Burst: 10},

		// Tier 3: reads use the default limit
	}
}

// getEnvString gets an environment variable as a string with a default value.
func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}

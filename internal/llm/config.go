// Package llm provides centralized LLM configuration and client abstractions.
// Research stages pick a model tier; the configuration maps tiers to provider models.
package llm

import "fmt"

// ModelTier represents the complexity/capability level of a model
type ModelTier string

const (
	// TierLite is for short narration: progress lines, data assessment
	TierLite ModelTier = "lite"
	// TierStandard is for structured stage output: references, abstracts, evaluations
	TierStandard ModelTier = "standard"
	// TierAdvanced is for planning, analysis code and the final write-up
	TierAdvanced ModelTier = "advanced"
)

// ParseTier converts a configuration string to a tier
func ParseTier(s string) (ModelTier, error) {
	switch ModelTier(s) {
	case TierLite, TierStandard, TierAdvanced:
		return ModelTier(s), nil
	default:
		return "", fmt.Errorf("unknown model tier %q", s)
	}
}

// Provider represents an LLM provider
type Provider string

// Provider constants define supported LLM providers
const (
	// ProviderGemini is the Google Gemini provider
	ProviderGemini Provider = "gemini"
)

// DefaultTemperature keeps stage output stable across reruns
const DefaultTemperature float32 = 0.1

// Config holds the model configuration for the application
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Temperature float32
	// MaxOutputTokens caps the answer per tier; zero leaves the provider default
	MaxOutputTokens map[ModelTier]int32
}

// DefaultConfig returns the default configuration (currently Gemini)
func DefaultConfig() *Config {
	return DefaultGeminiConfig()
}

// DefaultGeminiConfig returns the default Gemini configuration
func DefaultGeminiConfig() *Config {
	return &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
			TierAdvanced: "gemini-2.5-pro",
		},
		Temperature: DefaultTemperature,
		// analysis code and write-ups run long; assessments are a few sentences
		MaxOutputTokens: map[ModelTier]int32{
			TierLite:     2048,
			TierStandard: 8192,
			TierAdvanced: 16384,
		},
	}
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}

// WithModel returns a new Config with a specific model for a tier
func (c *Config) WithModel(tier ModelTier, model string) *Config {
	newConfig := &Config{
		Provider:        c.Provider,
		Models:          make(map[ModelTier]string, len(c.Models)+1),
		Temperature:     c.Temperature,
		MaxOutputTokens: c.MaxOutputTokens,
	}
	for k, v := range c.Models {
		newConfig.Models[k] = v
	}
	newConfig.Models[tier] = model
	return newConfig
}

// WithOverrides applies tier-name to model overrides from configuration files.
// Unknown tier names are rejected.
func (c *Config) WithOverrides(models map[string]string) (*Config, error) {
	out := c
	for name, model := range models {
		tier, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		if model == "" {
			continue
		}
		out = out.WithModel(tier, model)
	}
	return out, nil
}

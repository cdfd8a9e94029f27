package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Client is an abstraction over LLM providers
type Client interface {
	// GenerateContent returns free text for prompt
	GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error)
	// GenerateJSON returns a JSON document for prompt, with any markdown fence removed
	GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error)
	// GetModel returns the provider model serving a tier
	GetModel(tier ModelTier) string
	Close() error
}

var (
	// ErrBlocked is returned when the provider refuses the prompt or its answer
	ErrBlocked = errors.New("response blocked by the provider")
	// ErrTruncated is returned when the answer hit the output token limit
	ErrTruncated = errors.New("response truncated at the output token limit")
)

// researchInstruction frames every stage call
const researchInstruction = "You are a careful research assistant working through a reproducible analysis notebook. " +
	"Ground every claim in the notebook context you are given, say so when the data cannot support a conclusion, " +
	"and never invent references, files or results."

// NewClient creates a new LLM client based on configuration
func NewClient(ctx context.Context, config *Config, apiKey string) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Provider {
	case ProviderGemini, "":
		return NewGeminiClient(ctx, config, apiKey)
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", config.Provider)
	}
}

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, config: config}, nil
}

// GenerateContent returns free text for prompt
func (c *GeminiClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	return c.generate(ctx, prompt, tier, false)
}

// GenerateJSON asks the model for a JSON response and strips any fence around it
func (c *GeminiClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	text, err := c.generate(ctx, prompt, tier, true)
	if err != nil {
		return "", err
	}
	return CleanJSONBlock(text), nil
}

func (c *GeminiClient) generate(ctx context.Context, prompt string, tier ModelTier, jsonMode bool) (string, error) {
	name := c.config.GetModel(tier)
	if name == "" {
		return "", fmt.Errorf("no model configured for tier %s", tier)
	}

	resp, err := c.newModel(name, tier, jsonMode).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", fmt.Errorf("%w: %s: %v", ErrBlocked, name, blocked)
		}
		return "", fmt.Errorf("failed to generate content with %s: %w", name, err)
	}

	text, err := responseText(resp)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return text, nil
}

// newModel configures a model handle for one call. Handles are cheap and not
// shared between goroutines.
func (c *GeminiClient) newModel(name string, tier ModelTier, jsonMode bool) *genai.GenerativeModel {
	model := c.client.GenerativeModel(name)
	model.SystemInstruction = genai.NewUserContent(genai.Text(researchInstruction))
	model.SetCandidateCount(1)

	temperature := c.config.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	model.SetTemperature(temperature)
	if limit := c.config.MaxOutputTokens[tier]; limit > 0 {
		model.SetMaxOutputTokens(limit)
	}
	if jsonMode {
		model.ResponseMIMEType = "application/json"
	}
	return model
}

// GetModel returns the model name for a tier
func (c *GeminiClient) GetModel(tier ModelTier) string {
	return c.config.GetModel(tier)
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// responseText joins the text parts of the first candidate. A candidate cut
// off by the token limit is an error; its JSON would not parse anyway.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return "", errors.New("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		return "", ErrTruncated
	}
	if candidate.Content == nil {
		return "", errors.New("no content in response")
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("no text parts in response")
	}
	return sb.String(), nil
}

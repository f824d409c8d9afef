package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/lazypower/kindred/internal/config"
)

// ErrDisabled is returned by NewClient when no completion provider is configured.
var ErrDisabled = errors.New("llm provider disabled")

// Client is the completion port: one system instruction, one user turn.
type Client interface {
	Complete(ctx context.Context, system, content string) (*Response, error)
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	switch cfg.Provider {
	case "", "none":
		return nil, ErrDisabled
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return NewAnthropic(cfg.AnthropicKey, model, maxTokens), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, maxTokens), nil
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or config")
		}
		return NewOpenAI(cfg.OpenAIURL, cfg.OpenAIKey, cfg.Model, maxTokens), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

// Package llm talks to the language model providers behind the assistant.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// Chat sends a conversation and returns the reply text
	Chat(ctx context.Context, messages []Message) (string, error)

	// Name returns the provider name
	Name() string
}

// Message represents a chat message
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "openai", "anthropic" or "dummy"
	APIKey   string
	Model    string
	BaseURL  string
	// JSONMode asks providers that support it for a JSON object reply.
	JSONMode bool
}

// NewProvider creates a provider from cfg.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider needs an API key")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAIProvider(cfg.APIKey, model, cfg.BaseURL, cfg.JSONMode), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider needs an API key")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-3-5-haiku-latest"
		}
		return NewAnthropicProvider(cfg.APIKey, model, cfg.BaseURL), nil
	case "dummy", "":
		return NewDummyProvider(500 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

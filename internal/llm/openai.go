package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ehrlich-b/chatndev/internal/logger"
)

// OpenAIProvider implements the Provider interface for OpenAI and
// OpenAI-compatible endpoints
type OpenAIProvider struct {
	client   *openai.Client
	model    string
	jsonMode bool
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL uses the
// public API.
func NewOpenAIProvider(apiKey, model, baseURL string, jsonMode bool) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		jsonMode: jsonMode,
	}
}

// Chat sends messages to OpenAI and returns the response
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		chatMessages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: chatMessages,
	}
	if p.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	logger.Debug("OpenAI API request",
		"model", p.model,
		"num_messages", len(messages))

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}

	response := resp.Choices[0].Message.Content
	logger.Debug("OpenAI API response",
		"model", p.model,
		"duration", duration,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"response_length", len(response))
	return response, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

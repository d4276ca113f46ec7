package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

const (
	defaultGrokBaseURL = "https://api.x.ai/v1"
	defaultGrokModel   = "grok-3-mini"
	grokRequestTimeout = 60 * time.Second
)

// GrokConfig configures the Grok chat adapter. The API is
// OpenAI-compatible, so any chat-completions endpoint works through it.
type GrokConfig struct {
	APIKey  string // Required
	BaseURL string // Optional, defaults to the x.ai endpoint
	Model   string // Optional
}

// GrokLLM implements LargeLanguageModel against an OpenAI-compatible
// chat completions API.
type GrokLLM struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

var _ repositories.LargeLanguageModel = (*GrokLLM)(nil)

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []chatCompletionMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGrokLLM creates a Grok chat adapter.
func NewGrokLLM(config GrokConfig, logger *zap.Logger) (*GrokLLM, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("grok API key is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultGrokBaseURL
	}
	model := config.Model
	if model == "" {
		model = defaultGrokModel
	}

	return &GrokLLM{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: grokRequestTimeout},
		logger:  logger,
	}, nil
}

// Chat sends the conversation and returns the assistant reply.
func (g *GrokLLM) Chat(ctx context.Context, messages []repositories.ChatMessage) (string, error) {
	payload := chatCompletionRequest{Model: g.model}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, chatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Error("chat completion returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return "", fmt.Errorf("chat completion failed with status %d", resp.StatusCode)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat completion error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

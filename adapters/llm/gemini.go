package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiLLM implements LargeLanguageModel using Google's Gemini API.
type GeminiLLM struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a Gemini chat adapter.
func NewGeminiLLM(ctx context.Context, apiKey string, logger *zap.Logger) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{
		client: client,
		logger: logger,
		model:  defaultGeminiModel,
	}, nil
}

// Chat sends the conversation and returns the model reply. System
// messages become system instructions; the rest becomes alternating
// content.
func (g *GeminiLLM) Chat(ctx context.Context, messages []repositories.ChatMessage) (string, error) {
	var config genai.GenerateContentConfig
	var contents []*genai.Content

	for _, m := range messages {
		switch m.Role {
		case repositories.SystemRole:
			if config.SystemInstruction == nil {
				config.SystemInstruction = &genai.Content{}
			}
			config.SystemInstruction.Parts = append(config.SystemInstruction.Parts,
				&genai.Part{Text: m.Content})
		case repositories.AssistantRole:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &config)
	if err != nil {
		return "", fmt.Errorf("gemini generate content failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty response")
	}
	return text, nil
}

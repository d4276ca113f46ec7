package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// MockLLM echoes canned replies for development without API keys.
type MockLLM struct{}

var _ repositories.LargeLanguageModel = (*MockLLM)(nil)

// NewMockLLM creates the mock adapter.
func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

// Chat returns a deterministic reply derived from the last user
// message.
func (m *MockLLM) Chat(_ context.Context, messages []repositories.ChatMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != repositories.UserRole {
			continue
		}
		text := strings.TrimSpace(messages[i].Content)
		if text == "" {
			break
		}
		return fmt.Sprintf("You said: %s", text), nil
	}
	return "Hello! I'm listening.", nil
}

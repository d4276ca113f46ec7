package repositories

import "context"

// LargeLanguageModel abstracts any chat/LLM provider.
type LargeLanguageModel interface {
	// Chat sends the ordered message list and returns the model's reply.
	Chat(ctx context.Context, messages []ChatMessage) (string, error)
}

// ChatMessage represents a single message in a conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender.
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)

package tts

import (
	"context"
	"fmt"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// MockTTS returns tiny fixed payloads for development and tests.
type MockTTS struct{}

var _ repositories.TextToSpeech = (*MockTTS)(nil)

// NewMockTTS creates the mock adapter.
func NewMockTTS() *MockTTS {
	return &MockTTS{}
}

// Synthesize returns one placeholder frame per word for "opus" and a
// placeholder blob otherwise.
func (m *MockTTS) Synthesize(_ context.Context, text, format string) (repositories.SpeechResult, error) {
	if text == "" {
		return repositories.SpeechResult{}, fmt.Errorf("empty synthesis text")
	}

	if format == "" || format == "opus" {
		frames := make([][]byte, 0, 4)
		count := 0
		for _, r := range text {
			if r == ' ' {
				count++
			}
		}
		for i := 0; i <= count; i++ {
			frames = append(frames, []byte{0xf8, 0xff, 0xfe})
		}
		return repositories.SpeechResult{Frames: frames}, nil
	}

	return repositories.SpeechResult{Raw: []byte("mock audio: " + text)}, nil
}

package stt

import (
	"context"
	"fmt"

	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// MockSTT produces synthetic transcripts for development without
// credentials.
type MockSTT struct{}

var _ repositories.SpeechToText = (*MockSTT)(nil)

// NewMockSTT creates the mock adapter.
func NewMockSTT() *MockSTT {
	return &MockSTT{}
}

// TranscribeAudio returns a placeholder transcript.
func (m *MockSTT) TranscribeAudio(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	return "mock transcript", nil
}

// TranscribePCM returns a placeholder transcript noting the duration.
func (m *MockSTT) TranscribePCM(_ context.Context, samples []int16, sampleRate, _ int) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("empty sample buffer")
	}
	seconds := float64(len(samples)) / float64(sampleRate)
	return fmt.Sprintf("mock transcript of %.1fs of audio", seconds), nil
}

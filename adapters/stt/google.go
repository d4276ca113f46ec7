package stt

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/audio"
)

// GoogleSTT implements SpeechToText using Google Cloud Speech
// synchronous recognition. Credentials come from the standard
// GOOGLE_APPLICATION_CREDENTIALS discovery.
type GoogleSTT struct {
	client   *speech.Client
	language string
	logger   *zap.Logger
}

var _ repositories.SpeechToText = (*GoogleSTT)(nil)

// NewGoogleSTT creates a Google Cloud Speech adapter.
func NewGoogleSTT(ctx context.Context, language string, logger *zap.Logger) (*GoogleSTT, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	if language == "" {
		language = "en-US"
	}
	return &GoogleSTT{client: client, language: language, logger: logger}, nil
}

// TranscribeAudio recognizes container-format audio. WebM Opus is the
// format browsers and devices fall back to when local decoding fails.
func (g *GoogleSTT) TranscribeAudio(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	return g.recognize(ctx, data, &speechpb.RecognitionConfig{
		Encoding:          speechpb.RecognitionConfig_WEBM_OPUS,
		SampleRateHertz:   int32(audio.CodecSampleRate),
		AudioChannelCount: int32(audio.Channels),
		LanguageCode:      g.language,
	})
}

// TranscribePCM recognizes bare linear PCM samples.
func (g *GoogleSTT) TranscribePCM(ctx context.Context, samples []int16, sampleRate, channels int) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("empty sample buffer")
	}
	return g.recognize(ctx, audio.SamplesToBytes(samples), &speechpb.RecognitionConfig{
		Encoding:          speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:   int32(sampleRate),
		AudioChannelCount: int32(channels),
		LanguageCode:      g.language,
	})
}

func (g *GoogleSTT) recognize(ctx context.Context, data []byte, config *speechpb.RecognitionConfig) (string, error) {
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: config,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: data},
		},
	})
	if err != nil {
		return "", fmt.Errorf("recognize failed: %w", err)
	}

	var transcript string
	for _, result := range resp.Results {
		if len(result.Alternatives) > 0 {
			transcript += result.Alternatives[0].Transcript
		}
	}
	if transcript == "" {
		g.logger.Debug("recognition produced no transcript",
			zap.Int("bytes", len(data)))
	}
	return transcript, nil
}

// Close releases the underlying gRPC connection.
func (g *GoogleSTT) Close() error {
	return g.client.Close()
}

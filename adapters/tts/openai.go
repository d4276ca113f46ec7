package tts

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
	"github.com/kanari-ai/kanari-server/internal/audio"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "tts-1"
	defaultOpenAIVoice   = "alloy"
	openAITimeout        = 60 * time.Second

	// The speech endpoint emits 24kHz mono when response_format is pcm.
	openAIPCMRate = 24000
)

// OpenAIConfig configures the speech synthesis adapter.
type OpenAIConfig struct {
	APIKey  string // Required
	BaseURL string // Optional
	Model   string // Optional
	Voice   string // Optional
}

// OpenAITTS implements TextToSpeech against an OpenAI-compatible speech
// endpoint. For the "opus" format it pulls PCM and re-encodes into
// fixed-duration frames locally so playback pacing stays under server
// control; for anything else it passes the container through untouched.
type OpenAITTS struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
	client  *http.Client
	logger  *zap.Logger
}

var _ repositories.TextToSpeech = (*OpenAITTS)(nil)

// NewOpenAITTS creates the synthesis adapter.
func NewOpenAITTS(config OpenAIConfig, logger *zap.Logger) (*OpenAITTS, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("tts API key is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := config.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	voice := config.Voice
	if voice == "" {
		voice = defaultOpenAIVoice
	}

	return &OpenAITTS{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		model:   model,
		voice:   voice,
		client:  &http.Client{Timeout: openAITimeout},
		logger:  logger,
	}, nil
}

// Synthesize converts text to speech in the session's response format.
func (o *OpenAITTS) Synthesize(ctx context.Context, text, format string) (repositories.SpeechResult, error) {
	if format == "" || format == "opus" {
		return o.synthesizeOpus(ctx, text)
	}

	raw, err := o.fetch(ctx, text, format)
	if err != nil {
		return repositories.SpeechResult{}, err
	}
	return repositories.SpeechResult{Raw: raw}, nil
}

func (o *OpenAITTS) synthesizeOpus(ctx context.Context, text string) (repositories.SpeechResult, error) {
	pcm, err := o.fetch(ctx, text, "pcm")
	if err != nil {
		return repositories.SpeechResult{}, err
	}

	samples, err := audio.BytesToSamples(pcm)
	if err != nil {
		return repositories.SpeechResult{}, fmt.Errorf("invalid pcm payload: %w", err)
	}

	// The encode path expects device-rate input.
	down, err := audio.NewResampler(openAIPCMRate, audio.DeviceSampleRate)
	if err != nil {
		return repositories.SpeechResult{}, err
	}
	trimmed := samples[:len(samples)-len(samples)%3]
	deviceSamples, err := down.ResampleInt16(trimmed)
	if err != nil {
		return repositories.SpeechResult{}, fmt.Errorf("failed to resample speech: %w", err)
	}

	transcoder, err := audio.NewTranscoder()
	if err != nil {
		return repositories.SpeechResult{}, fmt.Errorf("failed to create transcoder: %w", err)
	}
	frames, err := transcoder.Encode(deviceSamples)
	if err != nil {
		return repositories.SpeechResult{}, fmt.Errorf("failed to encode speech: %w", err)
	}

	return repositories.SpeechResult{Frames: frames}, nil
}

func (o *OpenAITTS) fetch(ctx context.Context, text, responseFormat string) ([]byte, error) {
	payload := map[string]string{
		"model":           o.model,
		"voice":           o.voice,
		"input":           text,
		"response_format": responseFormat,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		o.logger.Error("speech synthesis returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return nil, fmt.Errorf("speech synthesis failed with status %d", resp.StatusCode)
	}
	return raw, nil
}

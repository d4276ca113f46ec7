package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/audio"
)

const (
	defaultWhisperBaseURL = "https://api.openai.com/v1"
	defaultWhisperModel   = "whisper-1"
	whisperTimeout        = 60 * time.Second
)

// WhisperConfig configures the Whisper transcription adapter.
type WhisperConfig struct {
	APIKey  string // Required
	BaseURL string // Optional
	Model   string // Optional
}

// WhisperSTT implements SpeechToText against an OpenAI-compatible
// transcriptions API. It accepts raw container bytes as well as bare
// PCM, which it wraps into WAV before upload.
type WhisperSTT struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

var _ repositories.SpeechToText = (*WhisperSTT)(nil)

// NewWhisperSTT creates a Whisper transcription adapter.
func NewWhisperSTT(config WhisperConfig, logger *zap.Logger) (*WhisperSTT, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("whisper API key is required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultWhisperBaseURL
	}
	model := config.Model
	if model == "" {
		model = defaultWhisperModel
	}

	return &WhisperSTT{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: whisperTimeout},
		logger:  logger,
	}, nil
}

// TranscribeAudio transcribes container-format audio as received from
// the device. The container is sniffed from magic bytes; unknown data
// is uploaded as WAV and left to the service to reject.
func (w *WhisperSTT) TranscribeAudio(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	return w.upload(ctx, data, "audio."+sniffExtension(data))
}

// TranscribePCM wraps bare PCM samples into a WAV container and
// transcribes that.
func (w *WhisperSTT) TranscribePCM(ctx context.Context, samples []int16, sampleRate, channels int) (string, error) {
	if len(samples) == 0 {
		return "", fmt.Errorf("empty sample buffer")
	}
	return w.upload(ctx, audio.SamplesToWAV(samples, sampleRate, channels), "audio.wav")
}

func (w *WhisperSTT) upload(ctx context.Context, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write audio payload: %w", err)
	}
	if err := writer.WriteField("model", w.model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read transcription response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		w.logger.Error("transcription returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", raw))
		return "", fmt.Errorf("transcription failed with status %d", resp.StatusCode)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse transcription response: %w", err)
	}
	return parsed.Text, nil
}

// sniffExtension picks a filename extension from well-known container
// magic bytes so the service parses the upload correctly.
func sniffExtension(data []byte) string {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("RIFF")):
		return "wav"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return "webm"
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return "mp3"
	case len(data) >= 2 && data[0] == 0xff && data[1]&0xe0 == 0xe0:
		return "mp3"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return "ogg"
	default:
		return "wav"
	}
}

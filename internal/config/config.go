package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config carries every runtime setting the server reads from the
// environment. A .env file in the working directory is honored for
// development.
type Config struct {
	Port string

	// JWTSecret signs device tokens. Required outside development.
	JWTSecret string

	// ActivationSecret signs the HMAC challenge used during device
	// activation.
	ActivationSecret string

	// Storage selects the session store backend: "sqlite" or "mongo".
	Storage    string
	SQLitePath string
	MongoURI   string
	MongoDB    string

	// LLM settings. Provider is "grok", "gemini" or "mock".
	LLMProvider string
	LLMBaseURL  string
	LLMAPIKey   string
	LLMModel    string

	// STT settings. Provider is "whisper", "google" or "mock".
	STTProvider string
	STTBaseURL  string
	STTAPIKey   string
	STTModel    string

	// TTS settings. Provider is "openai" or "mock".
	TTSProvider string
	TTSBaseURL  string
	TTSAPIKey   string
	TTSModel    string
	TTSVoice    string

	// NATSURL enables the event bus bridge when non-empty.
	NATSURL string

	// AssetsDir holds firmware images and uploaded recordings.
	AssetsDir string

	// FrameDelayMs paces outbound audio frames. Zero disables pacing,
	// which tests rely on.
	FrameDelayMs int
}

// Load reads configuration from the environment, preferring an optional
// .env file for development convenience.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		Port:             envOr("PORT", "8080"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		ActivationSecret: os.Getenv("ACTIVATION_SECRET"),
		Storage:          envOr("STORAGE_BACKEND", "sqlite"),
		SQLitePath:       envOr("SQLITE_PATH", "kanari.db"),
		MongoURI:         envOr("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDB:          envOr("MONGODB_DATABASE", "kanari"),
		LLMProvider:      envOr("LLM_PROVIDER", "mock"),
		LLMBaseURL:       envOr("LLM_BASE_URL", "https://api.x.ai/v1"),
		LLMAPIKey:        os.Getenv("LLM_API_KEY"),
		LLMModel:         envOr("LLM_MODEL", "grok-3-mini"),
		STTProvider:      envOr("STT_PROVIDER", "mock"),
		STTBaseURL:       envOr("STT_BASE_URL", "https://api.openai.com/v1"),
		STTAPIKey:        os.Getenv("STT_API_KEY"),
		STTModel:         envOr("STT_MODEL", "whisper-1"),
		TTSProvider:      envOr("TTS_PROVIDER", "mock"),
		TTSBaseURL:       envOr("TTS_BASE_URL", "https://api.openai.com/v1"),
		TTSAPIKey:        os.Getenv("TTS_API_KEY"),
		TTSModel:         envOr("TTS_MODEL", "tts-1"),
		TTSVoice:         envOr("TTS_VOICE", "alloy"),
		NATSURL:          os.Getenv("NATS_URL"),
		AssetsDir:        envOr("ASSETS_DIR", "assets"),
	}

	if raw := os.Getenv("FRAME_DELAY_MS"); raw != "" {
		delay, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FRAME_DELAY_MS %q: %w", raw, err)
		}
		cfg.FrameDelayMs = delay
	} else {
		cfg.FrameDelayMs = 20
	}

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "development-secret"
	}
	if cfg.ActivationSecret == "" {
		cfg.ActivationSecret = cfg.JWTSecret
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/adapters/llm"
	"github.com/kanari-ai/kanari-server/adapters/memory"
	kmongo "github.com/kanari-ai/kanari-server/adapters/mongo"
	"github.com/kanari-ai/kanari-server/adapters/sqlite"
	"github.com/kanari-ai/kanari-server/adapters/stt"
	"github.com/kanari-ai/kanari-server/adapters/tts"
	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/api"
	"github.com/kanari-ai/kanari-server/internal/auth"
	"github.com/kanari-ai/kanari-server/internal/bus"
	"github.com/kanari-ai/kanari-server/internal/config"
	"github.com/kanari-ai/kanari-server/internal/mcp"
	"github.com/kanari-ai/kanari-server/internal/websocket"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	// Storage backend.
	var sessionStore repositories.SessionStore
	var knowledgeStore repositories.KnowledgeStore
	var knowledgeWriter api.KnowledgeWriter

	switch cfg.Storage {
	case "mongo":
		client, err := kmongo.NewClient(cfg.MongoURI, cfg.MongoDB, logger)
		if err != nil {
			logger.Fatal("failed to connect storage", zap.Error(err))
		}
		defer client.Close(ctx)
		sessionStore = kmongo.NewSessionStore(client.Database)
	default:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal("failed to open storage", zap.Error(err))
		}
		defer store.Close()
		sessionStore = store
		knowledgeStore = store
		knowledgeWriter = store
	}

	// Collaborators.
	var languageModel repositories.LargeLanguageModel
	switch cfg.LLMProvider {
	case "grok":
		languageModel, err = llm.NewGrokLLM(llm.GrokConfig{
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
			Model:   cfg.LLMModel,
		}, logger)
	case "gemini":
		languageModel, err = llm.NewGeminiLLM(ctx, cfg.LLMAPIKey, logger)
	default:
		languageModel = llm.NewMockLLM()
	}
	if err != nil {
		logger.Fatal("failed to create language model", zap.Error(err))
	}

	var speechToText repositories.SpeechToText
	switch cfg.STTProvider {
	case "whisper":
		speechToText, err = stt.NewWhisperSTT(stt.WhisperConfig{
			APIKey:  cfg.STTAPIKey,
			BaseURL: cfg.STTBaseURL,
			Model:   cfg.STTModel,
		}, logger)
	case "google":
		speechToText, err = stt.NewGoogleSTT(ctx, "", logger)
	default:
		speechToText = stt.NewMockSTT()
	}
	if err != nil {
		logger.Fatal("failed to create speech-to-text", zap.Error(err))
	}

	var textToSpeech repositories.TextToSpeech
	switch cfg.TTSProvider {
	case "openai":
		textToSpeech, err = tts.NewOpenAITTS(tts.OpenAIConfig{
			APIKey:  cfg.TTSAPIKey,
			BaseURL: cfg.TTSBaseURL,
			Model:   cfg.TTSModel,
			Voice:   cfg.TTSVoice,
		}, logger)
	default:
		textToSpeech = tts.NewMockTTS()
	}
	if err != nil {
		logger.Fatal("failed to create text-to-speech", zap.Error(err))
	}

	tools := mcp.NewDispatcher(knowledgeStore, logger)

	// Protocol engine.
	registry := websocket.NewRegistry()
	orchestrator := websocket.NewOrchestrator(registry, languageModel, speechToText, textToSpeech,
		knowledgeStore, sessionStore, tools, logger)
	orchestrator.SetFrameDelay(time.Duration(cfg.FrameDelayMs) * time.Millisecond)
	hub := websocket.NewHub(registry, orchestrator, sessionStore, logger)

	// Optional event bus.
	if cfg.NATSURL != "" {
		bridge, err := bus.Connect(cfg.NATSURL, hub, logger)
		if err != nil {
			logger.Fatal("failed to connect event bus", zap.Error(err))
		}
		defer bridge.Close()
		hub.SetEventSink(bridge.PublishSessionEvent)
	}

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	authenticator := auth.NewAuthenticator(cfg.JWTSecret, cfg.ActivationSecret)
	devices := memory.NewDeviceRepository()
	server := api.NewServer(hub, authenticator, devices, knowledgeStore, knowledgeWriter, cfg.AssetsDir, logger)
	server.InitRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("server is shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

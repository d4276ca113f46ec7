package api

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/adapters/memory"
	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/auth"
	"github.com/kanari-ai/kanari-server/internal/websocket"
)

// FirmwareVersion is the firmware release advertised to devices during
// the OTA check.
const FirmwareVersion = "1.6.2"

// KnowledgeWriter is the write side of knowledge management, served by
// the SQLite store.
type KnowledgeWriter interface {
	UpsertKnowledge(ctx context.Context, entry entities.KnowledgeEntry) error
}

// Server bundles the dependencies of the HTTP surface.
type Server struct {
	hub       *websocket.Hub
	auth      *auth.Authenticator
	devices   *memory.DeviceRepository
	knowledge repositories.KnowledgeStore
	writer    KnowledgeWriter
	assetsDir string
	logger    *zap.Logger
}

// NewServer creates the HTTP surface. writer may be nil when the
// backend does not support knowledge writes.
func NewServer(hub *websocket.Hub, authenticator *auth.Authenticator, devices *memory.DeviceRepository,
	knowledge repositories.KnowledgeStore, writer KnowledgeWriter, assetsDir string, logger *zap.Logger) *Server {
	return &Server{
		hub:       hub,
		auth:      authenticator,
		devices:   devices,
		knowledge: knowledge,
		writer:    writer,
		assetsDir: assetsDir,
		logger:    logger,
	}
}

// InitRoutes registers every route on the echo instance.
func (s *Server) InitRoutes(e *echo.Echo) {
	e.GET("/health", s.health)

	v1 := e.Group("/api/v1")
	v1.POST("/device/auth", s.deviceAuth)
	v1.GET("/ota", s.otaCheck)
	v1.POST("/ota", s.otaCheck)
	v1.GET("/assets/:filename", s.downloadAsset)
	v1.POST("/upload", s.uploadRecording)
	v1.GET("/knowledge", s.listKnowledge)
	v1.POST("/knowledge", s.upsertKnowledge)

	e.GET("/ws", s.websocketWithAuth)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "kanari-server",
		"sessions": s.hub.Registry().Len(),
	})
}

// deviceAuth exchanges an activation signature for a device token. The
// device proves possession of the shared activation secret by signing
// its own challenge.
func (s *Server) deviceAuth(c echo.Context) error {
	var req DeviceAuthRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Error("failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SerialNumber == "" || req.Challenge == "" || req.Signature == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number, challenge and signature are required",
		})
	}

	// Challenges are handed out by the OTA endpoint and redeemed once,
	// so a captured signature cannot be replayed.
	if !s.auth.ConsumeChallenge(req.SerialNumber, req.Challenge) {
		s.logger.Warn("device presented unknown activation challenge",
			zap.String("serial_number", req.SerialNumber))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "unknown_challenge",
			Message: "Challenge was not issued or has expired",
		})
	}

	if !s.auth.VerifyActivation(req.SerialNumber, req.Challenge, req.Signature) {
		s.logger.Warn("device activation failed",
			zap.String("serial_number", req.SerialNumber))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid activation signature",
		})
	}

	device := s.devices.Upsert(req.SerialNumber, req.Model, req.Firmware)

	token, err := s.auth.GenerateDeviceToken(device.ID)
	if err != nil {
		s.logger.Error("failed to generate device token",
			zap.String("device_id", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	s.logger.Info("device authenticated",
		zap.String("device_id", device.ID),
		zap.String("model", device.Model))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(auth.DeviceTokenTTL),
		DeviceID:  device.ID,
	})
}

// otaCheck reports the current firmware release and the websocket
// endpoint the device should use.
func (s *Server) otaCheck(c echo.Context) error {
	var req OTARequest
	if c.Request().Method == http.MethodPost {
		if err := c.Bind(&req); err != nil {
			s.logger.Debug("unparseable ota request", zap.Error(err))
		}
	}
	if req.SerialNumber == "" {
		req.SerialNumber = c.QueryParam("serial_number")
	}

	var activation *OTAActivation
	if req.SerialNumber != "" {
		s.devices.Upsert(req.SerialNumber, req.Board, req.Version)

		challenge, err := s.auth.IssueChallenge(req.SerialNumber)
		if err != nil {
			s.logger.Error("failed to issue activation challenge",
				zap.String("serial_number", req.SerialNumber),
				zap.Error(err))
		} else {
			activation = &OTAActivation{
				Challenge: challenge,
				TimeoutMs: auth.ActivationChallengeTTL.Milliseconds(),
			}
		}
	}

	scheme := "ws"
	if c.Request().TLS != nil {
		scheme = "wss"
	}

	now := time.Now()
	_, offset := now.Zone()

	return c.JSON(http.StatusOK, OTAResponse{
		ServerTime: OTAServerTime{
			Timestamp: now.UnixMilli(),
			Offset:    offset / 60,
		},
		Firmware: OTAFirmware{
			Version: FirmwareVersion,
			URL:     scheme2http(scheme) + "://" + c.Request().Host + "/api/v1/assets/firmware-" + FirmwareVersion + ".bin",
		},
		WebSocket: OTAWebSocket{
			URL: scheme + "://" + c.Request().Host + "/ws",
		},
		Activation: activation,
	})
}

func scheme2http(wsScheme string) string {
	if wsScheme == "wss" {
		return "https"
	}
	return "http"
}

// downloadAsset serves firmware images and other static assets.
func (s *Server) downloadAsset(c echo.Context) error {
	// filepath.Base strips any traversal components.
	filename := filepath.Base(c.Param("filename"))
	if filename == "." || filename == string(os.PathSeparator) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_filename",
			Message: "Invalid asset name",
		})
	}

	path := filepath.Join(s.assetsDir, filename)
	if _, err := os.Stat(path); err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "Asset not found",
		})
	}
	return c.File(path)
}

// uploadRecording stores a device-submitted recording under the assets
// directory.
func (s *Server) uploadRecording(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_file",
			Message: "Multipart field 'file' is required",
		})
	}

	src, err := file.Open()
	if err != nil {
		s.logger.Error("failed to open uploaded file", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "upload_failed",
			Message: "Failed to read upload",
		})
	}
	defer src.Close()

	uploadDir := filepath.Join(s.assetsDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		s.logger.Error("failed to create upload dir", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "upload_failed",
			Message: "Failed to store upload",
		})
	}

	// A fresh name prevents collisions and path tricks in the client
	// supplied filename.
	ext := filepath.Ext(filepath.Base(file.Filename))
	filename := uuid.New().String() + ext
	dst, err := os.Create(filepath.Join(uploadDir, filename))
	if err != nil {
		s.logger.Error("failed to create upload file", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "upload_failed",
			Message: "Failed to store upload",
		})
	}
	defer dst.Close()

	size, err := io.Copy(dst, src)
	if err != nil {
		s.logger.Error("failed to write upload", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "upload_failed",
			Message: "Failed to store upload",
		})
	}

	s.logger.Info("recording uploaded",
		zap.String("filename", filename),
		zap.Int64("size", size))

	return c.JSON(http.StatusOK, UploadResponse{Filename: filename, Size: size})
}

func (s *Server) listKnowledge(c echo.Context) error {
	if s.knowledge == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "not_supported",
			Message: "Knowledge store is not configured",
		})
	}

	entries, err := s.knowledge.ListRecent(c.Request().Context(), 20)
	if err != nil {
		s.logger.Error("failed to list knowledge", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to list knowledge entries",
		})
	}
	return c.JSON(http.StatusOK, KnowledgeListResponse{Entries: entries})
}

func (s *Server) upsertKnowledge(c echo.Context) error {
	if s.writer == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{
			Error:   "not_supported",
			Message: "Knowledge store is not writable",
		})
	}

	var req KnowledgeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Title and content are required",
		})
	}

	entry := entities.KnowledgeEntry{
		Title:     req.Title,
		Content:   req.Content,
		Tags:      req.Tags,
		Metadata:  req.Meta,
		UpdatedAt: time.Now(),
	}
	if req.ID != "" {
		id, err := uuid.Parse(req.ID)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_id",
				Message: "ID must be a UUID",
			})
		}
		entry.ID = id
	}

	if err := s.writer.UpsertKnowledge(c.Request().Context(), entry); err != nil {
		s.logger.Error("failed to upsert knowledge", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to store knowledge entry",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// websocketWithAuth validates the bearer token and hands the connection
// to the hub.
func (s *Server) websocketWithAuth(c echo.Context) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}
	if token == "" {
		// Embedded firmware cannot always set headers on the upgrade
		// request, so a query parameter is accepted too.
		token = c.QueryParam("token")
	}

	if token == "" {
		s.logger.Warn("websocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Warn("websocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != "device" {
		s.logger.Warn("websocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens may open websocket connections",
		})
	}
	if claims.DeviceID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	s.logger.Info("websocket connection authenticated",
		zap.String("device_id", claims.DeviceID))

	return s.hub.HandleWebSocket(c, claims.DeviceID)
}

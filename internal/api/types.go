package api

import (
	"time"

	"github.com/kanari-ai/kanari-server/domain/entities"
)

// DeviceAuthRequest is the activation request body.
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	Signature    string `json:"signature"`
	Model        string `json:"model,omitempty"`
	Firmware     string `json:"firmware,omitempty"`
}

// DeviceAuthResponse carries the issued device token.
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
}

// OTARequest is the firmware check request body.
type OTARequest struct {
	SerialNumber string `json:"serial_number,omitempty"`
	Version      string `json:"version,omitempty"`
	Board        string `json:"board,omitempty"`
}

// OTAResponse tells the device which firmware to run and where to
// connect.
type OTAResponse struct {
	ServerTime OTAServerTime  `json:"server_time"`
	Firmware   OTAFirmware    `json:"firmware"`
	WebSocket  OTAWebSocket   `json:"websocket"`
	Activation *OTAActivation `json:"activation,omitempty"`
}

type OTAServerTime struct {
	Timestamp int64 `json:"timestamp"`
	Offset    int   `json:"timezone_offset"`
}

type OTAFirmware struct {
	Version string `json:"version"`
	URL     string `json:"url,omitempty"`
}

type OTAWebSocket struct {
	URL string `json:"url"`
}

// OTAActivation carries the server-issued challenge the device signs
// when requesting a token.
type OTAActivation struct {
	Challenge string `json:"challenge"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// UploadResponse acknowledges a stored recording.
type UploadResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// KnowledgeRequest creates or updates a knowledge entry.
type KnowledgeRequest struct {
	ID      string         `json:"id,omitempty"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Tags    []string       `json:"tags,omitempty"`
	Meta    map[string]any `json:"metadata,omitempty"`
}

// KnowledgeListResponse wraps recent entries.
type KnowledgeListResponse struct {
	Entries []entities.KnowledgeEntry `json:"entries"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

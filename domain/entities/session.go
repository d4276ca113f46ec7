package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// AudioParams holds the audio parameters negotiated during the hello
// handshake. They are immutable for the lifetime of the connection.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Session represents one live device connection. It is owned by the
// websocket registry; other components reference it by ID only.
type Session struct {
	ID              uuid.UUID   `json:"id" bson:"_id"`
	DeviceID        string      `json:"device_id" bson:"device_id"`
	ClientID        string      `json:"client_id" bson:"client_id"`
	ProtocolVersion int         `json:"protocol_version" bson:"protocol_version"`
	AudioParams     AudioParams `json:"audio_params" bson:"audio_params"`

	// ResponseFormat is the format the device wants synthesized replies
	// in ("opus" or "mp3"). Empty means use the server default.
	ResponseFormat string `json:"response_format,omitempty" bson:"response_format,omitempty"`

	CreatedAt      time.Time `json:"created_at" bson:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at" bson:"last_activity_at"`
}

// NewSession creates a session for a freshly negotiated connection.
func NewSession(deviceID, clientID string, version int, params AudioParams, responseFormat string) *Session {
	now := time.Now()
	return &Session{
		ID:              uuid.New(),
		DeviceID:        deviceID,
		ClientID:        clientID,
		ProtocolVersion: version,
		AudioParams:     params,
		ResponseFormat:  responseFormat,
		CreatedAt:       now,
		LastActivityAt:  now,
	}
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}

// Validate validates the session data.
func (s *Session) Validate() error {
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if s.AudioParams.SampleRate <= 0 {
		return errors.New("sample_rate must be positive")
	}
	if s.AudioParams.Channels <= 0 {
		return errors.New("channels must be positive")
	}
	return nil
}

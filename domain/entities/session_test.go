package entities

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func validParams() AudioParams {
	return AudioParams{Format: "opus", SampleRate: 24000, Channels: 1, FrameDuration: 20}
}

func TestNewSession(t *testing.T) {
	session := NewSession("device-123", "websocket", 3, validParams(), "opus")

	if session.ID == uuid.Nil {
		t.Error("expected generated session id")
	}
	if session.DeviceID != "device-123" {
		t.Errorf("DeviceID = %q, want device-123", session.DeviceID)
	}
	if session.ProtocolVersion != 3 {
		t.Errorf("ProtocolVersion = %d, want 3", session.ProtocolVersion)
	}
	if session.ResponseFormat != "opus" {
		t.Errorf("ResponseFormat = %q, want opus", session.ResponseFormat)
	}
	if session.CreatedAt.IsZero() || session.LastActivityAt.IsZero() {
		t.Error("timestamps not set")
	}
	if err := session.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSessionTouch(t *testing.T) {
	session := NewSession("device-123", "websocket", 3, validParams(), "")
	before := session.LastActivityAt

	time.Sleep(time.Millisecond)
	session.Touch()

	if !session.LastActivityAt.After(before) {
		t.Error("Touch did not advance LastActivityAt")
	}
}

func TestSessionValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		wantErr bool
	}{
		{"valid", func(*Session) {}, false},
		{"missing device", func(s *Session) { s.DeviceID = "" }, true},
		{"zero sample rate", func(s *Session) { s.AudioParams.SampleRate = 0 }, true},
		{"zero channels", func(s *Session) { s.AudioParams.Channels = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := NewSession("device-123", "websocket", 3, validParams(), "")
			tt.mutate(session)
			if err := session.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Device represents a registered edge device.
type Device struct {
	ID           string    `json:"id" db:"id"`
	SerialNumber string    `json:"serial_number" db:"serial_number"`
	Model        string    `json:"model" db:"model"`
	Firmware     string    `json:"firmware" db:"firmware"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// KnowledgeEntry is one row of operator-supplied context that gets
// prepended to conversations.
type KnowledgeEntry struct {
	ID        uuid.UUID      `json:"id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SessionMessage is one logged utterance or reply within a session.
type SessionMessage struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Role      string    `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Emotion   string    `json:"emotion,omitempty" bson:"emotion,omitempty"`
}

func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	return nil
}

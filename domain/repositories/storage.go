package repositories

import (
	"context"

	"github.com/google/uuid"

	"github.com/kanari-ai/kanari-server/domain/entities"
)

// SessionStore persists session lifecycle and message logs. The concrete
// backend is selected at startup; the protocol engine only ever sees this
// interface. Every call is fallible and must be treated as recoverable.
type SessionStore interface {
	CreateSession(ctx context.Context, session *entities.Session) error
	UpdateSession(ctx context.Context, session *entities.Session) error
	AppendMessage(ctx context.Context, sessionID uuid.UUID, message entities.SessionMessage) error
	CloseSession(ctx context.Context, sessionID uuid.UUID) error
}

// KnowledgeStore serves operator-curated context entries.
type KnowledgeStore interface {
	// ListRecent returns up to limit entries, most recently updated first.
	ListRecent(ctx context.Context, limit int) ([]entities.KnowledgeEntry, error)
}

// DeviceRepository defines data access methods for devices.
type DeviceRepository interface {
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
	ValidateDevice(serialNumber, secret string) (*entities.Device, error)
}

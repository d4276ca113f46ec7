package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// SessionStore persists sessions and their message logs in MongoDB.
// Messages are embedded in the session document; session volumes are
// short-lived conversations, not unbounded streams.
type SessionStore struct {
	collection *mongo.Collection
}

var _ repositories.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a MongoDB-backed session store.
func NewSessionStore(db *mongo.Database) *SessionStore {
	return &SessionStore{
		collection: db.Collection("sessions"),
	}
}

// CreateSession inserts the session document.
func (s *SessionStore) CreateSession(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	doc := bson.M{
		"_id":              session.ID.String(),
		"device_id":        session.DeviceID,
		"client_id":        session.ClientID,
		"protocol_version": session.ProtocolVersion,
		"audio_params":     session.AudioParams,
		"response_format":  session.ResponseFormat,
		"created_at":       session.CreatedAt,
		"last_activity_at": session.LastActivityAt,
		"messages":         []entities.SessionMessage{},
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSession refreshes the mutable session fields.
func (s *SessionStore) UpdateSession(ctx context.Context, session *entities.Session) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	update := bson.M{
		"$set": bson.M{
			"last_activity_at": session.LastActivityAt,
			"response_format":  session.ResponseFormat,
		},
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": session.ID.String()}, update)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s not found", session.ID)
	}
	return nil
}

// AppendMessage pushes one message onto the session log.
func (s *SessionStore) AppendMessage(ctx context.Context, sessionID uuid.UUID, message entities.SessionMessage) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	update := bson.M{
		"$push": bson.M{"messages": message},
		"$set":  bson.M{"last_activity_at": message.Timestamp},
	}

	result, err := s.collection.UpdateOne(ctx, bson.M{"_id": sessionID.String()}, update)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// CloseSession stamps the session as ended. Closing an unknown session
// is not an error; teardown paths may race with expiry.
func (s *SessionStore) CloseSession(ctx context.Context, sessionID uuid.UUID) error {
	update := bson.M{
		"$set": bson.M{"closed_at": time.Now()},
	}

	if _, err := s.collection.UpdateOne(ctx, bson.M{"_id": sessionID.String()}, update); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	ws "github.com/kanari-ai/kanari-server/internal/websocket"
)

const (
	subjectSessionNotify = "kanari.session.notify"
	subjectBroadcast     = "kanari.broadcast"
	subjectSessionEvents = "kanari.session.events"
)

// notifyPayload is the message operators publish to reach one session.
type notifyPayload struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

// Bridge connects the hub to a NATS bus so out-of-process services can
// push notices into live sessions and observe session lifecycle.
type Bridge struct {
	conn   *nats.Conn
	hub    *ws.Hub
	subs   []*nats.Subscription
	logger *zap.Logger
}

// Connect dials NATS and wires the inbound subscriptions.
func Connect(url string, hub *ws.Hub, logger *zap.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("kanari-server"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	b := &Bridge{conn: conn, hub: hub, logger: logger}

	sub, err := conn.Subscribe(subjectSessionNotify, b.handleNotify)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", subjectSessionNotify, err)
	}
	b.subs = append(b.subs, sub)

	sub, err = conn.Subscribe(subjectBroadcast, b.handleBroadcast)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", subjectBroadcast, err)
	}
	b.subs = append(b.subs, sub)

	logger.Info("connected to NATS", zap.String("url", url))
	return b, nil
}

func (b *Bridge) handleNotify(msg *nats.Msg) {
	var payload notifyPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		b.logger.Warn("malformed notify payload", zap.Error(err))
		return
	}
	sessionID, err := uuid.Parse(payload.SessionID)
	if err != nil {
		b.logger.Warn("notify with invalid session id", zap.String("sessionID", payload.SessionID))
		return
	}
	if !b.hub.Notify(sessionID, payload.Command) {
		b.logger.Debug("notify for unknown session", zap.String("sessionID", payload.SessionID))
	}
}

func (b *Bridge) handleBroadcast(msg *nats.Msg) {
	command := string(msg.Data)
	if command == "" {
		return
	}
	b.hub.Broadcast(command)
}

// PublishSessionEvent emits a session lifecycle event. Publish failures
// are logged, never surfaced; the bus is an observer, not a dependency.
func (b *Bridge) PublishSessionEvent(event string, sessionID uuid.UUID, deviceID string) {
	payload, err := json.Marshal(map[string]string{
		"event":      event,
		"session_id": sessionID.String(),
		"device_id":  deviceID,
		"at":         time.Now().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := b.conn.Publish(subjectSessionEvents, payload); err != nil {
		b.logger.Warn("failed to publish session event", zap.Error(err))
	}
}

// Healthy reports whether the NATS connection is up.
func (b *Bridge) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	if b == nil {
		return
	}
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.conn.Drain()
	b.conn.Close()
}

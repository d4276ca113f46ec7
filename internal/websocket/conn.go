package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/audio"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio payloads

	// protocolVersion is the version advertised in the hello response.
	protocolVersion = 3

	// turnQueueSize bounds pending turns per connection. Turns run
	// strictly sequentially; anything past this is dropped with a log.
	turnQueueSize = 8

	// finalTurnTimeout bounds the best-effort transcription attempt on
	// the audio force-flushed at teardown.
	finalTurnTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Devices connect from their own firmware, not browsers.
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// EventSink receives session lifecycle notifications, e.g. for
// publication on an external event bus.
type EventSink func(event string, sessionID uuid.UUID, deviceID string)

// Hub owns the shared per-process state every connection needs: the
// session registry, the turn orchestrator and the live client map used
// to push server-initiated notices.
type Hub struct {
	registry     *Registry
	orchestrator *Orchestrator
	store        repositories.SessionStore
	logger       *zap.Logger
	eventSink    EventSink

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

// NewHub creates a hub around an already-wired orchestrator.
func NewHub(registry *Registry, orchestrator *Orchestrator, store repositories.SessionStore, logger *zap.Logger) *Hub {
	return &Hub{
		registry:     registry,
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
		clients:      make(map[uuid.UUID]*Client),
	}
}

// SetEventSink installs the lifecycle sink. Call before serving
// connections.
func (h *Hub) SetEventSink(sink EventSink) {
	h.eventSink = sink
}

func (h *Hub) emit(event string, c *Client) {
	if h.eventSink != nil {
		h.eventSink(event, c.sessionID, c.deviceID)
	}
}

// Registry exposes the hub's session registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Notify pushes a system notice to one live session. Returns false if
// the session is not connected.
func (h *Hub) Notify(sessionID uuid.UUID, command string) bool {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return client.SendJSON(&SystemMessage{Type: MessageTypeSystem, SessionID: sessionID.String(), Command: command})
}

// Broadcast pushes a system notice to every live session.
func (h *Hub) Broadcast(command string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()
	for _, client := range clients {
		client.SendJSON(&SystemMessage{Type: MessageTypeSystem, SessionID: client.sessionID.String(), Command: command})
	}
}

func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	h.clients[c.sessionID] = c
	h.mu.Unlock()
}

func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.sessionID)
	h.mu.Unlock()
}

// WriteData is one outbound websocket message.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage.
	Type    int
	Payload []byte
}

// Client is the per-connection protocol task. It owns the connection's
// transcoder exclusively and moves through AwaitingHandshake -> Active
// -> Closing.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages, drained by writePump. The
	// channel is never closed; quit tells writePump to send the close
	// frame and exit, and writeDone confirms it has.
	send      chan WriteData
	quit      chan struct{}
	writeDone chan struct{}

	deviceID string
	// logger is owned by the read goroutine and re-enriched after the
	// handshake; writePump must use writeLogger, which is never
	// reassigned.
	logger      *zap.Logger
	writeLogger *zap.Logger

	// Set once by the handshake, read-only afterwards.
	sessionID  uuid.UUID
	transcoder *audio.Transcoder

	// closing is only touched from the read goroutine.
	closing bool
	aborted atomic.Bool

	// turns serializes conversational turns for this connection.
	turns     chan func(context.Context)
	turnsDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// HandleWebSocket upgrades the request and runs the connection under
// the given pre-authenticated device id.
func (h *Hub) HandleWebSocket(c echo.Context, deviceID string) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := h.logger.With(zap.String("deviceID", deviceID))
	client := &Client{
		hub:         h,
		conn:        conn,
		send:        make(chan WriteData, 256),
		quit:        make(chan struct{}),
		writeDone:   make(chan struct{}),
		deviceID:    deviceID,
		logger:      logger,
		writeLogger: logger,
		turns:       make(chan func(context.Context), turnQueueSize),
		turnsDone:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	go client.writePump()
	go client.turnLoop()
	go client.readPump()

	return nil
}

// readPump drives the protocol state machine for one connection.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if !c.awaitHello() {
		return
	}

	for !c.closing {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processText(message)
		case websocket.BinaryMessage:
			c.processAudioFrame(message)
		default:
			c.logger.Warn("unknown websocket message type", zap.Int("type", messageType))
		}
	}
}

// awaitHello is the AwaitingHandshake state: only a hello message is
// accepted; anything else is logged and discarded. Returns false when
// the socket closed before a session was created.
func (c *Client) awaitHello() bool {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Info("connection closed before handshake")
			return false
		}
		if messageType != websocket.TextMessage {
			c.logger.Warn("non-text frame before handshake discarded", zap.Int("type", messageType))
			continue
		}

		msg, err := DecodeMessage(message)
		if err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			continue
		}
		if msg.Type != MessageTypeHello {
			c.logger.Warn("message before handshake discarded", zap.String("type", string(msg.Type)))
			continue
		}
		return c.completeHandshake(msg.Hello)
	}
}

// completeHandshake negotiates audio parameters, allocates the session
// and transcoder, and acknowledges.
func (c *Client) completeHandshake(hello *HelloMessage) bool {
	params := entities.AudioParams{
		Format:        "opus",
		SampleRate:    48000,
		Channels:      1,
		FrameDuration: audio.FrameDurationMs,
	}
	if hello.AudioParams != nil {
		if hello.AudioParams.Format != "" {
			params.Format = hello.AudioParams.Format
		}
		if hello.AudioParams.SampleRate > 0 {
			params.SampleRate = hello.AudioParams.SampleRate
		}
		if hello.AudioParams.Channels > 0 {
			params.Channels = hello.AudioParams.Channels
		}
		if hello.AudioParams.FrameDuration > 0 {
			params.FrameDuration = hello.AudioParams.FrameDuration
		}
	}
	// The internal coder chain runs at one fixed rate, so a compressed
	// format overrides whatever the client proposed.
	if params.Format == "opus" {
		params.SampleRate = audio.CodecSampleRate
		params.Channels = audio.Channels
	}

	version := hello.Version
	if version == 0 {
		version = protocolVersion
	}

	c.sessionID = c.hub.registry.CreateSession(c.deviceID, "websocket", version, params, hello.AudioFormat)
	c.logger = c.logger.With(zap.String("sessionID", c.sessionID.String()))

	if params.Format == "opus" {
		transcoder, err := audio.NewTranscoder()
		if err != nil {
			// Decodable audio becomes impossible but raw pass-through
			// to transcription still works, so the connection lives on.
			c.logger.Error("failed to create transcoder", zap.Error(err))
		} else {
			c.transcoder = transcoder
		}
	}

	if c.hub.store != nil {
		if session, ok := c.hub.registry.GetSession(c.sessionID); ok {
			if err := c.hub.store.CreateSession(c.ctx, &session); err != nil {
				c.logger.Error("failed to persist session", zap.Error(err))
			}
		}
	}

	c.hub.registerClient(c)
	c.hub.emit("session.created", c)

	ack := &HelloMessage{
		Type:      MessageTypeHello,
		Version:   protocolVersion,
		Transport: "websocket",
		Features:  &Features{AEC: true, MCP: true},
		AudioParams: &AudioParams{
			Format:        params.Format,
			SampleRate:    params.SampleRate,
			Channels:      params.Channels,
			FrameDuration: params.FrameDuration,
		},
		SessionID:   c.sessionID.String(),
		AudioFormat: hello.AudioFormat,
	}
	if !c.SendJSON(ack) {
		c.logger.Error("failed to send hello response")
		return false
	}

	c.logger.Info("session created",
		zap.String("format", params.Format),
		zap.Int("sampleRate", params.SampleRate),
		zap.Int("channels", params.Channels))
	return true
}

// processText decodes and dispatches one text frame. Unparseable text
// is logged and the loop continues.
func (c *Client) processText(message []byte) {
	msg, err := DecodeMessage(message)
	if err != nil {
		c.logger.Error("failed to parse message", zap.Error(err))
		return
	}
	c.hub.registry.Touch(c.sessionID)
	Dispatch(c, msg)
}

// processAudioFrame handles one binary frame: one encoded audio unit.
// A decode failure is never fatal; the raw bytes are forwarded to the
// transcription collaborator instead, which tolerates container formats
// the local decoder does not understand.
func (c *Client) processAudioFrame(data []byte) {
	c.hub.registry.Touch(c.sessionID)

	if c.transcoder == nil {
		c.enqueueTurn(func(ctx context.Context) {
			c.hub.orchestrator.RunRawAudioTurn(ctx, c, c.sessionID, data)
		})
		return
	}

	samples, err := c.transcoder.Decode(data)
	if err != nil {
		c.logger.Warn("audio frame decode failed, forwarding raw bytes",
			zap.Int("bytes", len(data)),
			zap.Error(err))
		c.enqueueTurn(func(ctx context.Context) {
			c.hub.orchestrator.RunRawAudioTurn(ctx, c, c.sessionID, data)
		})
		return
	}

	if ready := c.hub.registry.AddAudioSamples(c.sessionID, samples, audio.DeviceSampleRate); !ready {
		return
	}
	buffered, sampleRate, ok := c.hub.registry.TakeAudioSamples(c.sessionID)
	if !ok {
		return
	}
	c.enqueueTurn(func(ctx context.Context) {
		c.hub.orchestrator.RunAudioTurn(ctx, c, c.sessionID, buffered, sampleRate)
	})
}

// HandleHello rejects a repeated handshake.
func (c *Client) HandleHello(*HelloMessage) {
	c.logger.Warn("hello received after handshake")
}

// HandleListen reacts to listening control. A start with inline text
// runs a full turn directly.
func (c *Client) HandleListen(msg *ListenMessage) {
	c.logger.Info("listen control",
		zap.String("state", msg.State),
		zap.String("mode", msg.Mode))
	if msg.State == "start" && strings.TrimSpace(msg.Text) != "" {
		text := msg.Text
		c.enqueueTurn(func(ctx context.Context) {
			c.hub.orchestrator.RunTranscriptTurn(ctx, c, c.sessionID, text)
		})
	}
}

// HandleTranscript runs a full turn on client-supplied recognized text.
func (c *Client) HandleTranscript(msg *TranscriptMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		c.logger.Warn("transcript message without text")
		return
	}
	text := msg.Text
	c.enqueueTurn(func(ctx context.Context) {
		c.hub.orchestrator.RunTranscriptTurn(ctx, c, c.sessionID, text)
	})
}

// HandleSynthesis synthesizes the supplied text without a model round
// trip.
func (c *Client) HandleSynthesis(msg *SynthesisMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	text := msg.Text
	c.enqueueTurn(func(ctx context.Context) {
		c.hub.orchestrator.RunSynthesisTurn(ctx, c, c.sessionID, text)
	})
}

// HandleReply runs a text-only model turn.
func (c *Client) HandleReply(msg *ReplyMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	text := msg.Text
	c.enqueueTurn(func(ctx context.Context) {
		c.hub.orchestrator.RunReplyTurn(ctx, c, c.sessionID, text)
	})
}

// HandleToolCall delegates the JSON-RPC payload to the dispatcher.
func (c *Client) HandleToolCall(msg *ToolCallMessage) {
	payload := msg.Payload
	c.enqueueTurn(func(ctx context.Context) {
		c.hub.orchestrator.RunToolTurn(ctx, c, c.sessionID, payload)
	})
}

// HandleSystem logs the command; system frames are informational.
func (c *Client) HandleSystem(msg *SystemMessage) {
	c.logger.Info("system command", zap.String("command", msg.Command))
}

// HandleAbort ends the processing loop. In-flight collaborator calls
// finish on their own, but no further turn output is sent.
func (c *Client) HandleAbort(msg *AbortMessage) {
	c.logger.Info("abort received", zap.String("reason", msg.Reason))
	c.aborted.Store(true)
	c.closing = true
}

// HandleGoodbye closes the session cleanly.
func (c *Client) HandleGoodbye(*GoodbyeMessage) {
	c.logger.Info("goodbye received")
	c.closing = true
}

// enqueueTurn queues a turn for sequential execution. Turns are never
// pipelined or interleaved within a connection.
func (c *Client) enqueueTurn(turn func(context.Context)) {
	select {
	case c.turns <- turn:
	default:
		c.logger.Warn("turn queue full, dropping turn")
	}
}

// turnLoop runs queued turns one at a time.
func (c *Client) turnLoop() {
	defer close(c.turnsDone)
	for turn := range c.turns {
		if c.aborted.Load() {
			continue
		}
		turn(c.ctx)
	}
}

// teardown is the Closing state: drain queued turns, force-flush
// buffered audio for one best-effort final transcription turn, then
// remove every trace of the session.
func (c *Client) teardown() {
	defer c.cancel()

	// turnLoop runs for the connection's whole lifetime, so the queue
	// must be drained even when the socket died mid-handshake.
	close(c.turns)
	<-c.turnsDone

	if c.sessionID == uuid.Nil {
		// Socket closed before a session was created.
		close(c.quit)
		c.conn.Close()
		return
	}

	// A short trailing utterance would otherwise be discarded. Errors
	// here are swallowed: the peer may already be gone.
	if samples, sampleRate, ok := c.hub.registry.TakeAudioSamplesForce(c.sessionID); ok && !c.aborted.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), finalTurnTimeout)
		c.hub.orchestrator.RunAudioTurn(ctx, c, c.sessionID, samples, sampleRate)
		cancel()
	}

	c.hub.unregisterClient(c)
	c.hub.registry.RemoveSession(c.sessionID)
	c.hub.emit("session.closed", c)

	if c.hub.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.hub.store.CloseSession(ctx, c.sessionID); err != nil {
			c.logger.Error("failed to persist session close", zap.Error(err))
		}
		cancel()
	}

	close(c.quit)
	c.conn.Close()
	c.logger.Info("session removed")
}

// writePump pumps outbound messages onto the websocket connection and
// keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				if isBenignCloseError(err) {
					c.writeLogger.Debug("peer closed during write", zap.Error(err))
				} else {
					c.writeLogger.Error("failed to write message", zap.Error(err))
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON marshals v and queues it as a text frame. Returns false when
// the transport is gone, which abandons the current turn.
func (c *Client) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		// May run on the turn or notify goroutines, which must not
		// observe the handshake's logger reassignment.
		c.writeLogger.Error("failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueueWrite(websocket.TextMessage, data)
}

// SendBinary queues one binary frame.
func (c *Client) SendBinary(data []byte) bool {
	return c.enqueueWrite(websocket.BinaryMessage, data)
}

// Aborted reports whether the peer aborted the connection.
func (c *Client) Aborted() bool {
	return c.aborted.Load()
}

func (c *Client) enqueueWrite(messageType int, payload []byte) bool {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
		return true
	case <-c.writeDone:
		return false
	}
}

// isBenignCloseError reports whether a send failure was caused by the
// peer having already closed the connection, which is not worth more
// than a debug line.
func isBenignCloseError(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

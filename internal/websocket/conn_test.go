package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/internal/audio"
)

// newHandshakeClient builds a client that is wired to a hub but not to
// a live socket; the outbound channel stands in for the transport.
func newHandshakeClient(t *testing.T) (*Client, *Hub) {
	t.Helper()
	logger := zap.NewNop()
	registry := NewRegistry()
	orchestrator := NewOrchestrator(registry, &fakeLLM{reply: "x"}, &fakeSTT{}, &fakeTTS{}, nil, nil, nil, logger)
	hub := NewHub(registry, orchestrator, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Client{
		hub:         hub,
		send:        make(chan WriteData, 16),
		quit:        make(chan struct{}),
		writeDone:   make(chan struct{}),
		deviceID:    "device-1",
		logger:      logger,
		writeLogger: logger,
		turns:       make(chan func(context.Context), turnQueueSize),
		turnsDone:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, hub
}

func takeHelloAck(t *testing.T, c *Client) *HelloMessage {
	t.Helper()
	select {
	case data := <-c.send:
		if data.Type != websocket.TextMessage {
			t.Fatalf("ack frame type = %d, want text", data.Type)
		}
		var ack HelloMessage
		if err := json.Unmarshal(data.Payload, &ack); err != nil {
			t.Fatalf("invalid ack: %v", err)
		}
		return &ack
	default:
		t.Fatal("no ack sent")
		return nil
	}
}

func TestCompleteHandshake_OpusForcesCanonicalRate(t *testing.T) {
	client, hub := newHandshakeClient(t)

	ok := client.completeHandshake(&HelloMessage{
		Type:    MessageTypeHello,
		Version: 3,
		AudioParams: &AudioParams{
			Format:     "opus",
			SampleRate: 48000,
			Channels:   2,
		},
	})
	if !ok {
		t.Fatal("handshake failed")
	}

	ack := takeHelloAck(t, client)
	if ack.AudioParams.SampleRate != audio.CodecSampleRate {
		t.Errorf("ack sample rate = %d, want %d", ack.AudioParams.SampleRate, audio.CodecSampleRate)
	}
	if ack.AudioParams.Channels != audio.Channels {
		t.Errorf("ack channels = %d, want %d", ack.AudioParams.Channels, audio.Channels)
	}
	if ack.SessionID == "" {
		t.Error("ack has no session id")
	}
	if ack.Features == nil || !ack.Features.MCP || !ack.Features.AEC {
		t.Error("ack features incomplete")
	}

	session, found := hub.registry.GetSession(client.sessionID)
	if !found {
		t.Fatal("session not registered")
	}
	if session.AudioParams.SampleRate != audio.CodecSampleRate {
		t.Errorf("registry sample rate = %d, want %d", session.AudioParams.SampleRate, audio.CodecSampleRate)
	}
	if client.transcoder == nil {
		t.Error("no transcoder for opus session")
	}
}

func TestCompleteHandshake_DefaultsWithoutParams(t *testing.T) {
	client, _ := newHandshakeClient(t)

	if ok := client.completeHandshake(&HelloMessage{Type: MessageTypeHello}); !ok {
		t.Fatal("handshake failed")
	}

	ack := takeHelloAck(t, client)
	if ack.Version != protocolVersion {
		t.Errorf("ack version = %d, want %d", ack.Version, protocolVersion)
	}
	if ack.AudioParams.Format != "opus" {
		t.Errorf("default format = %q, want opus", ack.AudioParams.Format)
	}
	if ack.AudioParams.FrameDuration != audio.FrameDurationMs {
		t.Errorf("frame duration = %d, want %d", ack.AudioParams.FrameDuration, audio.FrameDurationMs)
	}
	if ack.Transport != "websocket" {
		t.Errorf("transport = %q, want websocket", ack.Transport)
	}
}

func TestCompleteHandshake_PCMPassthrough(t *testing.T) {
	client, hub := newHandshakeClient(t)

	ok := client.completeHandshake(&HelloMessage{
		Type: MessageTypeHello,
		AudioParams: &AudioParams{
			Format:     "pcm",
			SampleRate: 16000,
			Channels:   1,
		},
	})
	if !ok {
		t.Fatal("handshake failed")
	}

	ack := takeHelloAck(t, client)
	if ack.AudioParams.Format != "pcm" || ack.AudioParams.SampleRate != 16000 {
		t.Errorf("ack params = %+v, want pcm/16000 passthrough", ack.AudioParams)
	}
	if client.transcoder != nil {
		t.Error("transcoder created for uncompressed session")
	}

	session, _ := hub.registry.GetSession(client.sessionID)
	if session.AudioParams.Format != "pcm" {
		t.Errorf("registry format = %q, want pcm", session.AudioParams.Format)
	}
}

func TestHubNotify(t *testing.T) {
	client, hub := newHandshakeClient(t)
	if ok := client.completeHandshake(&HelloMessage{Type: MessageTypeHello}); !ok {
		t.Fatal("handshake failed")
	}
	takeHelloAck(t, client)

	if !hub.Notify(client.sessionID, "maintenance at noon") {
		t.Fatal("notify failed for live session")
	}

	select {
	case data := <-client.send:
		var msg SystemMessage
		if err := json.Unmarshal(data.Payload, &msg); err != nil {
			t.Fatalf("invalid system message: %v", err)
		}
		if msg.Command != "maintenance at noon" {
			t.Errorf("command = %q", msg.Command)
		}
	default:
		t.Fatal("no notice delivered")
	}

	hub.unregisterClient(client)
	if hub.Notify(client.sessionID, "again") {
		t.Error("notify succeeded for unregistered session")
	}
}

func TestTurnLoop_SkipsAfterAbort(t *testing.T) {
	client, _ := newHandshakeClient(t)

	ran := make([]int, 0, 3)
	done := make(chan struct{})

	client.enqueueTurn(func(context.Context) { ran = append(ran, 1) })
	client.enqueueTurn(func(context.Context) {
		ran = append(ran, 2)
		client.aborted.Store(true)
	})
	client.enqueueTurn(func(context.Context) { ran = append(ran, 3) })

	go func() {
		client.turnLoop()
		close(done)
	}()
	close(client.turns)
	<-done

	if len(ran) != 2 || ran[0] != 1 || ran[1] != 2 {
		t.Errorf("ran = %v, want [1 2]", ran)
	}
}

// newServerConn upgrades a loopback connection and returns the server
// side, for tests that need a real socket behind a Client.
func newServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	upgraded := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgraded <- conn
	}))
	t.Cleanup(srv.Close)

	dialed, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialed.Close() })

	select {
	case conn := <-upgraded:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade did not complete")
		return nil
	}
}

// A session can be created and then orphaned when the ack cannot be
// delivered because the write side already died. Teardown must still
// finish and remove the session.
func TestTeardown_AfterUndeliverableHandshakeAck(t *testing.T) {
	logger := zap.NewNop()
	registry := NewRegistry()
	orchestrator := NewOrchestrator(registry, &fakeLLM{reply: "x"}, &fakeSTT{}, &fakeTTS{}, nil, nil, nil, logger)
	hub := NewHub(registry, orchestrator, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &Client{
		hub:         hub,
		conn:        newServerConn(t),
		send:        make(chan WriteData),
		quit:        make(chan struct{}),
		writeDone:   make(chan struct{}),
		deviceID:    "device-1",
		logger:      logger,
		writeLogger: logger,
		turns:       make(chan func(context.Context), turnQueueSize),
		turnsDone:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	// Write side already gone, as after a failed keepalive.
	close(c.writeDone)
	go c.turnLoop()

	if ok := c.completeHandshake(&HelloMessage{Type: MessageTypeHello}); ok {
		t.Fatal("handshake succeeded without a transport")
	}
	if registry.Len() != 1 {
		t.Fatalf("sessions = %d before teardown, want 1", registry.Len())
	}

	done := make(chan struct{})
	go func() {
		c.teardown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not complete")
	}

	if registry.Len() != 0 {
		t.Errorf("sessions = %d after teardown, want 0", registry.Len())
	}
	if hub.Notify(c.sessionID, "x") {
		t.Error("client still registered after teardown")
	}
}

func TestHandleWebSocket_SessionLifecycle(t *testing.T) {
	logger := zap.NewNop()
	registry := NewRegistry()
	orchestrator := NewOrchestrator(registry, &fakeLLM{reply: "x"}, &fakeSTT{}, &fakeTTS{}, nil, nil, nil, logger)
	orchestrator.SetFrameDelay(0)
	hub := NewHub(registry, orchestrator, nil, logger)

	e := echo.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(e.NewContext(r, w), "device-1")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	hello := &HelloMessage{
		Type:    MessageTypeHello,
		Version: 3,
		AudioParams: &AudioParams{
			Format:     "pcm",
			SampleRate: 16000,
			Channels:   1,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	var ack HelloMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != MessageTypeHello || ack.SessionID == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if registry.Len() != 1 {
		t.Fatalf("sessions = %d after handshake, want 1", registry.Len())
	}

	if err := conn.WriteJSON(&GoodbyeMessage{Type: MessageTypeGoodbye, SessionID: ack.SessionID}); err != nil {
		t.Fatalf("write goodbye: %v", err)
	}

	// The server sends a close frame and drops the socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after goodbye")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

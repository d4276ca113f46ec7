package websocket

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the tagged union carried by text frames.
type MessageType string

// Wire message types. The set is closed: DecodeMessage rejects anything
// else, and Dispatch covers every member.
const (
	MessageTypeHello      MessageType = "hello"
	MessageTypeListen     MessageType = "listen"
	MessageTypeTranscript MessageType = "stt"
	MessageTypeSynthesis  MessageType = "tts"
	MessageTypeReply      MessageType = "llm"
	MessageTypeToolCall   MessageType = "mcp"
	MessageTypeSystem     MessageType = "system"
	MessageTypeAbort      MessageType = "abort"
	MessageTypeGoodbye    MessageType = "goodbye"
)

// Features carries the capability flags exchanged during the handshake.
type Features struct {
	AEC bool `json:"aec"`
	MCP bool `json:"mcp"`
}

// AudioParams are the audio parameters proposed by the client and echoed
// back, possibly adjusted, in the hello response.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// HelloMessage opens and acknowledges the handshake.
type HelloMessage struct {
	Type        MessageType  `json:"type"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	Features    *Features    `json:"features,omitempty"`
	AudioParams *AudioParams `json:"audio_params,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	AudioFormat string       `json:"audio_format,omitempty"`
}

// ListenMessage controls the listening state of a session.
// State is one of "start", "stop", "detect"; Mode is one of "manual",
// "auto", "realtime".
type ListenMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Mode      string      `json:"mode,omitempty"`
	Text      string      `json:"text,omitempty"`
}

// TranscriptMessage carries recognized text, either supplied directly by
// the client or produced by the transcription collaborator.
type TranscriptMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// SynthesisMessage frames synthesized speech playback. State is one of
// "start", "stop", "sentence_start".
type SynthesisMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Text      string      `json:"text,omitempty"`
}

// ReplyMessage carries the language model's reply with an optional
// coarse emotion tag.
type ReplyMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Emotion   string      `json:"emotion,omitempty"`
	Text      string      `json:"text,omitempty"`
}

// ToolCallMessage wraps a JSON-RPC 2.0 shaped payload.
type ToolCallMessage struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// SystemMessage carries free-text commands and diagnostics, including
// error notices reported to the peer.
type SystemMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Command   string      `json:"command"`
}

// AbortMessage ends the connection's processing loop.
type AbortMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// GoodbyeMessage closes the session cleanly.
type GoodbyeMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// Message is one decoded wire message. Exactly one variant pointer is
// non-nil, matching Type.
type Message struct {
	Type       MessageType
	Hello      *HelloMessage
	Listen     *ListenMessage
	Transcript *TranscriptMessage
	Synthesis  *SynthesisMessage
	Reply      *ReplyMessage
	ToolCall   *ToolCallMessage
	System     *SystemMessage
	Abort      *AbortMessage
	Goodbye    *GoodbyeMessage
}

// DecodeMessage parses a text frame into exactly one variant. A frame
// with a missing or unknown type is rejected as malformed.
func DecodeMessage(data []byte) (*Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}

	msg := &Message{Type: envelope.Type}
	var err error
	switch envelope.Type {
	case MessageTypeHello:
		msg.Hello = &HelloMessage{}
		err = json.Unmarshal(data, msg.Hello)
	case MessageTypeListen:
		msg.Listen = &ListenMessage{}
		err = json.Unmarshal(data, msg.Listen)
	case MessageTypeTranscript:
		msg.Transcript = &TranscriptMessage{}
		err = json.Unmarshal(data, msg.Transcript)
	case MessageTypeSynthesis:
		msg.Synthesis = &SynthesisMessage{}
		err = json.Unmarshal(data, msg.Synthesis)
	case MessageTypeReply:
		msg.Reply = &ReplyMessage{}
		err = json.Unmarshal(data, msg.Reply)
	case MessageTypeToolCall:
		msg.ToolCall = &ToolCallMessage{}
		err = json.Unmarshal(data, msg.ToolCall)
	case MessageTypeSystem:
		msg.System = &SystemMessage{}
		err = json.Unmarshal(data, msg.System)
	case MessageTypeAbort:
		msg.Abort = &AbortMessage{}
		err = json.Unmarshal(data, msg.Abort)
	case MessageTypeGoodbye:
		msg.Goodbye = &GoodbyeMessage{}
		err = json.Unmarshal(data, msg.Goodbye)
	default:
		return nil, fmt.Errorf("unknown message type %q", envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", envelope.Type, err)
	}
	return msg, nil
}

// MessageHandler receives decoded messages from the active dispatch
// loop. One method per wire variant: adding a message type without
// handling it everywhere is a compile error, not a silent drop.
type MessageHandler interface {
	HandleHello(*HelloMessage)
	HandleListen(*ListenMessage)
	HandleTranscript(*TranscriptMessage)
	HandleSynthesis(*SynthesisMessage)
	HandleReply(*ReplyMessage)
	HandleToolCall(*ToolCallMessage)
	HandleSystem(*SystemMessage)
	HandleAbort(*AbortMessage)
	HandleGoodbye(*GoodbyeMessage)
}

// Dispatch routes a decoded message to the matching handler method.
func Dispatch(h MessageHandler, msg *Message) {
	switch msg.Type {
	case MessageTypeHello:
		h.HandleHello(msg.Hello)
	case MessageTypeListen:
		h.HandleListen(msg.Listen)
	case MessageTypeTranscript:
		h.HandleTranscript(msg.Transcript)
	case MessageTypeSynthesis:
		h.HandleSynthesis(msg.Synthesis)
	case MessageTypeReply:
		h.HandleReply(msg.Reply)
	case MessageTypeToolCall:
		h.HandleToolCall(msg.ToolCall)
	case MessageTypeSystem:
		h.HandleSystem(msg.System)
	case MessageTypeAbort:
		h.HandleAbort(msg.Abort)
	case MessageTypeGoodbye:
		h.HandleGoodbye(msg.Goodbye)
	}
}

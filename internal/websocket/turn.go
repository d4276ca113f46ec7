package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
	"github.com/kanari-ai/kanari-server/internal/audio"
)

// fallbackReply is sent when the language model returns an empty or
// whitespace-only reply. A turn's reply is never sent empty.
const fallbackReply = "Sorry, I could not come up with an answer."

// defaultKnowledgeLimit is how many recent knowledge entries are
// prepended as system context before the user's utterance.
const defaultKnowledgeLimit = 3

// Sender is the slice of a connection the orchestrator needs: ordered
// outbound delivery plus the abort signal. Send methods report false
// when the message could not be handed to the transport, which abandons
// the remainder of the current turn.
type Sender interface {
	SendJSON(v any) bool
	SendBinary(data []byte) bool
	Aborted() bool
}

// Orchestrator executes conversational turns. Turns on one connection
// run strictly sequentially; the orchestrator itself is stateless and
// shared across connections.
type Orchestrator struct {
	registry   *Registry
	llm        repositories.LargeLanguageModel
	stt        repositories.SpeechToText
	tts        repositories.TextToSpeech
	knowledge  repositories.KnowledgeStore
	store      repositories.SessionStore
	tools      repositories.ToolDispatcher
	classifier EmotionClassifier
	logger     *zap.Logger

	knowledgeLimit int
	// frameDelay paces framed playback; one frame's duration apart so
	// the device buffer is never overrun.
	frameDelay time.Duration
}

// NewOrchestrator wires the orchestrator to its collaborators. A nil
// classifier falls back to the keyword heuristic; nil knowledge, store
// and tools are allowed and disable the corresponding step.
func NewOrchestrator(
	registry *Registry,
	llm repositories.LargeLanguageModel,
	stt repositories.SpeechToText,
	tts repositories.TextToSpeech,
	knowledge repositories.KnowledgeStore,
	store repositories.SessionStore,
	tools repositories.ToolDispatcher,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		registry:       registry,
		llm:            llm,
		stt:            stt,
		tts:            tts,
		knowledge:      knowledge,
		store:          store,
		tools:          tools,
		classifier:     KeywordClassifier{},
		logger:         logger,
		knowledgeLimit: defaultKnowledgeLimit,
		frameDelay:     audio.FrameDurationMs * time.Millisecond,
	}
}

// SetFrameDelay overrides the playback pacing interval. Zero disables
// pacing.
func (o *Orchestrator) SetFrameDelay(d time.Duration) {
	o.frameDelay = d
}

// SetClassifier swaps the emotion tagging policy.
func (o *Orchestrator) SetClassifier(c EmotionClassifier) {
	if c != nil {
		o.classifier = c
	}
}

// RunAudioTurn transcribes buffered PCM and, if anything was recognized,
// runs a full turn on the transcript.
func (o *Orchestrator) RunAudioTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, samples []int16, sampleRate int) {
	text, err := o.stt.TranscribePCM(ctx, samples, sampleRate, audio.Channels)
	if err != nil {
		o.reportError(sender, sessionID, "transcription failed", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		o.logger.Warn("empty transcription result",
			zap.String("sessionID", sessionID.String()),
			zap.Int("samples", len(samples)))
		return
	}
	o.RunTranscriptTurn(ctx, sender, sessionID, text)
}

// RunRawAudioTurn forwards an encoded payload the local decoder did not
// understand (e.g. a browser-produced container) straight to the
// transcription collaborator, then runs a full turn on the result.
func (o *Orchestrator) RunRawAudioTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, data []byte) {
	text, err := o.stt.TranscribeAudio(ctx, data)
	if err != nil {
		o.reportError(sender, sessionID, "transcription failed", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		o.logger.Warn("empty transcription result from raw audio",
			zap.String("sessionID", sessionID.String()),
			zap.Int("bytes", len(data)))
		return
	}
	o.RunTranscriptTurn(ctx, sender, sessionID, text)
}

// RunTranscriptTurn executes one complete turn for recognized or
// directly supplied text: transcript echo, knowledge-grounded reply,
// emotion tag, synthesis, paced playback.
func (o *Orchestrator) RunTranscriptTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, text string) {
	sid := sessionID.String()

	if !sender.SendJSON(&TranscriptMessage{Type: MessageTypeTranscript, SessionID: sid, Text: text}) {
		return
	}

	reply, ok := o.generateReply(ctx, sender, sessionID, text)
	if !ok {
		return
	}
	emotion := o.classifier.Classify(reply)

	if !sender.SendJSON(&ReplyMessage{Type: MessageTypeReply, SessionID: sid, Emotion: emotion, Text: reply}) {
		return
	}

	if !o.logMessages(ctx, sender, sessionID,
		entities.SessionMessage{Timestamp: time.Now(), Role: string(repositories.UserRole), Content: text},
		entities.SessionMessage{Timestamp: time.Now(), Role: string(repositories.AssistantRole), Content: reply, Emotion: emotion},
	) {
		return
	}

	o.synthesize(ctx, sender, sessionID, reply)
}

// RunReplyTurn generates a text-only reply without synthesis, for
// clients that drive playback themselves.
func (o *Orchestrator) RunReplyTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, text string) {
	reply, ok := o.generateReply(ctx, sender, sessionID, text)
	if !ok {
		return
	}
	sender.SendJSON(&ReplyMessage{
		Type:      MessageTypeReply,
		SessionID: sessionID.String(),
		Emotion:   o.classifier.Classify(reply),
		Text:      reply,
	})
}

// RunSynthesisTurn renders the given text to speech and streams it,
// without involving the language model.
func (o *Orchestrator) RunSynthesisTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, text string) {
	o.synthesize(ctx, sender, sessionID, text)
}

// RunToolTurn delegates a JSON-RPC payload to the tool dispatcher and
// wraps its response back into the session's reply channel.
func (o *Orchestrator) RunToolTurn(ctx context.Context, sender Sender, sessionID uuid.UUID, payload json.RawMessage) {
	if o.tools == nil {
		o.reportError(sender, sessionID, "tool calls not supported", nil)
		return
	}
	response, err := o.tools.Dispatch(ctx, payload)
	if err != nil {
		o.reportError(sender, sessionID, "tool call failed", err)
		return
	}
	if len(response) == 0 {
		// Notifications produce no response.
		return
	}
	sender.SendJSON(&ToolCallMessage{Type: MessageTypeToolCall, SessionID: sessionID.String(), Payload: response})
}

// generateReply assembles context and calls the language model. The
// returned reply is never empty: a whitespace-only model reply is
// replaced by the fallback phrase.
func (o *Orchestrator) generateReply(ctx context.Context, sender Sender, sessionID uuid.UUID, text string) (string, bool) {
	messages := make([]repositories.ChatMessage, 0, o.knowledgeLimit+1)

	if o.knowledge != nil {
		entries, err := o.knowledge.ListRecent(ctx, o.knowledgeLimit)
		if err != nil {
			o.reportError(sender, sessionID, "knowledge lookup failed", err)
			return "", false
		}
		for _, entry := range entries {
			messages = append(messages, repositories.ChatMessage{
				Role:    repositories.SystemRole,
				Content: entry.Title + ": " + entry.Content,
			})
		}
	}
	messages = append(messages, repositories.ChatMessage{Role: repositories.UserRole, Content: text})

	reply, err := o.llm.Chat(ctx, messages)
	if err != nil {
		o.reportError(sender, sessionID, "language model failed", err)
		return "", false
	}
	if strings.TrimSpace(reply) == "" {
		o.logger.Warn("language model returned empty reply, using fallback",
			zap.String("sessionID", sessionID.String()))
		reply = fallbackReply
	}
	return reply, true
}

// synthesize renders text and streams the result between start and stop
// control messages. Framed results are sent one binary message per
// frame, paced one frame duration apart; undivided results go out as a
// single binary message.
func (o *Orchestrator) synthesize(ctx context.Context, sender Sender, sessionID uuid.UUID, text string) {
	sid := sessionID.String()

	format := ""
	if session, ok := o.registry.GetSession(sessionID); ok {
		format = session.ResponseFormat
	}

	result, err := o.tts.Synthesize(ctx, text, format)
	if err != nil {
		o.reportError(sender, sessionID, "speech synthesis failed", err)
		return
	}

	if sender.Aborted() {
		return
	}
	if !sender.SendJSON(&SynthesisMessage{Type: MessageTypeSynthesis, SessionID: sid, State: "start", Text: text}) {
		return
	}

	if result.Framed() {
		for i, frame := range result.Frames {
			if sender.Aborted() {
				return
			}
			if !sender.SendBinary(frame) {
				return
			}
			if i < len(result.Frames)-1 {
				time.Sleep(o.frameDelay)
			}
		}
	} else if len(result.Raw) > 0 {
		if sender.Aborted() || !sender.SendBinary(result.Raw) {
			return
		}
	}

	if sender.Aborted() {
		return
	}
	sender.SendJSON(&SynthesisMessage{Type: MessageTypeSynthesis, SessionID: sid, State: "stop"})
}

// logMessages appends the turn's exchange to the persistent session
// log. A persistence failure is a collaborator failure: reported to the
// peer and the rest of the turn abandoned. The text reply has already
// been delivered by this point, so the user still hears back.
func (o *Orchestrator) logMessages(ctx context.Context, sender Sender, sessionID uuid.UUID, messages ...entities.SessionMessage) bool {
	if o.store == nil {
		return true
	}
	for _, message := range messages {
		if err := o.store.AppendMessage(ctx, sessionID, message); err != nil {
			o.reportError(sender, sessionID, "session persistence failed", err)
			return false
		}
	}
	return true
}

// reportError tells the peer a collaborator failed. The turn is
// abandoned; the connection survives.
func (o *Orchestrator) reportError(sender Sender, sessionID uuid.UUID, what string, err error) {
	if err != nil {
		o.logger.Error(what,
			zap.String("sessionID", sessionID.String()),
			zap.Error(err))
	} else {
		o.logger.Error(what, zap.String("sessionID", sessionID.String()))
	}
	command := "error: " + what
	if err != nil {
		command += ": " + err.Error()
	}
	sender.SendJSON(&SystemMessage{Type: MessageTypeSystem, SessionID: sessionID.String(), Command: command})
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kanari-ai/kanari-server/domain/entities"
	"github.com/kanari-ai/kanari-server/domain/repositories"
)

// fakeSender records everything a turn sends and can flip its abort
// flag after a fixed number of sends.
type fakeSender struct {
	jsons      []any
	binaries   [][]byte
	aborted    bool
	abortAfter int // abort once this many messages went out; 0 disables
	sent       int
}

func (s *fakeSender) SendJSON(v any) bool {
	s.jsons = append(s.jsons, v)
	s.bump()
	return true
}

func (s *fakeSender) SendBinary(data []byte) bool {
	s.binaries = append(s.binaries, data)
	s.bump()
	return true
}

func (s *fakeSender) Aborted() bool { return s.aborted }

func (s *fakeSender) bump() {
	s.sent++
	if s.abortAfter > 0 && s.sent >= s.abortAfter {
		s.aborted = true
	}
}

func (s *fakeSender) systemCommands() []string {
	var commands []string
	for _, v := range s.jsons {
		if msg, ok := v.(*SystemMessage); ok {
			commands = append(commands, msg.Command)
		}
	}
	return commands
}

type fakeLLM struct {
	reply string
	err   error
	seen  []repositories.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, messages []repositories.ChatMessage) (string, error) {
	f.seen = messages
	return f.reply, f.err
}

type fakeSTT struct {
	text    string
	err     error
	rawSeen []byte
}

func (f *fakeSTT) TranscribeAudio(_ context.Context, data []byte) (string, error) {
	f.rawSeen = data
	return f.text, f.err
}

func (f *fakeSTT) TranscribePCM(context.Context, []int16, int, int) (string, error) {
	return f.text, f.err
}

type fakeTTS struct {
	frames [][]byte
	raw    []byte
	err    error
}

func (f *fakeTTS) Synthesize(context.Context, string, string) (repositories.SpeechResult, error) {
	return repositories.SpeechResult{Frames: f.frames, Raw: f.raw}, f.err
}

type fakeStore struct {
	appended  []entities.SessionMessage
	appendErr error
}

func (f *fakeStore) CreateSession(context.Context, *entities.Session) error { return nil }
func (f *fakeStore) UpdateSession(context.Context, *entities.Session) error { return nil }
func (f *fakeStore) CloseSession(context.Context, uuid.UUID) error          { return nil }
func (f *fakeStore) AppendMessage(_ context.Context, _ uuid.UUID, m entities.SessionMessage) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, m)
	return nil
}

type fakeKnowledge struct {
	entries []entities.KnowledgeEntry
	err     error
}

func (f *fakeKnowledge) ListRecent(context.Context, int) ([]entities.KnowledgeEntry, error) {
	return f.entries, f.err
}

func newTestOrchestrator(llm *fakeLLM, stt *fakeSTT, tts *fakeTTS, knowledge *fakeKnowledge, store *fakeStore) (*Orchestrator, *Registry, uuid.UUID) {
	registry := NewRegistry()
	id := registry.CreateSession("device-1", "websocket", 3, testParams(), "opus")

	var k repositories.KnowledgeStore
	if knowledge != nil {
		k = knowledge
	}
	var s repositories.SessionStore
	if store != nil {
		s = store
	}

	o := NewOrchestrator(registry, llm, stt, tts, k, s, nil, zap.NewNop())
	o.SetFrameDelay(0)
	return o, registry, id
}

func TestRunTranscriptTurn_FullSequence(t *testing.T) {
	llm := &fakeLLM{reply: "I am glad to help."}
	tts := &fakeTTS{frames: [][]byte{{1}, {2}, {3}}}
	store := &fakeStore{}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, tts, nil, store)

	sender := &fakeSender{}
	o.RunTranscriptTurn(context.Background(), sender, id, "help me")

	if len(sender.jsons) != 4 {
		t.Fatalf("sent %d JSON messages, want 4", len(sender.jsons))
	}
	if msg, ok := sender.jsons[0].(*TranscriptMessage); !ok || msg.Text != "help me" {
		t.Errorf("first message = %#v, want transcript echo", sender.jsons[0])
	}
	if msg, ok := sender.jsons[1].(*ReplyMessage); !ok || msg.Text != "I am glad to help." {
		t.Errorf("second message = %#v, want reply", sender.jsons[1])
	}
	if msg, ok := sender.jsons[2].(*SynthesisMessage); !ok || msg.State != "start" {
		t.Errorf("third message = %#v, want tts start", sender.jsons[2])
	}
	if msg, ok := sender.jsons[3].(*SynthesisMessage); !ok || msg.State != "stop" {
		t.Errorf("fourth message = %#v, want tts stop", sender.jsons[3])
	}
	if len(sender.binaries) != 3 {
		t.Errorf("sent %d binary frames, want 3", len(sender.binaries))
	}
	if len(store.appended) != 2 {
		t.Errorf("persisted %d messages, want 2", len(store.appended))
	}
}

func TestRunTranscriptTurn_EmptyReplyUsesFallback(t *testing.T) {
	llm := &fakeLLM{reply: "   \n\t  "}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, &fakeTTS{}, nil, nil)

	sender := &fakeSender{}
	o.RunTranscriptTurn(context.Background(), sender, id, "hello")

	var reply *ReplyMessage
	for _, v := range sender.jsons {
		if msg, ok := v.(*ReplyMessage); ok {
			reply = msg
		}
	}
	if reply == nil {
		t.Fatal("no reply message sent")
	}
	if strings.TrimSpace(reply.Text) == "" {
		t.Error("reply text is empty, want fallback phrase")
	}
}

func TestRunTranscriptTurn_KnowledgePrepended(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	knowledge := &fakeKnowledge{entries: []entities.KnowledgeEntry{
		{Title: "Hours", Content: "Open 9 to 5"},
		{Title: "Location", Content: "Main street"},
	}}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, &fakeTTS{}, knowledge, nil)

	o.RunTranscriptTurn(context.Background(), &fakeSender{}, id, "when are you open")

	if len(llm.seen) != 3 {
		t.Fatalf("model saw %d messages, want 3", len(llm.seen))
	}
	if llm.seen[0].Role != repositories.SystemRole || llm.seen[0].Content != "Hours: Open 9 to 5" {
		t.Errorf("first context message = %+v", llm.seen[0])
	}
	if llm.seen[2].Role != repositories.UserRole {
		t.Errorf("last message role = %q, want user", llm.seen[2].Role)
	}
}

func TestRunTranscriptTurn_LLMFailureReportsSystemNotice(t *testing.T) {
	llm := &fakeLLM{err: errors.New("upstream down")}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, &fakeTTS{}, nil, nil)

	sender := &fakeSender{}
	o.RunTranscriptTurn(context.Background(), sender, id, "hello")

	commands := sender.systemCommands()
	if len(commands) != 1 {
		t.Fatalf("got %d system notices, want 1", len(commands))
	}
	if !strings.HasPrefix(commands[0], "error: ") {
		t.Errorf("system command = %q, want error prefix", commands[0])
	}
	if len(sender.binaries) != 0 {
		t.Error("binary frames sent after model failure")
	}
}

func TestRunTranscriptTurn_PersistenceFailureAbandonsSynthesis(t *testing.T) {
	llm := &fakeLLM{reply: "fine"}
	tts := &fakeTTS{frames: [][]byte{{1}}}
	store := &fakeStore{appendErr: errors.New("disk full")}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, tts, nil, store)

	sender := &fakeSender{}
	o.RunTranscriptTurn(context.Background(), sender, id, "hello")

	if len(sender.binaries) != 0 {
		t.Error("synthesis ran despite persistence failure")
	}
	if len(sender.systemCommands()) != 1 {
		t.Error("persistence failure not reported to peer")
	}
}

func TestRunAudioTurn_EmptyTranscriptIsSilent(t *testing.T) {
	stt := &fakeSTT{text: "  "}
	o, _, id := newTestOrchestrator(&fakeLLM{reply: "x"}, stt, &fakeTTS{}, nil, nil)

	sender := &fakeSender{}
	o.RunAudioTurn(context.Background(), sender, id, make([]int16, 8000), 16000)

	if len(sender.jsons) != 0 || len(sender.binaries) != 0 {
		t.Error("messages sent for empty transcription")
	}
}

func TestRunRawAudioTurn_ForwardsPayload(t *testing.T) {
	stt := &fakeSTT{text: "raw words"}
	llm := &fakeLLM{reply: "ok"}
	o, _, id := newTestOrchestrator(llm, stt, &fakeTTS{}, nil, nil)

	payload := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01, 0x02}
	sender := &fakeSender{}
	o.RunRawAudioTurn(context.Background(), sender, id, payload)

	if string(stt.rawSeen) != string(payload) {
		t.Error("raw payload not forwarded to transcription")
	}
	if msg, ok := sender.jsons[0].(*TranscriptMessage); !ok || msg.Text != "raw words" {
		t.Errorf("first message = %#v, want transcript of raw audio", sender.jsons[0])
	}
}

func TestSynthesize_AbortStopsPlayback(t *testing.T) {
	llm := &fakeLLM{reply: "long reply"}
	tts := &fakeTTS{frames: [][]byte{{1}, {2}, {3}, {4}, {5}}}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, tts, nil, nil)

	// Abort fires right after the first binary frame: transcript, reply,
	// tts start, then one frame.
	sender := &fakeSender{abortAfter: 4}
	o.RunTranscriptTurn(context.Background(), sender, id, "hello")

	if len(sender.binaries) != 1 {
		t.Fatalf("sent %d frames after abort, want 1", len(sender.binaries))
	}
	last := sender.jsons[len(sender.jsons)-1]
	if msg, ok := last.(*SynthesisMessage); ok && msg.State == "stop" {
		t.Error("tts stop sent after abort")
	}
}

func TestRunReplyTurn_NoSynthesis(t *testing.T) {
	llm := &fakeLLM{reply: "text only"}
	tts := &fakeTTS{frames: [][]byte{{1}}}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, tts, nil, nil)

	sender := &fakeSender{}
	o.RunReplyTurn(context.Background(), sender, id, "hello")

	if len(sender.binaries) != 0 {
		t.Error("reply turn streamed audio")
	}
	if len(sender.jsons) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.jsons))
	}
	if _, ok := sender.jsons[0].(*ReplyMessage); !ok {
		t.Errorf("message = %#v, want reply", sender.jsons[0])
	}
}

type fakeDispatcher struct {
	response json.RawMessage
	err      error
}

func (f *fakeDispatcher) Dispatch(context.Context, json.RawMessage) (json.RawMessage, error) {
	return f.response, f.err
}

func TestRunToolTurn(t *testing.T) {
	o, _, id := newTestOrchestrator(&fakeLLM{reply: "x"}, &fakeSTT{}, &fakeTTS{}, nil, nil)
	o.tools = &fakeDispatcher{response: json.RawMessage(`{"jsonrpc":"2.0","id":1,"result":{}}`)}

	sender := &fakeSender{}
	o.RunToolTurn(context.Background(), sender, id, json.RawMessage(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))

	if len(sender.jsons) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.jsons))
	}
	msg, ok := sender.jsons[0].(*ToolCallMessage)
	if !ok {
		t.Fatalf("message = %#v, want tool call relay", sender.jsons[0])
	}
	if len(msg.Payload) == 0 {
		t.Error("relayed payload is empty")
	}
}

func TestRunToolTurn_DispatchFailure(t *testing.T) {
	o, _, id := newTestOrchestrator(&fakeLLM{reply: "x"}, &fakeSTT{}, &fakeTTS{}, nil, nil)
	o.tools = &fakeDispatcher{err: errors.New("bad payload")}

	sender := &fakeSender{}
	o.RunToolTurn(context.Background(), sender, id, json.RawMessage(`{}`))

	commands := sender.systemCommands()
	if len(commands) != 1 || !strings.HasPrefix(commands[0], "error: ") {
		t.Errorf("system notices = %v, want one error", commands)
	}
}

func TestEmotionTagging(t *testing.T) {
	llm := &fakeLLM{reply: "I am so happy for you!"}
	o, _, id := newTestOrchestrator(llm, &fakeSTT{}, &fakeTTS{}, nil, nil)

	sender := &fakeSender{}
	o.RunReplyTurn(context.Background(), sender, id, "good news")

	msg, ok := sender.jsons[0].(*ReplyMessage)
	if !ok {
		t.Fatalf("message = %#v, want reply", sender.jsons[0])
	}
	if msg.Emotion != EmotionJoyful {
		t.Errorf("emotion = %q, want %q", msg.Emotion, EmotionJoyful)
	}
}

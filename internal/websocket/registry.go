package websocket

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kanari-ai/kanari-server/domain/entities"
)

// minBufferDuration is the audio that must accumulate before a buffer
// reports ready. Transcription quality degrades sharply on very short
// clips, so we trade a few hundred milliseconds of latency for accuracy.
const minBufferDuration = 0.5

// audioBuffer accumulates decoded PCM for one session until enough has
// arrived to transcribe. Its sample rate is fixed by the first frame.
type audioBuffer struct {
	samples    []int16
	sampleRate int
}

func (b *audioBuffer) add(samples []int16) {
	b.samples = append(b.samples, samples...)
}

func (b *audioBuffer) ready() bool {
	return float64(len(b.samples))/float64(b.sampleRate) >= minBufferDuration
}

func (b *audioBuffer) take() []int16 {
	samples := b.samples
	b.samples = nil
	return samples
}

// Registry is the shared map of live sessions and their accumulation
// buffers. It is constructed once at startup and handed to every
// connection; all access goes through the reader/writer lock, which is
// only ever held across the in-memory operation itself, never across a
// network or collaborator call.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*entities.Session
	buffers  map[uuid.UUID]*audioBuffer
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*entities.Session),
		buffers:  make(map[uuid.UUID]*audioBuffer),
	}
}

// CreateSession inserts a freshly negotiated session and returns its id.
func (r *Registry) CreateSession(deviceID, clientID string, version int, params entities.AudioParams, responseFormat string) uuid.UUID {
	session := entities.NewSession(deviceID, clientID, version, params, responseFormat)
	r.mu.Lock()
	r.sessions[session.ID] = session
	r.mu.Unlock()
	return session.ID
}

// GetSession returns a copy of the session metadata, or false if the id
// is unknown. Callers never get a reference into the map.
func (r *Registry) GetSession(id uuid.UUID) (entities.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[id]
	if !ok {
		return entities.Session{}, false
	}
	return *session, true
}

// Touch records protocol activity on the session.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if session, ok := r.sessions[id]; ok {
		session.Touch()
	}
}

// RemoveSession drops the session and any buffer it owns. Idempotent.
func (r *Registry) RemoveSession(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	delete(r.buffers, id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AddAudioSamples appends decoded samples to the session's buffer,
// creating it lazily on first use (which fixes its sample rate), and
// reports whether at least minBufferDuration seconds have accumulated.
// Samples for an unknown session id are dropped.
func (r *Registry) AddAudioSamples(id uuid.UUID, samples []int16, sampleRate int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	buffer, ok := r.buffers[id]
	if !ok {
		buffer = &audioBuffer{sampleRate: sampleRate}
		r.buffers[id] = buffer
	}
	buffer.add(samples)
	return buffer.ready()
}

// TakeAudioSamples atomically drains the session's buffer if it is
// ready, returning the samples and their rate. It returns ok=false when
// the buffer is missing, empty or below the threshold; no samples are
// lost or duplicated with respect to concurrent appends.
func (r *Registry) TakeAudioSamples(id uuid.UUID) ([]int16, int, bool) {
	return r.takeAudioSamples(id, false)
}

// TakeAudioSamplesForce drains unconditionally. Used at teardown so a
// short trailing utterance is not discarded.
func (r *Registry) TakeAudioSamplesForce(id uuid.UUID) ([]int16, int, bool) {
	return r.takeAudioSamples(id, true)
}

func (r *Registry) takeAudioSamples(id uuid.UUID, force bool) ([]int16, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buffer, ok := r.buffers[id]
	if !ok {
		return nil, 0, false
	}
	if !force && !buffer.ready() {
		return nil, 0, false
	}
	samples := buffer.take()
	if len(samples) == 0 {
		return nil, 0, false
	}
	return samples, buffer.sampleRate, true
}

// ClearAudioBuffer discards any accumulated samples. Idempotent.
func (r *Registry) ClearAudioBuffer(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buffer, ok := r.buffers[id]; ok {
		buffer.samples = nil
	}
}

// BufferDuration reports the accumulated audio in seconds.
func (r *Registry) BufferDuration(id uuid.UUID) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	buffer, ok := r.buffers[id]
	if !ok || buffer.sampleRate == 0 {
		return 0
	}
	return float64(len(buffer.samples)) / float64(buffer.sampleRate)
}

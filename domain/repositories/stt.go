package repositories

import "context"

// SpeechToText abstracts speech recognition services. Both entry points
// are fallible and recoverable; callers must never treat a transcription
// error as connection-fatal.
type SpeechToText interface {
	// TranscribeAudio accepts a complete encoded audio payload (WAV,
	// WebM, MP3 or raw compressed frames) and returns the transcript.
	TranscribeAudio(ctx context.Context, audioData []byte) (string, error)
	// TranscribePCM accepts decoded 16-bit PCM samples.
	TranscribePCM(ctx context.Context, samples []int16, sampleRate, channels int) (string, error)
}

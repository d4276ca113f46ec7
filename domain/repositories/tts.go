package repositories

import "context"

// SpeechResult is the output of speech synthesis. Exactly one of Frames
// or Raw is populated: Frames carries independently decodable compressed
// frames that must be transmitted as separate messages, Raw carries a
// single undivided payload (e.g. an MP3 file).
type SpeechResult struct {
	Frames [][]byte
	Raw    []byte
}

// Framed reports whether the result is a sequence of individual frames.
func (r SpeechResult) Framed() bool {
	return len(r.Frames) > 0
}

// TextToSpeech abstracts speech synthesis services.
type TextToSpeech interface {
	// Synthesize renders text into audio in the requested format
	// ("opus" or "mp3"); an empty format selects the adapter default.
	Synthesize(ctx context.Context, text string, format string) (SpeechResult, error)
}

package websocket

import "strings"

// EmotionClassifier assigns a coarse emotion tag to a reply before it is
// sent to the device. It is a policy, not an analysis: implementations
// may be arbitrarily naive and callers must not assume the tag reflects
// true sentiment.
type EmotionClassifier interface {
	Classify(text string) string
}

// Emotion tags understood by device firmware.
const (
	EmotionNeutral      = "neutral"
	EmotionJoyful       = "joyful"
	EmotionAffectionate = "affectionate"
	EmotionSad          = "sad"
	EmotionAngry        = "angry"
	EmotionFearful      = "fearful"
)

// KeywordClassifier is the default classifier: fixed keyword and emoji
// lists per category, first match wins, neutral otherwise.
type KeywordClassifier struct{}

var emotionMarkers = []struct {
	tag     string
	markers []string
}{
	{EmotionJoyful, []string{"haha", "yay", "hooray", "great news", "wonderful", "awesome", "glad", "happy", "😄", "😊", "🎉", "😁"}},
	{EmotionAffectionate, []string{"love", "dear", "sweet", "hug", "miss you", "care about", "❤", "🥰", "😘", "🤗"}},
	{EmotionSad, []string{"sorry to hear", "sad", "unfortunately", "i'm sorry", "miss", "lonely", "😢", "😞", "☹"}},
	{EmotionAngry, []string{"angry", "furious", "annoyed", "unacceptable", "outrageous", "😠", "😡"}},
	{EmotionFearful, []string{"afraid", "scared", "worried", "frightening", "careful", "danger", "😨", "😱"}},
}

func (KeywordClassifier) Classify(text string) string {
	lowered := strings.ToLower(text)
	for _, category := range emotionMarkers {
		for _, marker := range category.markers {
			if strings.Contains(lowered, marker) {
				return category.tag
			}
		}
	}
	return EmotionNeutral
}
